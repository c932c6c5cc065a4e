/**
 * SIP conference orchestration and synchronization core.
 * Copyright (C) 2026 vconf authors
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package conference

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvents(t *testing.T) AsyncEvents {
	t.Helper()
	client, err := NewLoopbackNatsClient(testLogger(t))
	require.NoError(t, err)
	events, err := NewAsyncEvents(testLogger(t), client)
	require.NoError(t, err)
	t.Cleanup(events.Close)
	return events
}

// bindConference connects the conference notification stream to the event
// bus, like the focus does in production.
func bindConference(t *testing.T, conf *Conference, events AsyncEvents) {
	t.Helper()
	address := conf.Address()
	conf.SetNotifySink(func(message *NotifyMessage) {
		if err := events.PublishConferenceMessage(address, message); err != nil {
			t.Errorf("could not publish notification: %s", err)
		}
	})
}

func TestSubscriptionFullStateFirst(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	events := newTestEvents(t)
	conf := newTestConference(t, newTestDescriptor("subscribe@example.org"))
	bindConference(t, conf, events)
	joinTestDevice(t, conf, "alice@example.org", "dev-1")

	manager := NewSubscriptionManager(testLogger(t), events)
	t.Cleanup(manager.Close)

	received := make(chan *NotifyMessage, 64)
	subscription, err := manager.Subscribe(conf, func(message *NotifyMessage) error {
		received <- message
		return nil
	}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(subscription.Close)

	// The first delivery is always the full snapshot.
	select {
	case message := <-received:
		require.Equal(t, NotifyTypeFull, message.Type)
		assert.Equal(conf.Version(), message.Version)
		require.Len(t, message.Full.Participants, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for full state")
	}

	// Later changes arrive as ordered deltas.
	joinTestDevice(t, conf, "bob@example.org", "dev-2")
	var sawParticipant bool
	deadline := time.After(2 * time.Second)
	for !sawParticipant {
		select {
		case message := <-received:
			require.Equal(t, NotifyTypePartial, message.Type)
			if message.Event.Type == EventParticipantAdded {
				assert.Equal("bob@example.org", message.Event.Participant.Address)
				sawParticipant = true
			}
		case <-deadline:
			t.Fatal("timeout waiting for participant event")
		}
	}
}

func TestSubscriptionSlowConsumerResync(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	events := newTestEvents(t)
	conf := newTestConference(t, newTestDescriptor("slow@example.org"))
	bindConference(t, conf, events)
	joinTestDevice(t, conf, "alice@example.org", "dev-1")

	manager := NewSubscriptionManager(testLogger(t), events)
	t.Cleanup(manager.Close)

	block := make(chan struct{})
	received := make(chan *NotifyMessage, 256)
	subscription, err := manager.Subscribe(conf, func(message *NotifyMessage) error {
		<-block
		received <- message
		return nil
	}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(subscription.Close)

	// Overflow the subscriber queue while delivery is blocked.
	for i := 0; i < subscriptionQueueLength*4; i++ {
		require.NoError(t, conf.SetDeviceHold("alice@example.org", "dev-1", i%2 == 0))
	}
	close(block)

	// The subscriber must converge on the final version even though part
	// of the stream was dropped, through a full-state resync.
	finalVersion := conf.Version()
	deadline := time.After(5 * time.Second)
	var last *NotifyMessage
	for {
		select {
		case message := <-received:
			last = message
			if message.Version == finalVersion && message.Type == NotifyTypeFull {
				assert.False(message.Full.Participants[0].Devices[0].OnHold)
				return
			}
		case <-deadline:
			if last != nil {
				t.Fatalf("timeout, last message %s", last.String())
			}
			t.Fatal("timeout waiting for resync")
		}
	}
}

func TestSubscriptionExpiryAndRefresh(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	events := newTestEvents(t)
	conf := newTestConference(t, newTestDescriptor("expiry@example.org"))
	bindConference(t, conf, events)
	joinTestDevice(t, conf, "alice@example.org", "dev-1")

	manager := NewSubscriptionManager(testLogger(t), events)
	t.Cleanup(manager.Close)

	received := make(chan *NotifyMessage, 64)
	subscription, err := manager.Subscribe(conf, func(message *NotifyMessage) error {
		received <- message
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(subscription, manager.GetSubscription(subscription.Id()))

	// Refreshing keeps the subscription alive past its original expiry.
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		subscription.Refresh(100 * time.Millisecond)
	}
	assert.NotNil(manager.GetSubscription(subscription.Id()))

	// Without refreshes the subscription expires and is cleaned up.
	assert.Eventually(func() bool {
		return manager.GetSubscription(subscription.Id()) == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscriptionDeliveryErrorCloses(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	events := newTestEvents(t)
	conf := newTestConference(t, newTestDescriptor("deliveryerror@example.org"))
	bindConference(t, conf, events)
	joinTestDevice(t, conf, "alice@example.org", "dev-1")

	manager := NewSubscriptionManager(testLogger(t), events)
	t.Cleanup(manager.Close)

	subscription, err := manager.Subscribe(conf, func(message *NotifyMessage) error {
		return errors.New("delivery failed")
	}, time.Minute)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		return manager.GetSubscription(subscription.Id()) == nil
	}, 2*time.Second, 20*time.Millisecond)
}
