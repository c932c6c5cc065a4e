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
	"context"
	"testing"
	"time"

	"github.com/dlintw/goconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFocus(t *testing.T) (*Focus, *Scheduler) {
	t.Helper()
	config := goconf.NewConfigFile()
	config.AddOption("scheduler", "cleanupinterval", "-1")
	config.AddOption("scheduler", "endtoend", "true")
	config.AddOption("focus", "ektsecret", string(testEktSecret))

	store, err := NewDescriptorStore(testLogger(t), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	scheduler, err := NewScheduler(testLogger(t), config, store)
	require.NoError(t, err)
	t.Cleanup(scheduler.Close)

	events := newTestEvents(t)
	focus, err := NewFocus(testLogger(t), config, scheduler, events)
	require.NoError(t, err)
	t.Cleanup(focus.Close)
	return focus, scheduler
}

func connectFocusCall(t *testing.T, focus *Focus, remote string) *CallSession {
	t.Helper()
	call := focus.NewCall(remote)
	require.NoError(t, call.Connected(testStreams, SecurityPointToPoint))
	return call
}

func TestFocusJoinPipeline(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("pipeline@example.org")))

	// Nothing exists before the first join.
	assert.Nil(focus.GetConference("pipeline@example.org"))

	call := connectFocusCall(t, focus, "alice@example.org")
	assert.Equal(call, focus.GetCall(call.Id()))

	device := NewDevice("alice@example.org", "dev-1", "Alice")
	conf, err := focus.JoinConference(ctx, "pipeline@example.org", device, call)
	require.NoError(t, err)
	assert.Equal(ConferenceStateCreated, conf.State())
	assert.Equal(conf, focus.GetConference("pipeline@example.org"))

	// A second joiner reuses the running conference.
	second := NewDevice("bob@example.org", "dev-2", "Bob")
	again, err := focus.JoinConference(ctx, "pipeline@example.org", second, connectFocusCall(t, focus, "bob@example.org"))
	require.NoError(t, err)
	assert.Equal(conf, again)
	assert.Len(conf.Info().Participants, 2)
}

func TestFocusJoinAfterInvitationUpdate(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("reinvite@example.org")))

	alice := NewDevice("alice@example.org", "dev-1", "")
	conf, err := focus.JoinConference(ctx, "reinvite@example.org", alice, connectFocusCall(t, focus, "alice@example.org"))
	require.NoError(t, err)

	// Someone not on the list is rejected while the conference runs.
	carol := NewDevice("carol@example.org", "dev-3", "")
	_, err = focus.JoinConference(ctx, "reinvite@example.org", carol, connectFocusCall(t, focus, "carol@example.org"))
	assert.ErrorIs(err, ErrNotInvited)

	// A re-allocation extends the invitation list. The running conference
	// must pick up the newer revision, not keep the list it was created
	// with.
	updated := newTestDescriptor("reinvite@example.org")
	updated.CreationState = CreationStateUpdated
	updated.Entries = append(updated.Entries, DescriptorEntry{Address: "carol@example.org", Role: RoleSpeaker})
	require.NoError(t, scheduler.Allocate(ctx, updated))

	again, err := focus.JoinConference(ctx, "reinvite@example.org", carol, connectFocusCall(t, focus, "carol@example.org"))
	require.NoError(t, err)
	assert.Equal(conf, again)
	assert.Len(conf.Info().Participants, 2)
}

func TestFocusJoinRequiresConnectedCall(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("notconnected@example.org")))

	call := focus.NewCall("alice@example.org")
	device := NewDevice("alice@example.org", "dev-1", "")
	_, err := focus.JoinConference(ctx, "notconnected@example.org", device, call)
	assert.Error(err)
	assert.Nil(focus.GetConference("notconnected@example.org"))
}

func TestFocusJoinUnknownConference(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	focus, _ := newTestFocus(t)
	device := NewDevice("alice@example.org", "dev-1", "")
	call := connectFocusCall(t, focus, "alice@example.org")
	_, err := focus.JoinConference(context.Background(), "unknown@example.org", device, call)
	assert.ErrorIs(err, ErrNoSuchConference)
}

func TestFocusFailedFirstJoinRollsBack(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	descriptor := newTestDescriptor("rollback@example.org")
	descriptor.Open = true
	require.NoError(t, scheduler.Allocate(ctx, descriptor))

	// The very first join fails after the conference was instantiated, the
	// allocation must not leak.
	device := NewDevice("alice@example.org", "dev-1", "")
	call := focus.NewCall("alice@example.org")
	require.NoError(t, call.Connected(testStreams, SecurityNone))
	_, err := focus.JoinConference(ctx, "rollback@example.org", device, call)
	assert.ErrorIs(err, ErrSecurityTooLow)
	assert.Nil(focus.GetConference("rollback@example.org"))
}

func TestFocusLeaveTearsDownConference(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("teardown@example.org")))

	device := NewDevice("alice@example.org", "dev-1", "")
	conf, err := focus.JoinConference(ctx, "teardown@example.org", device, connectFocusCall(t, focus, "alice@example.org"))
	require.NoError(t, err)

	assert.ErrorIs(focus.LeaveConference(ctx, "teardown@example.org", "bob@example.org", "dev-x"), ErrNoSuchParticipant)

	require.NoError(t, focus.LeaveConference(ctx, "teardown@example.org", "alice@example.org", "dev-1"))
	assert.Equal(ConferenceStateTerminated, conf.State())

	// The scheduler learned about the termination.
	stored, err := scheduler.Get(ctx, "teardown@example.org")
	require.NoError(t, err)
	assert.False(stored.TerminatedAt.IsZero())
}

func TestFocusTerminateConference(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("terminate@example.org")))

	organizer := NewDevice("organizer@example.org", "dev-0", "")
	conf, err := focus.JoinConference(ctx, "terminate@example.org", organizer, connectFocusCall(t, focus, "organizer@example.org"))
	require.NoError(t, err)
	listener := NewDevice("bob@example.org", "dev-2", "")
	_, err = focus.JoinConference(ctx, "terminate@example.org", listener, connectFocusCall(t, focus, "bob@example.org"))
	require.NoError(t, err)

	// Only admins may terminate.
	assert.ErrorIs(focus.TerminateConference(ctx, "terminate@example.org", "bob@example.org"), ErrNotAdmin)

	require.NoError(t, focus.TerminateConference(ctx, "terminate@example.org", "organizer@example.org"))
	assert.Equal(ConferenceStateTerminated, conf.State())
	assert.True(conf.IsEmpty())
}

func TestFocusSubscribe(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("subscribers@example.org")))

	_, err := focus.Subscribe("subscribers@example.org", func(message *NotifyMessage) error {
		return nil
	}, time.Minute)
	assert.ErrorIs(err, ErrNoSuchConference)

	device := NewDevice("alice@example.org", "dev-1", "")
	_, err = focus.JoinConference(ctx, "subscribers@example.org", device, connectFocusCall(t, focus, "alice@example.org"))
	require.NoError(t, err)

	received := make(chan *NotifyMessage, 64)
	subscription, err := focus.Subscribe("subscribers@example.org", func(message *NotifyMessage) error {
		received <- message
		return nil
	}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(subscription.Close)

	select {
	case message := <-received:
		assert.Equal(NotifyTypeFull, message.Type)
		assert.Equal("subscribers@example.org", message.Conference)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for full state")
	}
}

func TestFocusEktEnvelope(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)

	// A point-to-point conference has no key distribution.
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("nokeys@example.org")))
	device := NewDevice("alice@example.org", "dev-1", "")
	_, err := focus.JoinConference(ctx, "nokeys@example.org", device, connectFocusCall(t, focus, "alice@example.org"))
	require.NoError(t, err)
	_, err = focus.EktEnvelope("nokeys@example.org", "alice@example.org", "dev-1")
	assert.Error(err)

	// An end-to-end conference hands out wrapped keys to its members.
	descriptor := newTestDescriptor("keys@example.org")
	descriptor.Security = SecurityEndToEnd
	require.NoError(t, scheduler.Allocate(ctx, descriptor))

	e2eDevice := NewDevice("alice@example.org", "dev-1", "")
	e2eCall := focus.NewCall("alice@example.org")
	require.NoError(t, e2eCall.Connected(testStreams, SecurityEndToEnd))
	_, err = focus.JoinConference(ctx, "keys@example.org", e2eDevice, e2eCall)
	require.NoError(t, err)

	envelope, err := focus.EktEnvelope("keys@example.org", "alice@example.org", "dev-1")
	require.NoError(t, err)
	assert.NotEmpty(envelope.Cipher)

	_, err = focus.EktEnvelope("keys@example.org", "mallory@example.org", "dev-x")
	assert.Error(err)
}

func TestFocusPostChatMessage(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	focus, scheduler := newTestFocus(t)
	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("chat@example.org")))

	assert.ErrorIs(focus.PostChatMessage("chat@example.org", "alice@example.org", "hi"), ErrNoSuchConference)

	device := NewDevice("alice@example.org", "dev-1", "")
	conf, err := focus.JoinConference(ctx, "chat@example.org", device, connectFocusCall(t, focus, "alice@example.org"))
	require.NoError(t, err)

	require.NoError(t, focus.PostChatMessage("chat@example.org", "alice@example.org", "hello"))
	assert.ErrorIs(focus.PostChatMessage("chat@example.org", "mallory@example.org", "spam"), ErrChatNotParticipant)
	assert.Len(conf.ChatRoom().History(), 1)
}
