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
	"crypto/rand"
	"sync"
	"time"

	"github.com/dlintw/goconf"
	"github.com/google/uuid"
)

const (
	// Terminated conferences linger so departing clients can still fetch
	// the final state before the record is deleted.
	terminatedConferenceLifetime = 30 * time.Second
)

// Focus is the conference server core. It owns the live conferences and
// calls of this node, drives the join pipeline and connects conference
// event streams to the notification bus.
type Focus struct {
	logger    Logger
	scheduler *Scheduler
	events    AsyncEvents
	subs      *SubscriptionManager

	ektSecret []byte

	conferences ConcurrentMap[string, *Conference]
	calls       ConcurrentMap[string, *CallSession]

	mu     sync.Mutex
	closer *Closer
}

func NewFocus(logger Logger, config *goconf.ConfigFile, scheduler *Scheduler, events AsyncEvents) (*Focus, error) {
	ektSecretString, _ := GetStringOptionWithEnv(config, "focus", "ektsecret")
	ektSecret := []byte(ektSecretString)
	if len(ektSecret) == 0 {
		// Without a configured secret, key material does not survive a
		// restart. Conferences get fresh keys after a reload anyway.
		ektSecret = make([]byte, 32)
		if _, err := rand.Read(ektSecret); err != nil {
			return nil, err
		}
	}

	f := &Focus{
		logger:    logger,
		scheduler: scheduler,
		events:    events,
		subs:      NewSubscriptionManager(logger, events),

		ektSecret: ektSecret,

		closer: NewCloser(),
	}
	return f, nil
}

func (f *Focus) Subscriptions() *SubscriptionManager {
	return f.subs
}

func (f *Focus) GetConference(address string) *Conference {
	conf, _ := f.conferences.Get(address)
	return conf
}

func (f *Focus) GetCall(id string) *CallSession {
	call, _ := f.calls.Get(id)
	return call
}

func (f *Focus) NewCall(remote string) *CallSession {
	call := NewCallSession(f.logger, uuid.NewString(), remote)
	f.calls.Set(call.Id(), call)
	return call
}

func (f *Focus) removeCall(call *CallSession) {
	f.calls.Del(call.Id())
}

// getOrCreateConference instantiates the live conference for a descriptor.
// The first joiner pays for the allocation, everyone else gets the
// existing instance.
func (f *Focus) getOrCreateConference(descriptor *ConferenceDescriptor) (*Conference, error) {
	if conf, found := f.conferences.Get(descriptor.Address); found {
		return conf, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if conf, found := f.conferences.Get(descriptor.Address); found {
		return conf, nil
	}

	conf, err := NewConference(f.logger, descriptor, f.ektSecret)
	if err != nil {
		return nil, err
	}

	address := descriptor.Address
	conf.SetNotifySink(func(message *NotifyMessage) {
		if err := f.events.PublishConferenceMessage(address, message); err != nil {
			f.logger.Printf("Could not publish notification for %s: %s", address, err)
		}
	})

	if err := conf.Allocating(); err != nil {
		conf.Close()
		return nil, NewError(ErrorCodeError, "Could not start conference allocation.")
	}

	f.conferences.Set(address, conf)
	f.logger.Printf("Instantiated conference %s", address)
	return conf, nil
}

// JoinConference runs the full join pipeline for a connected call: the
// scheduler validates the time window and invitation, the conference is
// created on first join and the device becomes a member. Errors map to
// the stable error codes, callers translate them to their transport.
func (f *Focus) JoinConference(ctx context.Context, address string, device *Device, call *CallSession) (*Conference, error) {
	if call.State() != CallStateConnected && call.State() != CallStateStreamsRunning {
		return nil, NewError(ErrorCodeError, "The call is not connected.")
	}

	descriptor, err := f.scheduler.EvaluateJoin(ctx, address, device.Address(), time.Now())
	if err != nil {
		return nil, err
	}

	conf, err := f.getOrCreateConference(descriptor)
	if err != nil {
		return nil, err
	}
	// The descriptor may have been re-allocated since the conference was
	// instantiated, the live invitation list must not lag behind it.
	conf.RefreshDescriptor(descriptor)

	if err := conf.AddParticipantDevice(device, call); err != nil {
		if conf.IsEmpty() && conf.State() == ConferenceStateCreationPending {
			f.failConference(conf)
		}
		return nil, err
	}
	return conf, nil
}

// LeaveConference removes a device. The last device tears the conference
// down through the terminating sequence.
func (f *Focus) LeaveConference(ctx context.Context, address string, deviceAddress string, instance string) error {
	conf := f.GetConference(address)
	if conf == nil {
		return ErrNoSuchConference
	}

	if err := conf.RemoveParticipantDevice(deviceAddress, instance); err != nil {
		return err
	}

	if conf.IsEmpty() && conf.State() == ConferenceStateTerminationPending {
		f.finishConference(ctx, conf)
	}
	return nil
}

// TerminateConference force-terminates a conference, ending all remaining
// memberships.
func (f *Focus) TerminateConference(ctx context.Context, address string, caller string) error {
	conf := f.GetConference(address)
	if conf == nil {
		return ErrNoSuchConference
	}

	info := conf.Info()
	if caller != "" {
		allowed := false
		for _, p := range info.Participants {
			if p.Address == caller && p.Admin {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrNotAdmin
		}
	}

	for _, p := range info.Participants {
		for _, d := range p.Devices {
			if err := conf.RemoveParticipantDevice(d.Address, d.Instance); err != nil {
				f.logger.Printf("Could not remove device %s/%s from %s: %s", d.Address, d.Instance, address, err)
			}
		}
	}

	if conf.State() != ConferenceStateTerminationPending {
		if err := conf.Terminate(); err != nil {
			return err
		}
	}
	f.finishConference(ctx, conf)
	return nil
}

// finishConference walks the terminating conference to its terminal state
// and schedules the deletion of the record.
func (f *Focus) finishConference(ctx context.Context, conf *Conference) {
	address := conf.Address()
	if err := conf.Released(); err != nil {
		f.logger.Printf("Could not release conference %s: %s", address, err)
	}
	f.scheduler.ConferenceTerminated(ctx, address)

	time.AfterFunc(terminatedConferenceLifetime, func() {
		if err := conf.Deleted(); err != nil {
			f.logger.Printf("Could not delete conference %s: %s", address, err)
		}
		f.conferences.Del(address)
		conf.Close()
		f.logger.Printf("Deleted conference %s", address)
	})
}

// failConference handles an allocation that never produced a member.
func (f *Focus) failConference(conf *Conference) {
	address := conf.Address()
	if err := conf.AllocationFailed(); err != nil {
		f.logger.Printf("Could not fail conference %s: %s", address, err)
	}
	f.conferences.Del(address)
	conf.Close()
}

// Subscribe attaches a notification subscription to a live conference.
func (f *Focus) Subscribe(address string, deliver DeliverFunc, expiry time.Duration) (*Subscription, error) {
	conf := f.GetConference(address)
	if conf == nil {
		return nil, ErrNoSuchConference
	}
	return f.subs.Subscribe(conf, deliver, expiry)
}

// EktEnvelope returns the wrapped current conference key for one joined
// device.
func (f *Focus) EktEnvelope(address string, deviceAddress string, instance string) (*EktEnvelope, error) {
	conf := f.GetConference(address)
	if conf == nil {
		return nil, ErrNoSuchConference
	}

	ekt := conf.Ekt()
	if ekt == nil {
		return nil, NewError(ErrorCodeNotAcceptable, "The conference has no key distribution.")
	}
	return ekt.EnvelopeFor(deviceAddress, instance)
}

// PostChatMessage relays a chat message into the conference room.
func (f *Focus) PostChatMessage(address string, from string, text string) error {
	conf := f.GetConference(address)
	if conf == nil {
		return ErrNoSuchConference
	}

	chat := conf.ChatRoom()
	if chat == nil {
		return NewError(ErrorCodeNotAcceptable, "The conference has no chat room.")
	}
	return chat.Post(from, text)
}

func (f *Focus) Close() {
	f.closer.Close()
	f.subs.Close()
	for _, conf := range f.conferences.Values() {
		conf.Close()
	}
	f.conferences.Clear()
}
