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
	"sort"
	"sync"
)

// ConferenceListener is the application-side observer of a synchronized
// conference view.
type ConferenceListener interface {
	// OnConferenceSynchronized is invoked after a full state replaced the
	// local view.
	OnConferenceSynchronized(view *ClientView)

	// OnConferenceEvent is invoked for every incremental event applied in
	// order to the local view.
	OnConferenceEvent(view *ClientView, event *ConferenceEvent)

	// OnConferenceDesynchronized is invoked when a version gap was detected
	// and a resynchronization was requested.
	OnConferenceDesynchronized(view *ClientView)
}

// ResyncFunc asks the focus for an unsolicited full state.
type ResyncFunc func()

// ClientView is the client-side replica of a conference. Full states
// replace the view atomically, incremental events are applied only in
// exact version order; anything else triggers a resynchronization, so the
// view converges to the focus state no matter what was lost in between.
type ClientView struct {
	logger Logger

	conference string
	listener   ConferenceListener
	resync     ResyncFunc
	backoff    Backoff

	mu            sync.Mutex
	info          *ConferenceInfo
	synchronized  bool
	resyncPending bool
	notifier      SingleNotifier
}

func NewClientView(logger Logger, conference string, listener ConferenceListener, resync ResyncFunc) (*ClientView, error) {
	backoff, err := NewExponentialBackoff(initialConnectInterval, maxConnectInterval)
	if err != nil {
		return nil, err
	}

	return &ClientView{
		logger:     logger,
		conference: conference,
		listener:   listener,
		resync:     resync,
		backoff:    backoff,
	}, nil
}

func (v *ClientView) Conference() string {
	return v.conference
}

// Version returns the conference version of the local view, 0 if no full
// state was applied yet.
func (v *ClientView) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.info == nil {
		return 0
	}
	return v.info.Version
}

func (v *ClientView) IsSynchronized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.synchronized
}

// Info returns a snapshot of the local view, nil before the first full
// state.
func (v *ClientView) Info() *ConferenceInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.info == nil {
		return nil
	}
	return cloneConferenceInfo(v.info)
}

// ApplyNotify processes one notification. Applying the same message twice
// is harmless.
func (v *ClientView) ApplyNotify(message *NotifyMessage) error {
	if err := message.CheckValid(); err != nil {
		return err
	}
	if message.Conference != v.conference {
		return NewError(ErrorCodeFatal, "The notification is for a different conference.")
	}

	switch message.Type {
	case NotifyTypeFull:
		v.applyFull(message)
	case NotifyTypePartial:
		v.applyPartial(message)
	}
	return nil
}

func (v *ClientView) applyFull(message *NotifyMessage) {
	v.mu.Lock()
	if v.info != nil && message.Version < v.info.Version {
		// A resync overtook older queued snapshots, ignore them.
		v.mu.Unlock()
		return
	}
	v.info = cloneConferenceInfo(message.Full)
	v.synchronized = true
	v.resyncPending = false
	v.backoff.Reset()
	listener := v.listener
	v.mu.Unlock()

	v.notifier.Notify()
	if listener != nil {
		listener.OnConferenceSynchronized(v)
	}
}

func (v *ClientView) applyPartial(message *NotifyMessage) {
	v.mu.Lock()
	if !v.synchronized || v.info == nil {
		v.requestResyncLocked()
		v.mu.Unlock()
		return
	}
	if message.Version <= v.info.Version {
		// Duplicate or already covered by a full state.
		v.mu.Unlock()
		return
	}
	if message.Version != v.info.Version+1 {
		v.logger.Printf("Version gap for conference %s (have %d, got %d), requesting resync",
			v.conference, v.info.Version, message.Version)
		v.synchronized = false
		v.requestResyncLocked()
		listener := v.listener
		v.mu.Unlock()
		if listener != nil {
			listener.OnConferenceDesynchronized(v)
		}
		return
	}

	if err := applyEventToInfo(v.info, message.Event); err != nil {
		v.logger.Printf("Could not apply event to conference %s: %s", v.conference, err)
		v.synchronized = false
		v.requestResyncLocked()
		listener := v.listener
		v.mu.Unlock()
		if listener != nil {
			listener.OnConferenceDesynchronized(v)
		}
		return
	}
	v.info.Version = message.Version
	listener := v.listener
	v.mu.Unlock()

	v.notifier.Notify()
	if listener != nil {
		listener.OnConferenceEvent(v, message.Event)
	}
}

func (v *ClientView) requestResyncLocked() {
	if v.resyncPending || v.resync == nil {
		return
	}
	v.resyncPending = true
	go func() {
		v.backoff.Wait(context.Background())
		v.resync()
	}()
}

// WaitForVersion blocks until the local view reached at least the passed
// version or the context was cancelled.
func (v *ClientView) WaitForVersion(ctx context.Context, version uint64) error {
	for {
		v.mu.Lock()
		current := uint64(0)
		if v.info != nil {
			current = v.info.Version
		}
		if current >= version {
			v.mu.Unlock()
			return nil
		}
		waiter := v.notifier.NewWaiter()
		v.mu.Unlock()

		err := waiter.Wait(ctx)
		v.notifier.Release(waiter)
		if err != nil {
			return err
		}
	}
}

func cloneConferenceInfo(info *ConferenceInfo) *ConferenceInfo {
	result := *info
	result.Participants = make([]ParticipantInfo, len(info.Participants))
	for i, p := range info.Participants {
		result.Participants[i] = p
		result.Participants[i].Devices = append([]DeviceInfo(nil), p.Devices...)
	}
	return &result
}

func findParticipant(info *ConferenceInfo, address string) *ParticipantInfo {
	for i := range info.Participants {
		if info.Participants[i].Address == address {
			return &info.Participants[i]
		}
	}
	return nil
}

func upsertParticipant(info *ConferenceInfo, participant ParticipantInfo) {
	if existing := findParticipant(info, participant.Address); existing != nil {
		*existing = participant
		return
	}
	info.Participants = append(info.Participants, participant)
	sort.Slice(info.Participants, func(i, j int) bool {
		return info.Participants[i].Address < info.Participants[j].Address
	})
}

func applyEventToInfo(info *ConferenceInfo, event *ConferenceEvent) error {
	switch event.Type {
	case EventParticipantAdded, EventParticipantRoleChanged, EventParticipantAdminChanged:
		upsertParticipant(info, *event.Participant)
	case EventParticipantRemoved:
		for i := range info.Participants {
			if info.Participants[i].Address == event.Participant.Address {
				info.Participants = append(info.Participants[:i], info.Participants[i+1:]...)
				break
			}
		}
	case EventDeviceAdded, EventDeviceMediaChanged, EventDeviceHoldChanged,
		EventScreenSharingEnabled, EventScreenSharingDisabled:
		participant := findParticipant(info, event.Device.Address)
		if participant == nil {
			return NewError(ErrorCodeFatal, "Device event for unknown participant "+event.Device.Address)
		}
		updated := false
		for i := range participant.Devices {
			if participant.Devices[i].Instance == event.Device.Instance {
				participant.Devices[i] = *event.Device
				updated = true
				break
			}
		}
		if !updated {
			if event.Type != EventDeviceAdded {
				return NewError(ErrorCodeFatal, "Device event for unknown device "+event.Device.Instance)
			}
			participant.Devices = append(participant.Devices, *event.Device)
		}
	case EventDeviceRemoved:
		participant := findParticipant(info, event.Device.Address)
		if participant == nil {
			return NewError(ErrorCodeFatal, "Device event for unknown participant "+event.Device.Address)
		}
		for i := range participant.Devices {
			if participant.Devices[i].Instance == event.Device.Instance {
				participant.Devices = append(participant.Devices[:i], participant.Devices[i+1:]...)
				break
			}
		}
	case EventStateChanged:
		info.State = event.State
	case EventSecurityLevelChanged:
		info.Security = *event.Security
	case EventEktKeyChanged:
		info.EktEpoch = event.EktEpoch
	}
	return nil
}
