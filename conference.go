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
	"time"

	"github.com/looplab/fsm"
)

func init() {
	RegisterConferenceStats()
}

const (
	conferenceEventQueueSize = 64
)

// NotifySink receives the ordered notification stream of one conference.
type NotifySink func(message *NotifyMessage)

// Conference is the authoritative, focus-owned state of one multi-party
// conference: its lifecycle, participants and devices, screen-sharing
// arbitration and, for end-to-end conferences, the key distribution
// context. Clients never mutate this state directly, they request
// mutations which the focus applies and reflects back through the
// notification stream.
type Conference struct {
	logger Logger

	address string
	token   string

	security     SecurityLevel
	capabilities MediaCapabilities
	organizer    string

	mu sync.Mutex
	sm *fsm.FSM

	// Refreshed from newer descriptor revisions while the conference runs.
	revision    uint64
	subject     string
	description string
	open        bool
	invited     map[string]ParticipantRole

	version      uint64
	participants []*Participant
	screenHolder *Device
	aggSecurity  SecurityLevel

	ekt  *EktContext
	chat *ChatRoom

	sink     NotifySink
	executor *DeferredExecutor
}

// NewConference builds the live conference for a descriptor. For
// end-to-end descriptors an EKT secret is required, a focus without one
// must not have allocated the conference in the first place.
func NewConference(logger Logger, descriptor *ConferenceDescriptor, ektSecret []byte) (*Conference, error) {
	c := &Conference{
		logger: logger,

		address:      descriptor.Address,
		token:        descriptor.Token,
		security:     descriptor.Security,
		capabilities: descriptor.Capabilities,
		organizer:    descriptor.Organizer,

		revision:    descriptor.Revision,
		subject:     descriptor.Subject,
		description: descriptor.Description,
		open:        descriptor.Open,
		invited:     make(map[string]ParticipantRole),

		aggSecurity: descriptor.Security,

		executor: NewDeferredExecutor(logger, conferenceEventQueueSize),
	}
	for _, entry := range descriptor.Entries {
		c.invited[entry.Address] = entry.Role
	}

	if descriptor.Security.IsEndToEnd() {
		ekt, err := NewEktContext(ektSecret)
		if err != nil {
			return nil, ErrEndToEndRequired
		}
		c.ekt = ekt
	}
	if descriptor.Capabilities.Text {
		c.chat = NewChatRoom(descriptor.Address)
	}

	c.sm = fsm.NewFSM(
		string(ConferenceStateInstantiated),
		fsm.Events{
			{Name: "allocate", Src: []string{string(ConferenceStateInstantiated)}, Dst: string(ConferenceStateCreationPending)},
			{Name: "create", Src: []string{string(ConferenceStateCreationPending)}, Dst: string(ConferenceStateCreated)},
			{Name: "fail", Src: []string{string(ConferenceStateCreationPending)}, Dst: string(ConferenceStateCreationFailed)},
			{Name: "terminate", Src: []string{string(ConferenceStateCreationPending), string(ConferenceStateCreated)}, Dst: string(ConferenceStateTerminationPending)},
			{Name: "release", Src: []string{string(ConferenceStateTerminationPending)}, Dst: string(ConferenceStateTerminated)},
			{Name: "delete", Src: []string{string(ConferenceStateTerminated)}, Dst: string(ConferenceStateDeleted)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.onStateChanged(e)
			},
		},
	)

	statsConferencesCurrent.Inc()
	return c, nil
}

// onStateChanged runs inside fsm.Event calls, the conference lock is held.
func (c *Conference) onStateChanged(e *fsm.Event) {
	state := ConferenceState(e.Dst)
	if state == ConferenceStateTerminated && c.chat != nil {
		c.chat.setReadOnly()
	}
	c.emitLocked(&ConferenceEvent{
		Type:  EventStateChanged,
		State: state,
	})
}

func (c *Conference) Address() string {
	return c.address
}

func (c *Conference) Token() string {
	return c.token
}

func (c *Conference) Subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subject
}

// RefreshDescriptor applies a newer revision of the scheduling record to
// the running conference. The invitation list, the open flag and the
// descriptive fields may change between revisions, the address, token and
// security level are fixed for the conference lifetime.
func (c *Conference) RefreshDescriptor(descriptor *ConferenceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if descriptor.Revision <= c.revision {
		return
	}

	c.revision = descriptor.Revision
	c.subject = descriptor.Subject
	c.description = descriptor.Description
	c.open = descriptor.Open

	invited := make(map[string]ParticipantRole, len(descriptor.Entries))
	for _, entry := range descriptor.Entries {
		invited[entry.Address] = entry.Role
	}
	c.invited = invited
}

func (c *Conference) Security() SecurityLevel {
	return c.security
}

func (c *Conference) Capabilities() MediaCapabilities {
	return c.capabilities
}

func (c *Conference) Ekt() *EktContext {
	return c.ekt
}

func (c *Conference) ChatRoom() *ChatRoom {
	return c.chat
}

func (c *Conference) State() ConferenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConferenceState(c.sm.Current())
}

func (c *Conference) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SetNotifySink installs the receiver of the ordered notification stream.
// Must be called before the first mutation.
func (c *Conference) SetNotifySink(sink NotifySink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// emitLocked assigns the next version to the event and schedules its
// delivery. The caller holds the conference lock, delivery happens on the
// executor so the observer-visible order matches the emission order.
func (c *Conference) emitLocked(event *ConferenceEvent) {
	c.version++
	statsConferenceEventsTotal.WithLabelValues(string(event.Type)).Inc()
	if c.sink == nil {
		return
	}

	message := &NotifyMessage{
		Type:       NotifyTypePartial,
		Conference: c.address,
		Token:      c.token,
		Version:    c.version,
		Event:      event,
	}
	sink := c.sink
	c.executor.Execute(func() {
		sink(message)
	})
}

func (c *Conference) getParticipantLocked(address string) *Participant {
	for _, p := range c.participants {
		if p.Address() == address {
			return p
		}
	}
	return nil
}

// updateAggregateSecurityLocked recomputes the minimum security level over
// all participants and emits an event if it changed.
func (c *Conference) updateAggregateSecurityLocked() {
	level := c.security
	for _, p := range c.participants {
		if s := p.Security(); s < level {
			level = s
		}
	}
	if level != c.aggSecurity {
		c.aggSecurity = level
		c.emitLocked(&ConferenceEvent{
			Type:     EventSecurityLevelChanged,
			Security: &level,
		})
	}
}

func (c *Conference) rotateEktLocked() {
	if c.ekt == nil {
		return
	}

	devices := make([]DeviceInfo, 0)
	for _, p := range c.participants {
		for _, d := range p.Devices() {
			devices = append(devices, d.Info())
		}
	}
	epoch, err := c.ekt.Rotate(devices)
	if err != nil {
		c.logger.Printf("Could not rotate conference key for %s: %s", c.address, err)
		return
	}
	statsEktRotationsTotal.Inc()
	c.emitLocked(&ConferenceEvent{
		Type:     EventEktKeyChanged,
		EktEpoch: epoch,
	})
}

// Allocating marks the start of the scheduler's allocation request.
func (c *Conference) Allocating() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Event(context.Background(), "allocate")
}

// AllocationFailed moves the conference to the terminal creation-failed
// state.
func (c *Conference) AllocationFailed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Event(context.Background(), "fail")
}

// AddParticipantDevice promotes a connected call into conference
// membership. All checks run before any mutation, a failed join never
// partially applies.
func (c *Conference) AddParticipantDevice(device *Device, call *CallSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ConferenceState(c.sm.Current()) {
	case ConferenceStateCreationPending, ConferenceStateCreated:
	default:
		return ErrNotJoinable
	}

	if !c.open {
		if _, found := c.invited[device.Address()]; !found {
			return ErrNotInvited
		}
	}

	if call != nil {
		device.SetStreams(call.Streams())
		device.SetSecurity(call.Security())
		device.SetCallId(call.Id())
	}

	// A device below the configured conference level is rejected, never
	// silently accepted as compliant.
	if device.Security() < c.security {
		return ErrSecurityTooLow
	}

	participant := c.getParticipantLocked(device.Address())
	if participant != nil && participant.GetDevice(device.Instance()) != nil {
		return ErrDuplicateDevice
	}

	device.joined = time.Now()

	if ConferenceState(c.sm.Current()) == ConferenceStateCreationPending {
		// The first join creates the conference on the focus.
		if err := c.sm.Event(context.Background(), "create"); err != nil {
			return err
		}
	}

	newParticipant := participant == nil
	if newParticipant {
		participant = NewParticipant(device.Address())
		participant.role = c.invited[device.Address()]
		participant.admin = device.Address() == c.organizer
		c.participants = append(c.participants, participant)
	}
	participant.addDevice(device)

	if newParticipant {
		c.emitLocked(&ConferenceEvent{
			Type:        EventParticipantAdded,
			Participant: ptr(participant.Info()),
		})
		if c.chat != nil {
			c.chat.addParticipant(device.Address())
		}
	}
	c.emitLocked(&ConferenceEvent{
		Type:   EventDeviceAdded,
		Device: ptr(device.Info()),
	})

	c.updateAggregateSecurityLocked()
	c.rotateEktLocked()
	statsParticipantDevicesCurrent.Inc()
	return nil
}

// RemoveParticipantDevice removes a device after its call ended. The last
// device leaving moves the conference towards termination.
func (c *Conference) RemoveParticipantDevice(address string, instance string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	participant := c.getParticipantLocked(address)
	if participant == nil {
		return ErrNoSuchParticipant
	}
	device := participant.GetDevice(instance)
	if device == nil {
		return ErrNoSuchDevice
	}

	if c.screenHolder == device {
		c.screenHolder = nil
		device.screen = false
		c.emitLocked(&ConferenceEvent{
			Type:   EventScreenSharingDisabled,
			Device: ptr(device.Info()),
		})
	}

	participant.removeDevice(instance)
	c.emitLocked(&ConferenceEvent{
		Type:   EventDeviceRemoved,
		Device: ptr(device.Info()),
	})
	statsParticipantDevicesCurrent.Dec()

	if len(participant.Devices()) == 0 {
		for i, p := range c.participants {
			if p == participant {
				c.participants = append(c.participants[:i], c.participants[i+1:]...)
				break
			}
		}
		c.emitLocked(&ConferenceEvent{
			Type:        EventParticipantRemoved,
			Participant: ptr(participant.Info()),
		})
		if c.chat != nil {
			c.chat.removeParticipant(address)
		}
	}

	c.updateAggregateSecurityLocked()
	c.rotateEktLocked()

	if len(c.participants) == 0 {
		if err := c.sm.Event(context.Background(), "terminate"); err != nil {
			return err
		}
	}
	return nil
}

// RequestScreenSharing arbitrates the screen-sharing capability. At most
// one device holds it; when the holder changes, the disable event of the
// old holder is always emitted before the enable event of the new one.
func (c *Conference) RequestScreenSharing(address string, instance string, enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	participant := c.getParticipantLocked(address)
	if participant == nil {
		return ErrNoSuchParticipant
	}
	device := participant.GetDevice(instance)
	if device == nil {
		return ErrNoSuchDevice
	}

	if !enable {
		if c.screenHolder != device {
			// Nothing to do.
			return nil
		}
		c.screenHolder = nil
		device.screen = false
		c.emitLocked(&ConferenceEvent{
			Type:   EventScreenSharingDisabled,
			Device: ptr(device.Info()),
		})
		return nil
	}

	if c.screenHolder == device {
		return nil
	}

	if previous := c.screenHolder; previous != nil {
		c.screenHolder = nil
		previous.screen = false
		c.emitLocked(&ConferenceEvent{
			Type:   EventScreenSharingDisabled,
			Device: ptr(previous.Info()),
		})
	}

	c.screenHolder = device
	device.screen = true
	c.emitLocked(&ConferenceEvent{
		Type:   EventScreenSharingEnabled,
		Device: ptr(device.Info()),
	})
	return nil
}

// ScreenSharingDevice returns the current holder of the screen-sharing
// capability, or nil.
func (c *Conference) ScreenSharingDevice() *DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.screenHolder == nil {
		return nil
	}
	return ptr(c.screenHolder.Info())
}

func (c *Conference) SetParticipantRole(caller string, target string, role ParticipantRole) error {
	if err := role.CheckValid(); err != nil {
		return NewError(ErrorCodeError, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAdminLocked(caller); err != nil {
		return err
	}
	participant := c.getParticipantLocked(target)
	if participant == nil {
		return ErrNoSuchParticipant
	}
	if participant.role == role {
		return nil
	}

	participant.role = role
	c.emitLocked(&ConferenceEvent{
		Type:        EventParticipantRoleChanged,
		Participant: ptr(participant.Info()),
	})
	return nil
}

func (c *Conference) SetAdmin(caller string, target string, admin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAdminLocked(caller); err != nil {
		return err
	}
	participant := c.getParticipantLocked(target)
	if participant == nil {
		return ErrNoSuchParticipant
	}
	if participant.admin == admin {
		return nil
	}

	participant.admin = admin
	c.emitLocked(&ConferenceEvent{
		Type:        EventParticipantAdminChanged,
		Participant: ptr(participant.Info()),
	})
	return nil
}

func (c *Conference) checkAdminLocked(caller string) error {
	participant := c.getParticipantLocked(caller)
	if participant == nil || !participant.IsAdmin() {
		return ErrNotAdmin
	}
	return nil
}

// SetDeviceHold marks a device as on hold / present again.
func (c *Conference) SetDeviceHold(address string, instance string, hold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	participant := c.getParticipantLocked(address)
	if participant == nil {
		return ErrNoSuchParticipant
	}
	device := participant.GetDevice(instance)
	if device == nil {
		return ErrNoSuchDevice
	}
	if device.onHold == hold {
		return nil
	}

	device.onHold = hold
	c.emitLocked(&ConferenceEvent{
		Type:   EventDeviceHoldChanged,
		Device: ptr(device.Info()),
	})
	return nil
}

// UpdateDeviceStreams applies a renegotiated stream set to a device.
func (c *Conference) UpdateDeviceStreams(address string, instance string, streams StreamAvailability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	participant := c.getParticipantLocked(address)
	if participant == nil {
		return ErrNoSuchParticipant
	}
	device := participant.GetDevice(instance)
	if device == nil {
		return ErrNoSuchDevice
	}
	if device.streams == streams {
		return nil
	}

	device.streams = streams
	c.emitLocked(&ConferenceEvent{
		Type:   EventDeviceMediaChanged,
		Device: ptr(device.Info()),
	})
	return nil
}

// Terminate starts explicit conference termination.
func (c *Conference) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Event(context.Background(), "terminate")
}

// Released marks all underlying call legs as fully released.
func (c *Conference) Released() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Event(context.Background(), "release")
}

// Deleted marks the persisted conference record as purged.
func (c *Conference) Deleted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sm.Event(context.Background(), "delete"); err != nil {
		return err
	}
	if c.chat != nil {
		c.chat.purge()
	}
	return nil
}

// Info returns a consistent full-state snapshot.
func (c *Conference) Info() *ConferenceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *Conference) infoLocked() *ConferenceInfo {
	participants := make([]ParticipantInfo, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, p.Info())
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].Address < participants[j].Address
	})

	info := &ConferenceInfo{
		Address:      c.address,
		Token:        c.token,
		Subject:      c.subject,
		Description:  c.description,
		State:        ConferenceState(c.sm.Current()),
		Security:     c.security,
		Capabilities: c.capabilities,
		Version:      c.version,
		Participants: participants,
	}
	if c.ekt != nil {
		info.EktEpoch = c.ekt.Epoch()
	}
	return info
}

// FullState builds a full-state notification and runs f while no
// further events can be interleaved, used when attaching subscribers.
func (c *Conference) FullState(f func(message *NotifyMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	message := &NotifyMessage{
		Type:       NotifyTypeFull,
		Conference: c.address,
		Token:      c.token,
		Version:    c.version,
		Full:       c.infoLocked(),
	}
	f(message)
}

// FullStateMessage returns a full-state notification snapshot.
func (c *Conference) FullStateMessage() *NotifyMessage {
	var result *NotifyMessage
	c.FullState(func(message *NotifyMessage) {
		result = message
	})
	return result
}

func (c *Conference) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants) == 0
}

func (c *Conference) Close() {
	c.executor.Close()
	c.executor.waitForStop()
	statsConferencesCurrent.Dec()
}

func ptr[T any](v T) *T {
	return &v
}
