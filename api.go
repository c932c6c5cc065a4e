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
	"encoding/json"
	"fmt"
	"time"
)

// Stable error codes surfaced to applications. UI layers key their messaging
// off these codes, never off transport-level status values.
const (
	// The join attempt is before the availability window or the caller lacks
	// the required permission.
	ErrorCodeForbidden = "forbidden"

	// The conference expired before the join attempt.
	ErrorCodeGone = "gone"

	// The requested security posture is not supported by this focus.
	ErrorCodeNotAcceptable = "not_acceptable"

	// The address is not on the invitation list of a closed conference.
	ErrorCodeNotAllowed = "not_allowed"

	// Generic allocation / transport failure, may be retried.
	ErrorCodeError = "error"

	// A local invariant was violated. This is never expected during normal
	// operation and indicates a synchronization bug.
	ErrorCodeFatal = "fatal"
)

type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func NewError(code string, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func NewErrorDetail(code string, message string, details any) *Error {
	rawDetails, err := json.Marshal(details)
	if err != nil {
		return NewError(ErrorCodeError, "Could not marshal error details")
	}

	return &Error{
		Code:    code,
		Message: message,
		Details: rawDetails,
	}
}

func (e *Error) Error() string {
	return e.Message
}

// Is makes errors.Is match on the code, so sentinel errors below can be
// compared against wrapped instances.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

var (
	ErrJoinTooEarly      = NewError(ErrorCodeForbidden, "The conference is not joinable yet.")
	ErrConferenceExpired = NewError(ErrorCodeGone, "The conference has expired.")
	ErrNotInvited        = NewError(ErrorCodeNotAllowed, "The address is not invited to this conference.")
	ErrNotAdmin          = NewError(ErrorCodeForbidden, "Only conference admins may perform this operation.")
	ErrEndToEndRequired  = NewError(ErrorCodeNotAcceptable, "This focus does not support end-to-end key distribution.")
	ErrSecurityTooLow    = NewError(ErrorCodeNotAcceptable, "The negotiated security level is below the conference level.")
	ErrDuplicateDevice   = NewError(ErrorCodeError, "The device already joined this conference.")
	ErrNoSuchConference  = NewError(ErrorCodeGone, "No such conference.")
	ErrNoSuchParticipant = NewError(ErrorCodeError, "No such participant in this conference.")
	ErrNoSuchDevice      = NewError(ErrorCodeError, "No such device in this conference.")
	ErrNotJoinable       = NewError(ErrorCodeError, "The conference is not in a joinable state.")
)

// SecurityLevel describes the media protection negotiated for a device or
// configured for a conference. Levels are ordered, a conference never
// silently accepts a device below its configured level.
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecurityPointToPoint
	SecurityEndToEnd
	SecurityEndToEndVerified
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityPointToPoint:
		return "point-to-point"
	case SecurityEndToEnd:
		return "end-to-end"
	case SecurityEndToEndVerified:
		return "end-to-end-verified"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

func (l SecurityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *SecurityLevel) UnmarshalText(data []byte) error {
	switch string(data) {
	case "none", "":
		*l = SecurityNone
	case "point-to-point":
		*l = SecurityPointToPoint
	case "end-to-end":
		*l = SecurityEndToEnd
	case "end-to-end-verified":
		*l = SecurityEndToEndVerified
	default:
		return fmt.Errorf("unsupported security level %q", string(data))
	}
	return nil
}

// IsEndToEnd reports whether the level requires per-device key distribution.
func (l SecurityLevel) IsEndToEnd() bool {
	return l >= SecurityEndToEnd
}

type ParticipantRole string

const (
	RoleUnset    ParticipantRole = ""
	RoleSpeaker  ParticipantRole = "speaker"
	RoleListener ParticipantRole = "listener"
)

func (r ParticipantRole) CheckValid() error {
	switch r {
	case RoleUnset, RoleSpeaker, RoleListener:
		return nil
	default:
		return fmt.Errorf("unsupported role %q", string(r))
	}
}

// MediaCapabilities is the set of stream types a conference (or device)
// supports.
type MediaCapabilities struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	Text  bool `json:"text"`
}

func (c MediaCapabilities) Any() bool {
	return c.Audio || c.Video || c.Text
}

// StreamAvailability tracks the per-stream state of one device. Each stream
// is independently present or absent.
type StreamAvailability struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	Text  bool `json:"text"`
}

type ConferenceState string

const (
	ConferenceStateInstantiated       ConferenceState = "instantiated"
	ConferenceStateCreationPending    ConferenceState = "creation-pending"
	ConferenceStateCreated            ConferenceState = "created"
	ConferenceStateCreationFailed     ConferenceState = "creation-failed"
	ConferenceStateTerminationPending ConferenceState = "termination-pending"
	ConferenceStateTerminated         ConferenceState = "terminated"
	ConferenceStateDeleted            ConferenceState = "deleted"
)

// DeviceInfo is the wire snapshot of one device as carried in NOTIFY
// payloads. A device is identified by (address, instance).
type DeviceInfo struct {
	Address     string             `json:"address"`
	Instance    string             `json:"instance"`
	DisplayName string             `json:"displayname,omitempty"`
	Streams     StreamAvailability `json:"streams"`
	Screen      bool               `json:"screen,omitempty"`
	OnHold      bool               `json:"onhold,omitempty"`
	Security    SecurityLevel      `json:"security"`
	Joined      time.Time          `json:"joined"`
}

type ParticipantInfo struct {
	Address  string          `json:"address"`
	Role     ParticipantRole `json:"role,omitempty"`
	Admin    bool            `json:"admin,omitempty"`
	Security SecurityLevel   `json:"security"`
	Devices  []DeviceInfo    `json:"devices"`
}

// ConferenceInfo is the full-state snapshot of a conference, sent on
// (re)subscription and whenever a client needs to be resynchronized.
type ConferenceInfo struct {
	Address      string            `json:"address"`
	Token        string            `json:"token"`
	Subject      string            `json:"subject,omitempty"`
	Description  string            `json:"description,omitempty"`
	State        ConferenceState   `json:"state"`
	Security     SecurityLevel     `json:"security"`
	Capabilities MediaCapabilities `json:"capabilities"`
	Version      uint64            `json:"version"`
	Participants []ParticipantInfo `json:"participants"`
	EktEpoch     uint32            `json:"ektepoch,omitempty"`
}

// ConferenceInvitation is the payload sent to each invited address when a
// conference is scheduled or rescheduled.
type ConferenceInvitation struct {
	Conference string          `json:"conference"`
	Organizer  string          `json:"organizer"`
	Subject    string          `json:"subject,omitempty"`
	Start      time.Time       `json:"start"`
	Duration   int64           `json:"duration"`
	Role       ParticipantRole `json:"role,omitempty"`
	Sequence   uint64          `json:"sequence"`
}

type EventType string

const (
	EventParticipantAdded        EventType = "participant-added"
	EventParticipantRemoved      EventType = "participant-removed"
	EventParticipantRoleChanged  EventType = "participant-role-changed"
	EventParticipantAdminChanged EventType = "participant-admin-changed"
	EventDeviceAdded             EventType = "device-added"
	EventDeviceRemoved           EventType = "device-removed"
	EventDeviceMediaChanged      EventType = "device-media-changed"
	EventDeviceHoldChanged       EventType = "device-hold-changed"
	EventScreenSharingEnabled    EventType = "screen-sharing-enabled"
	EventScreenSharingDisabled   EventType = "screen-sharing-disabled"
	EventStateChanged            EventType = "state-changed"
	EventSecurityLevelChanged    EventType = "security-level-changed"
	EventEktKeyChanged           EventType = "ekt-key-changed"
)

// ConferenceEvent is one incremental membership / state change. Events
// carry the conference version they produced, clients apply them strictly
// in version order.
type ConferenceEvent struct {
	Type EventType `json:"type"`

	// Filled for participant-* events.
	Participant *ParticipantInfo `json:"participant,omitempty"`

	// Filled for device-* and screen-sharing-* events.
	Device *DeviceInfo `json:"device,omitempty"`

	// Filled for state-changed.
	State ConferenceState `json:"state,omitempty"`

	// Filled for security-level-changed.
	Security *SecurityLevel `json:"security,omitempty"`

	// Filled for ekt-key-changed. Only the epoch is broadcast, wrapped key
	// material is fetched per device.
	EktEpoch uint32 `json:"ektepoch,omitempty"`
}

func (e *ConferenceEvent) CheckValid() error {
	switch e.Type {
	case "":
		return fmt.Errorf("event type missing")
	case EventParticipantAdded, EventParticipantRemoved,
		EventParticipantRoleChanged, EventParticipantAdminChanged:
		if e.Participant == nil {
			return fmt.Errorf("participant missing in %s event", e.Type)
		}
	case EventDeviceAdded, EventDeviceRemoved, EventDeviceMediaChanged,
		EventDeviceHoldChanged, EventScreenSharingEnabled, EventScreenSharingDisabled:
		if e.Device == nil {
			return fmt.Errorf("device missing in %s event", e.Type)
		}
	case EventStateChanged:
		if e.State == "" {
			return fmt.Errorf("state missing in %s event", e.Type)
		}
	case EventSecurityLevelChanged:
		if e.Security == nil {
			return fmt.Errorf("security level missing in %s event", e.Type)
		}
	case EventEktKeyChanged:
		// No additional check required.
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}

type NotifyType string

const (
	// NotifyTypeFull carries a complete ConferenceInfo snapshot that
	// atomically replaces the receiver's local view.
	NotifyTypeFull NotifyType = "full"

	// NotifyTypePartial carries a single incremental event.
	NotifyTypePartial NotifyType = "partial"
)

// NotifyMessage is one message of the event-notification protocol between
// the focus and a subscribed client.
type NotifyMessage struct {
	Type NotifyType `json:"type"`

	// The conference address this notification is for.
	Conference string `json:"conference"`

	// The opaque conference instance token.
	Token string `json:"token,omitempty"`

	// The conference version after this message was applied on the focus.
	Version uint64 `json:"version"`

	Full *ConferenceInfo `json:"full,omitempty"`

	Event *ConferenceEvent `json:"event,omitempty"`
}

func (m *NotifyMessage) CheckValid() error {
	if m.Conference == "" {
		return fmt.Errorf("conference missing")
	}
	switch m.Type {
	case NotifyTypeFull:
		if m.Full == nil {
			return fmt.Errorf("full state missing")
		}
	case NotifyTypePartial:
		if m.Event == nil {
			return fmt.Errorf("event missing")
		}
		if err := m.Event.CheckValid(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported notify type %q", m.Type)
	}
	return nil
}

func (m NotifyMessage) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Could not serialize %#v: %s", m, err)
	}
	return string(data)
}
