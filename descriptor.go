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
	"fmt"
	"time"
)

type CreationState string

const (
	CreationStateNew       CreationState = "new"
	CreationStateUpdated   CreationState = "updated"
	CreationStateCancelled CreationState = "cancelled"
)

// UnboundedWindow disables the corresponding side of the joinable window.
const UnboundedWindow = int64(-1)

type JoinWindowResult int

const (
	JoinWindowJoinable JoinWindowResult = iota
	JoinWindowTooEarly
	JoinWindowExpired
)

func (r JoinWindowResult) String() string {
	switch r {
	case JoinWindowJoinable:
		return "joinable"
	case JoinWindowTooEarly:
		return "too-early"
	case JoinWindowExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// DescriptorEntry is one invited participant. The sequence number increases
// monotonically with every descriptor revision that touches the entry, so
// clients can detect stale cached copies.
type DescriptorEntry struct {
	Address  string          `json:"address"`
	Role     ParticipantRole `json:"role,omitempty"`
	Sequence uint64          `json:"sequence"`
}

// ConferenceDescriptor is the persisted scheduling record of a conference.
// It is created by the scheduler before any call exists, survives focus
// restarts and outlives the live conference until cleanup purges it.
type ConferenceDescriptor struct {
	Address   string `json:"address"`
	Token     string `json:"token,omitempty"`
	Organizer string `json:"organizer"`

	Entries []DescriptorEntry `json:"participants,omitempty"`

	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`

	Start    time.Time `json:"start"`
	Duration int64     `json:"duration"` // seconds

	// AvailabilityBefore is the number of seconds before Start during which
	// early joins are allowed, -1 for unbounded.
	AvailabilityBefore int64 `json:"availability_before"`

	// ExpiryAfter is the number of seconds after End during which late joins
	// are allowed, -1 for unbounded, 0 for no grace.
	ExpiryAfter int64 `json:"expiry_after"`

	// EffectiveExpiry is the dynamically extended expiry, recomputed on
	// every successful join so the conference does not expire out from
	// under devices that joined legitimately near the boundary.
	EffectiveExpiry time.Time `json:"effective_expiry,omitzero"`

	Security     SecurityLevel     `json:"security"`
	Capabilities MediaCapabilities `json:"capabilities"`

	// Open conferences accept any address, closed ones only invited ones.
	Open bool `json:"open"`

	CreationState CreationState `json:"creation_state"`

	// TerminatedAt is set once the live conference terminated, it gates
	// cleanup.
	TerminatedAt time.Time `json:"terminated_at,omitzero"`

	Revision uint64 `json:"revision"`
}

func (d *ConferenceDescriptor) End() time.Time {
	return d.Start.Add(time.Duration(d.Duration) * time.Second)
}

func (d *ConferenceDescriptor) CheckValid() error {
	if d.Address == "" {
		return fmt.Errorf("address missing")
	}
	if d.Organizer == "" {
		return fmt.Errorf("organizer missing")
	}
	if d.Duration < 0 {
		return fmt.Errorf("negative duration")
	}
	if d.AvailabilityBefore < UnboundedWindow {
		return fmt.Errorf("invalid availability window %d", d.AvailabilityBefore)
	}
	if d.ExpiryAfter < UnboundedWindow {
		return fmt.Errorf("invalid expiry window %d", d.ExpiryAfter)
	}
	if !d.Capabilities.Any() {
		return fmt.Errorf("no stream types enabled")
	}
	switch d.CreationState {
	case CreationStateNew, CreationStateUpdated, CreationStateCancelled:
	default:
		return fmt.Errorf("unsupported creation state %q", d.CreationState)
	}
	for _, entry := range d.Entries {
		if entry.Address == "" {
			return fmt.Errorf("participant entry without address")
		}
		if err := entry.Role.CheckValid(); err != nil {
			return err
		}
	}
	return nil
}

// EarliestJoin returns the first joinable instant. The second return value
// is false if early joins are unbounded.
func (d *ConferenceDescriptor) EarliestJoin() (time.Time, bool) {
	if d.AvailabilityBefore == UnboundedWindow {
		return time.Time{}, false
	}
	return d.Start.Add(-time.Duration(d.AvailabilityBefore) * time.Second), true
}

// LatestJoin returns the last joinable instant, including any dynamic
// extension. The second return value is false if expiry is unbounded.
func (d *ConferenceDescriptor) LatestJoin() (time.Time, bool) {
	if d.ExpiryAfter == UnboundedWindow {
		return time.Time{}, false
	}
	latest := d.End().Add(time.Duration(d.ExpiryAfter) * time.Second)
	if d.EffectiveExpiry.After(latest) {
		latest = d.EffectiveExpiry
	}
	return latest, true
}

// EvaluateTimeWindow classifies a join attempt at the given time. Both
// boundaries are inclusive.
func (d *ConferenceDescriptor) EvaluateTimeWindow(now time.Time) JoinWindowResult {
	if earliest, bounded := d.EarliestJoin(); bounded && now.Before(earliest) {
		return JoinWindowTooEarly
	}
	if latest, bounded := d.LatestJoin(); bounded && now.After(latest) {
		return JoinWindowExpired
	}
	return JoinWindowJoinable
}

// ExtendExpiry recomputes the effective expiry after a successful join at
// the passed time. It returns true if the window grew.
func (d *ConferenceDescriptor) ExtendExpiry(joinTime time.Time) bool {
	if d.ExpiryAfter == UnboundedWindow {
		return false
	}

	extended := joinTime.Add(time.Duration(d.ExpiryAfter) * time.Second)
	if latest, _ := d.LatestJoin(); extended.After(latest) {
		d.EffectiveExpiry = extended
		return true
	}
	return false
}

// IsInvited reports whether the address may join a closed conference.
func (d *ConferenceDescriptor) IsInvited(address string) bool {
	for _, entry := range d.Entries {
		if entry.Address == address {
			return true
		}
	}
	return false
}

func (d *ConferenceDescriptor) GetEntry(address string) *DescriptorEntry {
	for i := range d.Entries {
		if d.Entries[i].Address == address {
			return &d.Entries[i]
		}
	}
	return nil
}

// SetEntries replaces the invitation list, bumping the revision and the
// sequence numbers of all entries that changed.
func (d *ConferenceDescriptor) SetEntries(entries []DescriptorEntry) {
	d.Revision++
	updated := make([]DescriptorEntry, 0, len(entries))
	for _, entry := range entries {
		if existing := d.GetEntry(entry.Address); existing != nil && existing.Role == entry.Role {
			updated = append(updated, *existing)
			continue
		}
		entry.Sequence = d.Revision
		updated = append(updated, entry)
	}
	d.Entries = updated
	if d.CreationState == CreationStateNew {
		// Keep "new" until the first allocation happened.
		return
	}
	d.CreationState = CreationStateUpdated
}

func (d *ConferenceDescriptor) Clone() *ConferenceDescriptor {
	clone := *d
	clone.Entries = make([]DescriptorEntry, len(d.Entries))
	copy(clone.Entries, d.Entries)
	return &clone
}
