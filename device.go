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
	"time"
)

// Device represents one SIP endpoint instance of a participant. Devices are
// owned exclusively by their participant; all mutation happens under the
// conference lock. The call leg it was promoted from is referenced by id
// only, never by pointer.
type Device struct {
	address     string
	instance    string
	displayName string

	streams  StreamAvailability
	screen   bool
	onHold   bool
	security SecurityLevel
	joined   time.Time

	callId string
}

func NewDevice(address string, instance string, displayName string) *Device {
	return &Device{
		address:     address,
		instance:    instance,
		displayName: displayName,
	}
}

func (d *Device) Address() string {
	return d.address
}

func (d *Device) Instance() string {
	return d.instance
}

func (d *Device) DisplayName() string {
	return d.displayName
}

func (d *Device) Streams() StreamAvailability {
	return d.streams
}

func (d *Device) SetStreams(streams StreamAvailability) {
	d.streams = streams
}

func (d *Device) Screen() bool {
	return d.screen
}

func (d *Device) OnHold() bool {
	return d.onHold
}

func (d *Device) Security() SecurityLevel {
	return d.security
}

func (d *Device) SetSecurity(level SecurityLevel) {
	d.security = level
}

func (d *Device) CallId() string {
	return d.callId
}

func (d *Device) SetCallId(id string) {
	d.callId = id
}

func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		Address:     d.address,
		Instance:    d.instance,
		DisplayName: d.displayName,
		Streams:     d.streams,
		Screen:      d.screen,
		OnHold:      d.onHold,
		Security:    d.security,
		Joined:      d.joined,
	}
}
