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

// Participant groups the devices of one SIP address inside a conference.
// Devices are kept in join order, the order is used for tie-breaks in
// exclusivity checks. Participants with zero devices are pruned by the
// conference, invited-but-not-yet-joined addresses are tracked separately
// on the descriptor.
type Participant struct {
	address string
	role    ParticipantRole
	admin   bool

	devices []*Device
}

func NewParticipant(address string) *Participant {
	return &Participant{
		address: address,
	}
}

func (p *Participant) Address() string {
	return p.address
}

func (p *Participant) Role() ParticipantRole {
	return p.role
}

func (p *Participant) IsAdmin() bool {
	return p.admin
}

func (p *Participant) Devices() []*Device {
	return p.devices
}

func (p *Participant) GetDevice(instance string) *Device {
	for _, d := range p.devices {
		if d.Instance() == instance {
			return d
		}
	}
	return nil
}

func (p *Participant) addDevice(device *Device) {
	p.devices = append(p.devices, device)
}

func (p *Participant) removeDevice(instance string) *Device {
	for i, d := range p.devices {
		if d.Instance() == instance {
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			return d
		}
	}
	return nil
}

// Security returns the aggregate security level, the minimum across all
// devices. A participant without devices reports SecurityNone.
func (p *Participant) Security() SecurityLevel {
	if len(p.devices) == 0 {
		return SecurityNone
	}

	level := SecurityEndToEndVerified
	for _, d := range p.devices {
		if s := d.Security(); s < level {
			level = s
		}
	}
	return level
}

func (p *Participant) Info() ParticipantInfo {
	devices := make([]DeviceInfo, 0, len(p.devices))
	for _, d := range p.devices {
		devices = append(devices, d.Info())
	}
	return ParticipantInfo{
		Address:  p.address,
		Role:     p.role,
		Admin:    p.admin,
		Security: p.Security(),
		Devices:  devices,
	}
}
