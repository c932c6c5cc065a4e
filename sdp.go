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

	"github.com/pion/sdp/v3"
)

// ParseStreamAvailability extracts the per-stream state from an SDP body.
// A media section with port 0 or a zeroed connection address counts as
// absent, matching how clients signal stream removal in renegotiations.
func ParseStreamAvailability(body []byte) (StreamAvailability, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return StreamAvailability{}, fmt.Errorf("could not parse session description: %w", err)
	}

	var result StreamAvailability
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		if isMediaInactive(m) {
			continue
		}

		switch m.MediaName.Media {
		case "audio":
			result.Audio = true
		case "video":
			result.Video = true
		case "message", "text", "application":
			result.Text = true
		}
	}
	return result, nil
}

func isMediaInactive(m *sdp.MediaDescription) bool {
	if _, ok := m.Attribute("inactive"); ok {
		return true
	}
	if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
		switch m.ConnectionInformation.Address.Address {
		case "0.0.0.0", "::":
			return true
		}
	}
	return false
}

// ParseSecurityLevel derives the security posture from an SDP body. Media
// sections carrying key management attributes count as protected, a
// verified level is never derived from SDP alone.
func ParseSecurityLevel(body []byte) (SecurityLevel, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return SecurityNone, fmt.Errorf("could not parse session description: %w", err)
	}

	level := SecurityNone
	allProtected := len(desc.MediaDescriptions) > 0
	anyEkt := false
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}

		protected := false
		for _, a := range m.Attributes {
			switch a.Key {
			case "crypto", "fingerprint", "key-mgmt":
				protected = true
			case "ekt":
				anyEkt = true
			}
		}
		if !protected {
			allProtected = false
		}
	}

	if allProtected {
		level = SecurityPointToPoint
		if anyEkt {
			level = SecurityEndToEnd
		}
	}
	return level, nil
}

// FilterStreams restricts requested streams to the conference capabilities.
func FilterStreams(requested StreamAvailability, capabilities MediaCapabilities) StreamAvailability {
	return StreamAvailability{
		Audio: requested.Audio && capabilities.Audio,
		Video: requested.Video && capabilities.Video,
		Text:  requested.Text && capabilities.Text,
	}
}
