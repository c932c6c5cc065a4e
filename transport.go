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
	"errors"
)

// Transport is the signaling surface of the focus. The production binary
// uses the SIP implementation, tests drive the focus directly.
type Transport interface {
	// Run serves signaling until the context is cancelled.
	Run(ctx context.Context) error

	Close() error
}

// InvitationSender delivers scheduling invitations to invited addresses.
// The SIP transport implements it with MESSAGE requests.
type InvitationSender interface {
	SendInvitation(ctx context.Context, descriptor *ConferenceDescriptor, entry DescriptorEntry) error
}

// Status codes of the signaling surface, decoupled from any particular
// transport so error mapping stays testable.
const (
	statusOK                = 200
	statusForbidden         = 403
	statusNotFound          = 404
	statusGone              = 410
	statusTemporarilyUnavailable = 480
	statusNotAcceptableHere = 488
	statusInternalError     = 500
	statusDecline           = 603
)

// statusFromError maps the stable error codes to transport status codes.
// Unknown errors map to an internal error, local invariant violations are
// never surfaced as client mistakes.
func statusFromError(err error) (int, string) {
	var cerr *Error
	if !errors.As(err, &cerr) {
		return statusInternalError, "Server Internal Error"
	}

	switch cerr.Code {
	case ErrorCodeForbidden:
		return statusForbidden, "Forbidden"
	case ErrorCodeGone:
		return statusGone, "Gone"
	case ErrorCodeNotAcceptable:
		return statusNotAcceptableHere, "Not Acceptable Here"
	case ErrorCodeNotAllowed:
		return statusDecline, "Decline"
	case ErrorCodeError:
		return statusTemporarilyUnavailable, "Temporarily Unavailable"
	default:
		return statusInternalError, "Server Internal Error"
	}
}
