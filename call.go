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
	"sync"
	"time"

	"github.com/looplab/fsm"
)

type CallState string

const (
	CallStateOutgoingInit     CallState = "outgoing-init"
	CallStateOutgoingProgress CallState = "outgoing-progress"
	CallStateOutgoingRinging  CallState = "outgoing-ringing"
	CallStateConnected        CallState = "connected"
	CallStateStreamsRunning   CallState = "streams-running"
	CallStateUpdating         CallState = "updating"
	CallStatePaused           CallState = "paused"
	CallStateResuming         CallState = "resuming"
	CallStateEnd              CallState = "end"
	CallStateReleased         CallState = "released"
	CallStateError            CallState = "error"
)

type CallEndReason string

const (
	CallEndReasonNone CallEndReason = ""

	// The remote side or the application ended the call.
	CallEndReasonNormal CallEndReason = "normal"

	// A transport or protocol failure ended the call.
	CallEndReasonError CallEndReason = "error"

	// The no-media watchdog fired, no media was received for the configured
	// timeout. Surfaced as a regular call-ended event, not as an error.
	CallEndReasonMediaTimeout CallEndReason = "media-timeout"
)

// CallListener receives the call-level events the conference layer acts
// on. The listener is invoked without internal locks held.
type CallListener interface {
	// OnCallStateChanged is invoked on every state transition.
	OnCallStateChanged(call *CallSession, oldState CallState, newState CallState)

	// OnCallConnected is invoked once the call reached a stable state with
	// known media capabilities, making it a candidate for conference
	// membership.
	OnCallConnected(call *CallSession)

	// OnCallEnded is invoked once with the distinguishing end reason.
	OnCallEnded(call *CallSession, reason CallEndReason)
}

// renegotiation is one queued re-INVITE-equivalent. At most one is pending
// per call; a newer request replaces an older pending one, the call never
// rejects renegotiations because of glare.
type renegotiation struct {
	streams StreamAvailability
}

// CallSession is the signaling state of one call leg, independent of
// conferencing. Conferences are built on top of one or more connected
// calls.
type CallSession struct {
	logger Logger

	id     string
	remote string

	mu sync.Mutex
	sm *fsm.FSM

	streams  StreamAvailability
	security SecurityLevel

	pending   *renegotiation
	endReason CallEndReason

	watchdog        *time.Timer
	watchdogTimeout time.Duration

	listener              CallListener
	deferredNotifications notificationList
}

func NewCallSession(logger Logger, id string, remote string) *CallSession {
	c := &CallSession{
		logger: logger,
		id:     id,
		remote: remote,
	}

	c.sm = fsm.NewFSM(
		string(CallStateOutgoingInit),
		fsm.Events{
			{Name: "progress", Src: []string{string(CallStateOutgoingInit)}, Dst: string(CallStateOutgoingProgress)},
			{Name: "ringing", Src: []string{string(CallStateOutgoingInit), string(CallStateOutgoingProgress)}, Dst: string(CallStateOutgoingRinging)},
			{Name: "connect", Src: []string{string(CallStateOutgoingInit), string(CallStateOutgoingProgress), string(CallStateOutgoingRinging)}, Dst: string(CallStateConnected)},
			{Name: "media", Src: []string{string(CallStateConnected), string(CallStateUpdating), string(CallStateResuming)}, Dst: string(CallStateStreamsRunning)},
			{Name: "update", Src: []string{string(CallStateStreamsRunning)}, Dst: string(CallStateUpdating)},
			{Name: "pause", Src: []string{string(CallStateStreamsRunning)}, Dst: string(CallStatePaused)},
			{Name: "resume", Src: []string{string(CallStatePaused)}, Dst: string(CallStateResuming)},
			{
				Name: "end",
				Src: []string{
					string(CallStateOutgoingInit), string(CallStateOutgoingProgress), string(CallStateOutgoingRinging),
					string(CallStateConnected), string(CallStateStreamsRunning), string(CallStateUpdating),
					string(CallStatePaused), string(CallStateResuming),
				},
				Dst: string(CallStateEnd),
			},
			{Name: "release", Src: []string{string(CallStateEnd)}, Dst: string(CallStateReleased)},
			{
				Name: "error",
				Src: []string{
					string(CallStateOutgoingInit), string(CallStateOutgoingProgress), string(CallStateOutgoingRinging),
					string(CallStateConnected), string(CallStateStreamsRunning), string(CallStateUpdating),
					string(CallStatePaused), string(CallStateResuming), string(CallStateEnd),
				},
				Dst: string(CallStateError),
			},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.notifyStateChanged(CallState(e.Src), CallState(e.Dst))
			},
		},
	)
	return c
}

func (c *CallSession) Id() string {
	return c.id
}

func (c *CallSession) Remote() string {
	return c.remote
}

func (c *CallSession) SetListener(listener CallListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = listener
}

func (c *CallSession) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallState(c.sm.Current())
}

func (c *CallSession) Streams() StreamAvailability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

func (c *CallSession) Security() SecurityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.security
}

func (c *CallSession) EndReason() CallEndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// notifyStateChanged runs inside fsm.Event calls with the lock held. The
// callback is queued and run by the triggering method after it released
// the lock, so listener code stays lock-free.
func (c *CallSession) notifyStateChanged(oldState CallState, newState CallState) {
	listener := c.listener
	if listener == nil {
		return
	}
	c.deferredNotifications = append(c.deferredNotifications, func() {
		listener.OnCallStateChanged(c, oldState, newState)
	})
}

func (c *CallSession) takeNotificationsLocked() notificationList {
	notifications := c.deferredNotifications
	c.deferredNotifications = nil
	return notifications
}

// Progress and Ringing track provisional responses of the outgoing leg.
func (c *CallSession) Progress() error {
	return c.fire("progress")
}

func (c *CallSession) Ringing() error {
	return c.fire("ringing")
}

// Connected marks the call as answered with the given negotiated streams
// and measured security level. The conference layer is told through
// OnCallConnected that this leg is now a membership candidate.
func (c *CallSession) Connected(streams StreamAvailability, security SecurityLevel) error {
	c.mu.Lock()
	c.streams = streams
	c.security = security
	if err := c.sm.Event(context.Background(), "connect"); err != nil {
		c.mu.Unlock()
		return err
	}
	listener := c.listener
	notifications := c.takeNotificationsLocked()
	c.mu.Unlock()

	runAll(notifications)
	if listener != nil {
		listener.OnCallConnected(c)
	}
	return nil
}

// MediaRunning marks a successful (re)negotiation, the call re-enters
// streams-running and any queued renegotiation is replayed.
func (c *CallSession) MediaRunning() error {
	c.mu.Lock()
	if err := c.sm.Event(context.Background(), "media"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.startWatchdogLocked()

	var replay *renegotiation
	if c.pending != nil {
		replay = c.pending
		c.pending = nil
	}
	notifications := c.takeNotificationsLocked()
	c.mu.Unlock()

	runAll(notifications)
	if replay != nil {
		// Replay the renegotiation that was deferred because of glare.
		return c.Renegotiate(replay.streams)
	}
	return nil
}

// Renegotiate requests a stream change. If another renegotiation is in
// flight the request is queued and replayed when the in-flight one
// completes, instead of failing with glare. Only the latest queued request
// is kept.
func (c *CallSession) Renegotiate(streams StreamAvailability) error {
	c.mu.Lock()
	state := CallState(c.sm.Current())
	switch state {
	case CallStateUpdating, CallStateResuming:
		c.pending = &renegotiation{streams: streams}
		c.mu.Unlock()
		return nil
	case CallStateStreamsRunning:
	default:
		c.mu.Unlock()
		return NewError(ErrorCodeError, "The call cannot be renegotiated in state "+string(state))
	}

	if err := c.sm.Event(context.Background(), "update"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.streams = streams
	notifications := c.takeNotificationsLocked()
	c.mu.Unlock()

	runAll(notifications)
	return nil
}

// HasPendingRenegotiation reports whether a request is queued behind an
// in-flight renegotiation.
func (c *CallSession) HasPendingRenegotiation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *CallSession) Pause() error {
	return c.fire("pause")
}

func (c *CallSession) Resume() error {
	return c.fire("resume")
}

// End terminates the call with the passed reason. A queued renegotiation
// is discarded, the watchdog stopped and the listener informed exactly
// once.
func (c *CallSession) End(reason CallEndReason) error {
	c.mu.Lock()
	if current := CallState(c.sm.Current()); current == CallStateEnd || current == CallStateReleased || current == CallStateError {
		c.mu.Unlock()
		return nil
	}
	if err := c.sm.Event(context.Background(), "end"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.endReason = reason
	c.pending = nil
	c.stopWatchdogLocked()
	listener := c.listener
	notifications := c.takeNotificationsLocked()
	c.mu.Unlock()

	runAll(notifications)
	if listener != nil {
		listener.OnCallEnded(c, reason)
	}
	return nil
}

// Released marks the underlying dialog as fully torn down.
func (c *CallSession) Released() error {
	return c.fire("release")
}

func (c *CallSession) fire(event string) error {
	c.mu.Lock()
	if err := c.sm.Event(context.Background(), event); err != nil {
		c.mu.Unlock()
		return err
	}
	notifications := c.takeNotificationsLocked()
	c.mu.Unlock()

	runAll(notifications)
	return nil
}

// SetMediaWatchdog arms the no-media watchdog. The watchdog is the only
// component that may terminate a call without an explicit request, and it
// only fires after the timeout passed with zero received media.
func (c *CallSession) SetMediaWatchdog(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdogTimeout = timeout
	if CallState(c.sm.Current()) == CallStateStreamsRunning {
		c.startWatchdogLocked()
	}
}

// MediaReceived resets the watchdog, some media arrived on this leg.
func (c *CallSession) MediaReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startWatchdogLocked()
}

func (c *CallSession) startWatchdogLocked() {
	c.stopWatchdogLocked()
	if c.watchdogTimeout <= 0 {
		return
	}
	c.watchdog = time.AfterFunc(c.watchdogTimeout, func() {
		if err := c.End(CallEndReasonMediaTimeout); err != nil {
			c.logger.Printf("Could not end call %s after media timeout: %s", c.id, err)
		}
	})
}

func (c *CallSession) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// deferredNotifications collects listener callbacks generated while the
// lock is held.
type notificationList []func()

func runAll(notifications notificationList) {
	for _, f := range notifications {
		f()
	}
}
