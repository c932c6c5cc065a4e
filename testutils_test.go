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
	"testing"
	"time"
)

type testLoggerImpl struct {
	t *testing.T
}

func (l *testLoggerImpl) Printf(format string, v ...any) {
	l.t.Helper()
	l.t.Logf(format, v...)
}

func (l *testLoggerImpl) Println(v ...any) {
	l.t.Helper()
	l.t.Log(v...)
}

func testLogger(t *testing.T) Logger {
	return &testLoggerImpl{t: t}
}

var testEktSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestDescriptor(address string) *ConferenceDescriptor {
	return &ConferenceDescriptor{
		Address:   address,
		Token:     "token-" + address,
		Organizer: "organizer@example.org",
		Entries: []DescriptorEntry{
			{Address: "organizer@example.org", Role: RoleSpeaker},
			{Address: "alice@example.org", Role: RoleSpeaker},
			{Address: "bob@example.org", Role: RoleListener},
		},
		Subject:            "Weekly sync",
		Start:              time.Now().Add(-time.Minute),
		Duration:           3600,
		AvailabilityBefore: 300,
		ExpiryAfter:        300,
		Security:           SecurityPointToPoint,
		Capabilities: MediaCapabilities{
			Audio: true,
			Video: true,
			Text:  true,
		},
		CreationState: CreationStateNew,
	}
}

func newTestConference(t *testing.T, descriptor *ConferenceDescriptor) *Conference {
	t.Helper()
	conf, err := NewConference(testLogger(t), descriptor, testEktSecret)
	if err != nil {
		t.Fatalf("could not create conference: %s", err)
	}
	t.Cleanup(conf.Close)
	if err := conf.Allocating(); err != nil {
		t.Fatalf("could not start allocation: %s", err)
	}
	return conf
}

func newConnectedCall(t *testing.T, remote string, streams StreamAvailability, security SecurityLevel) *CallSession {
	t.Helper()
	call := NewCallSession(testLogger(t), "call-"+remote, remote)
	if err := call.Connected(streams, security); err != nil {
		t.Fatalf("could not connect call: %s", err)
	}
	return call
}

// collectEvents installs a sink that records all emitted notifications.
func collectEvents(conf *Conference) *eventRecorder {
	r := &eventRecorder{
		messages: make(chan *NotifyMessage, 128),
	}
	conf.SetNotifySink(r.record)
	return r
}

type eventRecorder struct {
	messages chan *NotifyMessage
}

func (r *eventRecorder) record(message *NotifyMessage) {
	r.messages <- message
}

// next returns the next recorded message, failing the test on timeout.
func (r *eventRecorder) next(t *testing.T) *NotifyMessage {
	t.Helper()
	select {
	case message := <-r.messages:
		return message
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

// nextEvent skips to the next partial message of the passed type.
func (r *eventRecorder) nextEvent(t *testing.T, eventType EventType) *ConferenceEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case message := <-r.messages:
			if message.Type == NotifyTypePartial && message.Event.Type == eventType {
				return message.Event
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", eventType)
			return nil
		}
	}
}

func (r *eventRecorder) drain() {
	for {
		select {
		case <-r.messages:
		default:
			return
		}
	}
}
