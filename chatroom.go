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
	"sort"
	"sync"
	"time"
)

var (
	ErrChatReadOnly       = NewError(ErrorCodeForbidden, "The chat room is read-only.")
	ErrChatNotParticipant = NewError(ErrorCodeNotAllowed, "The address is not a chat room participant.")
)

type ChatMessage struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRoom is the text conversation bound to a conference. Participants
// are keyed by address only, device granularity does not apply to text.
// The room becomes read-only once the conference terminated, the history
// stays queryable until the conference record is purged.
type ChatRoom struct {
	mu sync.Mutex

	conference string

	participants map[string]bool
	messages     []ChatMessage
	readOnly     bool
}

func NewChatRoom(conference string) *ChatRoom {
	return &ChatRoom{
		conference:   conference,
		participants: make(map[string]bool),
	}
}

func (r *ChatRoom) Conference() string {
	return r.conference
}

func (r *ChatRoom) addParticipant(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[address] = true
}

func (r *ChatRoom) removeParticipant(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, address)
}

func (r *ChatRoom) HasParticipant(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participants[address]
}

func (r *ChatRoom) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]string, 0, len(r.participants))
	for address := range r.participants {
		result = append(result, address)
	}
	sort.Strings(result)
	return result
}

func (r *ChatRoom) Post(from string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.readOnly {
		return ErrChatReadOnly
	}
	if !r.participants[from] {
		return ErrChatNotParticipant
	}

	r.messages = append(r.messages, ChatMessage{
		From:      from,
		Text:      text,
		Timestamp: time.Now(),
	})
	return nil
}

func (r *ChatRoom) History() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]ChatMessage, len(r.messages))
	copy(result, r.messages)
	return result
}

func (r *ChatRoom) IsReadOnly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readOnly
}

func (r *ChatRoom) setReadOnly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readOnly = true
}

// purge drops the message history when the conference record is deleted.
func (r *ChatRoom) purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.participants = make(map[string]bool)
	r.readOnly = true
}
