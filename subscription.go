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
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Queued notifications per subscription before the subscriber is
	// considered slow and resynchronized with a full state.
	subscriptionQueueLength = 16

	DefaultSubscriptionExpiry = 5 * time.Minute
)

func init() {
	RegisterSubscriptionStats()
}

// DeliverFunc sends one notification to the subscribed client. A returned
// error terminates the subscription.
type DeliverFunc func(message *NotifyMessage) error

// Subscription is one client's notification channel for one conference.
// Deliveries are strictly ordered. A subscriber that cannot keep up does
// not stall the conference, it is resynchronized with a fresh full state
// instead.
type Subscription struct {
	logger Logger

	id         string
	conference string
	deliver    DeliverFunc
	fullState  func() *NotifyMessage
	onClosed   func(s *Subscription)

	queue  chan *NotifyMessage
	wake   chan struct{}
	closer *Closer

	mu          sync.Mutex
	needFull    bool
	lastVersion uint64
	expiryTimer *time.Timer
}

func (s *Subscription) Id() string {
	return s.id
}

func (s *Subscription) Conference() string {
	return s.conference
}

// enqueue queues one message for delivery. On overflow the backlog is
// abandoned and the subscriber flagged for a full-state resync.
func (s *Subscription) enqueue(message *NotifyMessage) {
	select {
	case s.queue <- message:
	default:
		s.logger.Printf("Subscriber %s too slow for conference %s, scheduling resync", s.id, s.conference)
		statsResyncsTotal.Inc()
		s.mu.Lock()
		s.needFull = true
		s.mu.Unlock()
	}
	s.wakeup()
}

func (s *Subscription) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.closer.C:
			return
		case <-s.wake:
		}

		if !s.flush() {
			return
		}
	}
}

// flush delivers the pending full state (if any) followed by all queued
// messages. Messages at or below the last delivered version are skipped,
// the receiver already saw their effect.
func (s *Subscription) flush() bool {
	s.mu.Lock()
	needFull := s.needFull
	s.needFull = false
	s.mu.Unlock()

	if needFull {
		// Drop the stale backlog, the snapshot covers it.
		for len(s.queue) > 0 {
			<-s.queue
		}
		if !s.send(s.fullState()) {
			return false
		}
	}

	for {
		select {
		case message := <-s.queue:
			if message.Version <= s.lastVersion {
				continue
			}
			if !s.send(message) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *Subscription) send(message *NotifyMessage) bool {
	if err := s.deliver(message); err != nil {
		s.logger.Printf("Could not deliver notification to %s: %s", s.id, err)
		s.Close()
		return false
	}
	s.lastVersion = message.Version
	return true
}

// Refresh extends the subscription lifetime, mirroring a SUBSCRIBE refresh.
func (s *Subscription) Refresh(expiry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiryTimer != nil {
		s.expiryTimer.Reset(expiry)
	}
}

// Resync schedules an unsolicited full state, used when a client reports a
// version gap it cannot close locally.
func (s *Subscription) Resync() {
	statsResyncsTotal.Inc()
	s.mu.Lock()
	s.needFull = true
	s.mu.Unlock()
	s.wakeup()
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	s.mu.Unlock()

	if s.closer.IsClosed() {
		return
	}
	s.closer.Close()
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// subscriptionFanout distributes one conference's notification stream to
// its local subscriptions.
type subscriptionFanout struct {
	mu            sync.Mutex
	subscriptions map[*Subscription]bool
}

func (f *subscriptionFanout) ProcessConferenceMessage(message *NotifyMessage) {
	f.mu.Lock()
	subscriptions := make([]*Subscription, 0, len(f.subscriptions))
	for s := range f.subscriptions {
		subscriptions = append(subscriptions, s)
	}
	f.mu.Unlock()

	for _, s := range subscriptions {
		s.enqueue(message)
	}
}

// SubscriptionManager tracks all notification subscriptions of this focus
// and connects them to the event bus.
type SubscriptionManager struct {
	logger Logger
	events AsyncEvents

	mu      sync.Mutex
	fanouts map[string]*subscriptionFanout
	byId    map[string]*Subscription
}

func NewSubscriptionManager(logger Logger, events AsyncEvents) *SubscriptionManager {
	return &SubscriptionManager{
		logger:  logger,
		events:  events,
		fanouts: make(map[string]*subscriptionFanout),
		byId:    make(map[string]*Subscription),
	}
}

// Subscribe creates a subscription for the passed conference. The first
// delivered message is always a full state snapshot taken after the
// subscription started receiving the live stream, so the snapshot plus the
// following deltas form a gapless view.
func (m *SubscriptionManager) Subscribe(conf *Conference, deliver DeliverFunc, expiry time.Duration) (*Subscription, error) {
	if expiry <= 0 {
		expiry = DefaultSubscriptionExpiry
	}

	address := conf.Address()
	s := &Subscription{
		logger:     m.logger,
		id:         uuid.NewString(),
		conference: address,
		deliver:    deliver,
		fullState:  conf.FullStateMessage,
		onClosed:   m.onSubscriptionClosed,

		queue:  make(chan *NotifyMessage, subscriptionQueueLength),
		wake:   make(chan struct{}, 1),
		closer: NewCloser(),

		needFull: true,
	}

	m.mu.Lock()
	fanout, found := m.fanouts[address]
	if !found {
		fanout = &subscriptionFanout{
			subscriptions: make(map[*Subscription]bool),
		}
		if err := m.events.RegisterConferenceListener(address, fanout); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.fanouts[address] = fanout
	}
	fanout.mu.Lock()
	fanout.subscriptions[s] = true
	fanout.mu.Unlock()
	m.byId[s.id] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.expiryTimer = time.AfterFunc(expiry, func() {
		m.logger.Printf("Subscription %s for conference %s expired", s.id, address)
		s.Close()
	})
	s.mu.Unlock()

	statsSubscriptionsCurrent.Inc()
	go s.run()
	s.wakeup()
	return s, nil
}

func (m *SubscriptionManager) GetSubscription(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byId[id]
}

func (m *SubscriptionManager) onSubscriptionClosed(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byId, s.id)
	fanout, found := m.fanouts[s.conference]
	if !found {
		return
	}

	fanout.mu.Lock()
	delete(fanout.subscriptions, s)
	empty := len(fanout.subscriptions) == 0
	fanout.mu.Unlock()

	if empty {
		delete(m.fanouts, s.conference)
		m.events.UnregisterConferenceListener(s.conference, fanout)
	}
	statsSubscriptionsCurrent.Dec()
}

func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	subscriptions := make([]*Subscription, 0, len(m.byId))
	for _, s := range m.byId {
		subscriptions = append(subscriptions, s)
	}
	m.mu.Unlock()

	for _, s := range subscriptions {
		s.Close()
	}
}
