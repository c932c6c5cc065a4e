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
)

// AsyncConferenceEventListener receives notify messages fanned out through
// the event bus. Listeners must not block, slow listeners are handled by
// the subscription layer through full-state resynchronization.
type AsyncConferenceEventListener interface {
	ProcessConferenceMessage(message *NotifyMessage)
}

// AsyncEvents distributes conference notifications between focus instances.
// A single-node deployment uses the NATS loopback client, clustered
// deployments share a NATS server.
type AsyncEvents interface {
	Close()

	RegisterConferenceListener(conference string, listener AsyncConferenceEventListener) error
	UnregisterConferenceListener(conference string, listener AsyncConferenceEventListener)

	PublishConferenceMessage(conference string, message *NotifyMessage) error
}

func NewAsyncEvents(logger Logger, client NatsClient) (AsyncEvents, error) {
	events := &asyncEventsNats{
		logger:      logger,
		client:      client,
		subscribers: make(map[string]*asyncConferenceSubscriber),
	}
	return events, nil
}

func GetSubjectForConference(conference string) string {
	return GetEncodedSubject("conference", conference)
}

type asyncConferenceSubscriber struct {
	logger Logger

	receiver     chan *NatsMsg
	closeChan    chan struct{}
	subscription NatsSubscription

	mu        sync.Mutex
	listeners map[AsyncConferenceEventListener]bool
}

func newAsyncConferenceSubscriber(logger Logger, subject string, client NatsClient) (*asyncConferenceSubscriber, error) {
	receiver := make(chan *NatsMsg, 64)
	subscription, err := client.Subscribe(subject, receiver)
	if err != nil {
		return nil, err
	}

	s := &asyncConferenceSubscriber{
		logger:       logger,
		receiver:     receiver,
		closeChan:    make(chan struct{}),
		subscription: subscription,
		listeners:    make(map[AsyncConferenceEventListener]bool),
	}
	go s.run()
	return s, nil
}

func (s *asyncConferenceSubscriber) run() {
	defer func() {
		if err := s.subscription.Unsubscribe(); err != nil {
			s.logger.Printf("Error unsubscribing: %s", err)
		}
	}()

	for {
		select {
		case msg := <-s.receiver:
			s.processMessage(msg)
			for count := len(s.receiver); count > 0; count-- {
				s.processMessage(<-s.receiver)
			}
		case <-s.closeChan:
			return
		}
	}
}

func (s *asyncConferenceSubscriber) processMessage(msg *NatsMsg) {
	var message NotifyMessage
	if err := DecodeNatsMessage(msg, &message); err != nil {
		s.logger.Printf("Could not decode NATS message %+v: %s", msg, err)
		return
	}
	if err := message.CheckValid(); err != nil {
		s.logger.Printf("Ignoring invalid message %s: %s", message.String(), err)
		return
	}

	s.mu.Lock()
	listeners := make([]AsyncConferenceEventListener, 0, len(s.listeners))
	for listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener.ProcessConferenceMessage(&message)
	}
}

func (s *asyncConferenceSubscriber) addListener(listener AsyncConferenceEventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[listener] = true
}

// removeListener reports whether the subscriber became empty.
func (s *asyncConferenceSubscriber) removeListener(listener AsyncConferenceEventListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, listener)
	return len(s.listeners) == 0
}

func (s *asyncConferenceSubscriber) close() {
	close(s.closeChan)
}

type asyncEventsNats struct {
	logger Logger
	client NatsClient

	mu          sync.Mutex
	subscribers map[string]*asyncConferenceSubscriber
}

func (e *asyncEventsNats) Close() {
	e.mu.Lock()
	subscribers := e.subscribers
	e.subscribers = make(map[string]*asyncConferenceSubscriber)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, subscriber := range subscribers {
		wg.Add(1)
		go func(s *asyncConferenceSubscriber) {
			defer wg.Done()
			s.close()
		}(subscriber)
	}
	wg.Wait()

	if err := e.client.Close(context.Background()); err != nil {
		e.logger.Printf("Error closing NATS client: %s", err)
	}
}

func (e *asyncEventsNats) RegisterConferenceListener(conference string, listener AsyncConferenceEventListener) error {
	subject := GetSubjectForConference(conference)

	e.mu.Lock()
	defer e.mu.Unlock()
	subscriber, found := e.subscribers[subject]
	if !found {
		var err error
		subscriber, err = newAsyncConferenceSubscriber(e.logger, subject, e.client)
		if err != nil {
			return err
		}
		e.subscribers[subject] = subscriber
	}
	subscriber.addListener(listener)
	return nil
}

func (e *asyncEventsNats) UnregisterConferenceListener(conference string, listener AsyncConferenceEventListener) {
	subject := GetSubjectForConference(conference)

	e.mu.Lock()
	defer e.mu.Unlock()
	subscriber, found := e.subscribers[subject]
	if !found {
		return
	}
	if subscriber.removeListener(listener) {
		delete(e.subscribers, subject)
		subscriber.close()
	}
}

func (e *asyncEventsNats) PublishConferenceMessage(conference string, message *NotifyMessage) error {
	if err := message.CheckValid(); err != nil {
		return err
	}
	return e.client.Publish(GetSubjectForConference(conference), message)
}
