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
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// LoopbackNatsClient is an in-process implementation of NatsClient for
// single-node deployments and tests. Messages published to a subject are
// delivered to local subscribers in publish order.
type LoopbackNatsClient struct {
	logger Logger

	mu          sync.Mutex
	subscribers map[string]map[*loopbackNatsSubscription]bool

	wakeup sync.Cond
	closed bool
	queue  list.List
}

func NewLoopbackNatsClient(logger Logger) (NatsClient, error) {
	client := &LoopbackNatsClient{
		logger:      logger,
		subscribers: make(map[string]map[*loopbackNatsSubscription]bool),
	}
	client.wakeup.L = &client.mu
	go client.processMessages()
	return client, nil
}

type loopbackNatsSubscription struct {
	client  *LoopbackNatsClient
	subject string
	ch      chan *NatsMsg
}

func (s *loopbackNatsSubscription) Unsubscribe() error {
	s.client.unsubscribe(s)
	return nil
}

func (c *LoopbackNatsClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribers = nil
	c.wakeup.Signal()
	return nil
}

func (c *LoopbackNatsClient) Subscribe(subject string, ch chan *NatsMsg) (NatsSubscription, error) {
	if strings.ContainsAny(subject, " ") || subject == "" {
		return nil, nats.ErrBadSubject
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nats.ErrConnectionClosed
	}

	s := &loopbackNatsSubscription{
		client:  c,
		subject: subject,
		ch:      ch,
	}
	subs, found := c.subscribers[subject]
	if !found {
		subs = make(map[*loopbackNatsSubscription]bool)
		c.subscribers[subject] = subs
	}
	subs[s] = true
	return s, nil
}

func (c *LoopbackNatsClient) unsubscribe(s *loopbackNatsSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if subs, found := c.subscribers[s.subject]; found {
		delete(subs, s)
		if len(subs) == 0 {
			delete(c.subscribers, s.subject)
		}
	}
}

func (c *LoopbackNatsClient) Publish(subject string, message any) error {
	if strings.ContainsAny(subject, " ") || subject == "" {
		return nats.ErrBadSubject
	}

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nats.ErrConnectionClosed
	}

	c.queue.PushBack(&NatsMsg{
		Subject: subject,
		Data:    data,
	})
	c.wakeup.Signal()
	return nil
}

// processMessages delivers queued messages one at a time, keeping publish
// order per subject even with slow subscribers.
func (c *LoopbackNatsClient) processMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for !c.closed && c.queue.Len() == 0 {
			c.wakeup.Wait()
		}
		if c.closed {
			return
		}

		front := c.queue.Front()
		c.queue.Remove(front)
		msg := front.Value.(*NatsMsg)

		subs, found := c.subscribers[msg.Subject]
		if !found {
			continue
		}
		for s := range subs {
			select {
			case s.ch <- msg:
			default:
				// Subscriber queue full, drop the message like NATS would.
				c.logger.Printf("Slow subscriber on %s, dropping message", msg.Subject)
			}
		}
	}
}
