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
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	initialConnectInterval = time.Second
	maxConnectInterval     = 8 * time.Second

	NatsLoopbackUrl = "nats://loopback"
)

type NatsMsg = nats.Msg

type NatsSubscription interface {
	Unsubscribe() error
}

type NatsClient interface {
	Close(ctx context.Context) error

	Subscribe(subject string, ch chan *NatsMsg) (NatsSubscription, error)
	Publish(subject string, message any) error
}

// GetEncodedSubject encodes an arbitrary suffix so the resulting subject
// stays valid, conference addresses may contain characters NATS rejects.
func GetEncodedSubject(prefix string, suffix string) string {
	return prefix + "." + base64.StdEncoding.EncodeToString([]byte(suffix))
}

func NewNatsClient(ctx context.Context, url string) (NatsClient, error) {
	logger := LoggerFromContext(ctx)
	if url == NatsLoopbackUrl {
		logger.Println("Using internal NATS loopback client")
		return NewLoopbackNatsClient(logger)
	}

	backoff, err := NewExponentialBackoff(initialConnectInterval, maxConnectInterval)
	if err != nil {
		return nil, err
	}

	client := &natsClient{
		logger: logger,
	}

	options := []nats.Option{
		nats.DisconnectHandler(client.onDisconnected),
		nats.ReconnectHandler(client.onReconnected),
		nats.MaxReconnects(-1),
	}
	client.conn, err = nats.Connect(url, options...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	// The initial connect must succeed, so we retry in the case of an error.
	for err != nil {
		logger.Printf("Could not create connection (%s), will retry in %s", err, backoff.NextWait())
		backoff.Wait(ctx)
		if ctx.Err() != nil {
			return nil, errors.New("interrupted")
		}

		client.conn, err = nats.Connect(url, options...)
	}
	logger.Printf("Connection established to %s (%s)", client.conn.ConnectedUrl(), client.conn.ConnectedServerId())
	return client, nil
}

func DecodeNatsMessage(msg *NatsMsg, vPtr any) error {
	return json.Unmarshal(msg.Data, vPtr)
}

type natsClient struct {
	logger Logger

	conn *nats.Conn
}

func (c *natsClient) onDisconnected(conn *nats.Conn) {
	c.logger.Println("NATS client disconnected")
}

func (c *natsClient) onReconnected(conn *nats.Conn) {
	c.logger.Printf("NATS client reconnected to %s (%s)", conn.ConnectedUrl(), conn.ConnectedServerId())
}

func (c *natsClient) Close(ctx context.Context) error {
	err := c.conn.Drain()
	c.conn.Close()
	return err
}

func (c *natsClient) Subscribe(subject string, ch chan *NatsMsg) (NatsSubscription, error) {
	return c.conn.ChanSubscribe(subject, ch)
}

func (c *natsClient) Publish(subject string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}
