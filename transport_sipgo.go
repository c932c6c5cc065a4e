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
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dlintw/goconf"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

const (
	defaultSipListenAddress = "0.0.0.0:5060"
)

// sipBinding tracks one SIP dialog's conference membership, keyed by the
// Call-ID.
type sipBinding struct {
	conference string
	address    string
	instance   string
	call       *CallSession

	mu           sync.Mutex
	subscription *Subscription
}

// attachSubscription binds a notification subscription to the dialog and
// returns the previously attached one, if any.
func (b *sipBinding) attachSubscription(s *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous := b.subscription
	b.subscription = s
	return previous
}

func (b *sipBinding) closeSubscription() {
	b.mu.Lock()
	s := b.subscription
	b.subscription = nil
	b.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// SipTransport exposes the focus over SIP. INVITE joins a conference, BYE
// leaves it, SUBSCRIBE attaches the notification stream, NOTIFY carries
// the JSON conference events and MESSAGE posts to the conference chat.
type SipTransport struct {
	logger Logger
	focus  *Focus

	network string
	address string

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	bindings ConcurrentMap[string, *sipBinding]
}

func NewSipTransport(logger Logger, config *goconf.ConfigFile, focus *Focus) (*SipTransport, error) {
	address, _ := GetStringOptionWithEnv(config, "sip", "listen")
	if address == "" {
		address = defaultSipListenAddress
	}
	network, _ := GetStringOptionWithEnv(config, "sip", "transport")
	if network == "" {
		network = "udp"
	}

	hostname, _ := GetStringOptionWithEnv(config, "sip", "hostname")
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create user agent: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("could not create server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("could not create client: %w", err)
	}

	t := &SipTransport{
		logger: logger,
		focus:  focus,

		network: network,
		address: address,

		ua:     ua,
		server: server,
		client: client,
	}

	server.OnInvite(t.onInvite)
	server.OnAck(t.onAck)
	server.OnBye(t.onBye)
	server.OnSubscribe(t.onSubscribe)
	server.OnMessage(t.onMessage)
	server.OnOptions(t.onOptions)
	return t, nil
}

func (t *SipTransport) Run(ctx context.Context) error {
	t.logger.Printf("Listening for SIP on %s/%s", t.network, t.address)
	return t.server.ListenAndServe(ctx, t.network, t.address)
}

func (t *SipTransport) Close() error {
	if err := t.server.Close(); err != nil {
		return err
	}
	return t.ua.Close()
}

func (t *SipTransport) respondError(req *sip.Request, tx sip.ServerTransaction, err error) {
	status, reason := statusFromError(err)
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Printf("Could not send %d response: %s", status, err)
	}
}

func uriAddress(uri sip.Uri) string {
	return uri.User + "@" + uri.Host
}

// onInvite joins the caller into the conference named by the request URI.
// The instance identifier comes from the "+sip.instance" contact parameter
// when present and falls back to the Call-ID.
func (t *SipTransport) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	conference := uriAddress(req.Recipient)
	caller := uriAddress(req.From().Address)
	callId := req.CallID().Value()

	instance := callId
	if contact := req.Contact(); contact != nil {
		if value, ok := contact.Params.Get("+sip.instance"); ok && value != "" {
			instance = value
		}
	}

	displayName := req.From().DisplayName

	streams, err := ParseStreamAvailability(req.Body())
	if err != nil {
		t.logger.Printf("Invalid SDP in INVITE from %s: %s", caller, err)
		t.respondError(req, tx, NewError(ErrorCodeError, "Invalid session description."))
		return
	}
	security, err := ParseSecurityLevel(req.Body())
	if err != nil {
		t.respondError(req, tx, NewError(ErrorCodeError, "Invalid session description."))
		return
	}

	call := t.focus.NewCall(caller)
	if err := call.Connected(streams, security); err != nil {
		t.respondError(req, tx, NewError(ErrorCodeError, "Could not establish the call."))
		return
	}

	device := NewDevice(caller, instance, displayName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conf, err := t.focus.JoinConference(ctx, conference, device, call)
	if err != nil {
		t.focus.removeCall(call)
		t.respondError(req, tx, err)
		return
	}

	t.bindings.Set(callId, &sipBinding{
		conference: conference,
		address:    caller,
		instance:   instance,
		call:       call,
	})

	// Echo the offer, the focus is signaling-only and media flows through
	// the negotiated mixer.
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", req.Body())
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		t.logger.Printf("Could not answer INVITE from %s: %s", caller, err)
		if leaveErr := t.focus.LeaveConference(ctx, conference, caller, instance); leaveErr != nil {
			t.logger.Printf("Could not roll back join of %s: %s", caller, leaveErr)
		}
		t.bindings.Del(callId)
		return
	}
	t.logger.Printf("Device %s/%s joined conference %s (version %d)", caller, instance, conference, conf.Version())
}

func (t *SipTransport) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callId := req.CallID().Value()
	if binding, found := t.bindings.Get(callId); found {
		if err := binding.call.MediaRunning(); err != nil {
			t.logger.Printf("Could not start media for call %s: %s", callId, err)
		}
	}
}

func (t *SipTransport) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callId := req.CallID().Value()
	binding, found := t.bindings.Get(callId)
	if !found {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			t.logger.Printf("Could not respond to BYE: %s", err)
		}
		return
	}
	t.bindings.Del(callId)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.endDialog(ctx, binding)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Printf("Could not respond to BYE: %s", err)
	}
}

// endDialog tears down everything riding on one dialog: the notification
// subscription, the call and the conference membership. A subscription
// never outlives the call it belongs to.
func (t *SipTransport) endDialog(ctx context.Context, binding *sipBinding) {
	binding.closeSubscription()

	if err := binding.call.End(CallEndReasonNormal); err != nil {
		t.logger.Printf("Could not end call %s: %s", binding.call.Id(), err)
	}
	t.focus.removeCall(binding.call)

	if err := t.focus.LeaveConference(ctx, binding.conference, binding.address, binding.instance); err != nil {
		t.logger.Printf("Could not remove %s/%s from %s: %s", binding.address, binding.instance, binding.conference, err)
	}
}

// onSubscribe attaches the notification stream. Notifications are sent as
// in-dialog NOTIFY requests with JSON bodies.
func (t *SipTransport) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	conference := uriAddress(req.Recipient)

	expiry := DefaultSubscriptionExpiry
	if h := req.GetHeader("Expires"); h != nil {
		if seconds, err := strconv.Atoi(h.Value()); err == nil && seconds > 0 {
			expiry = time.Duration(seconds) * time.Second
		}
	}

	contact := req.Contact()
	if contact == nil {
		t.respondError(req, tx, NewError(ErrorCodeError, "No contact to notify."))
		return
	}
	target := contact.Address

	subscription, err := t.focus.Subscribe(conference, func(message *NotifyMessage) error {
		return t.sendNotify(target, message)
	}, expiry)
	if err != nil {
		t.respondError(req, tx, err)
		return
	}

	// An in-dialog SUBSCRIBE ties the subscription to the call, it is torn
	// down together with the dialog on BYE.
	if binding, found := t.bindings.Get(req.CallID().Value()); found {
		if previous := binding.attachSubscription(subscription); previous != nil {
			previous.Close()
		}
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry/time.Second))))
	if err := tx.Respond(res); err != nil {
		t.logger.Printf("Could not respond to SUBSCRIBE: %s", err)
		subscription.Close()
	}
}

func (t *SipTransport) sendNotify(target sip.Uri, message *NotifyMessage) error {
	req := sip.NewRequest(sip.NOTIFY, target)
	req.AppendHeader(sip.NewHeader("Event", "conference"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/json"))
	req.SetBody([]byte(message.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := t.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("notify rejected with %d", res.StatusCode)
	}
	return nil
}

// SendInvitation informs one invited address about a scheduled conference
// with a MESSAGE request carrying the invitation as JSON.
func (t *SipTransport) SendInvitation(ctx context.Context, descriptor *ConferenceDescriptor, entry DescriptorEntry) error {
	var target sip.Uri
	if err := sip.ParseUri("sip:"+entry.Address, &target); err != nil {
		return fmt.Errorf("invalid invitee address %q: %w", entry.Address, err)
	}

	body, err := json.Marshal(&ConferenceInvitation{
		Conference: descriptor.Address,
		Organizer:  descriptor.Organizer,
		Subject:    descriptor.Subject,
		Start:      descriptor.Start,
		Duration:   descriptor.Duration,
		Role:       entry.Role,
		Sequence:   entry.Sequence,
	})
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.MESSAGE, target)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/conference-invitation+json"))
	req.SetBody(body)

	res, err := t.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("invitation rejected with %d", res.StatusCode)
	}
	return nil
}

// onMessage posts the body into the conference chat room.
func (t *SipTransport) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	conference := uriAddress(req.Recipient)
	from := uriAddress(req.From().Address)

	if err := t.focus.PostChatMessage(conference, from, string(req.Body())); err != nil {
		t.respondError(req, tx, err)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Printf("Could not respond to MESSAGE: %s", err)
	}
}

func (t *SipTransport) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, SUBSCRIBE, NOTIFY, MESSAGE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		t.logger.Printf("Could not respond to OPTIONS: %s", err)
	}
}
