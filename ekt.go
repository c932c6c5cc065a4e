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
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	ektKeySize = chacha20poly1305.KeySize

	ektWrapInfo = "conference-ekt-wrap"
)

// EktEnvelope carries the conference key wrapped for exactly one recipient
// device, together with the key epoch counters. The sSPI identifies the
// key epoch on the issuing side, the cSPI counts rewraps for the
// individual recipient.
type EktEnvelope struct {
	SSpi uint32 `json:"sspi"`
	CSpi uint32 `json:"cspi"`

	Recipient string `json:"recipient"`
	Instance  string `json:"instance"`

	Cipher []byte `json:"cipher"`
}

type ektRecipient struct {
	cspi   uint32
	cipher []byte
}

// EktContext holds the symmetric conference key of an end-to-end encrypted
// conference plus the per-recipient wrapped copies. The key is rotated on
// every membership change, departed devices never receive material of the
// new epoch.
type EktContext struct {
	mu sync.Mutex

	// Master secret of the issuing party, used to derive per-device wrap
	// keys.
	secret []byte

	key   []byte
	sspi  uint32
	blobs map[string]*ektRecipient
}

func NewEktContext(secret []byte) (*EktContext, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("ekt secret missing")
	}

	return &EktContext{
		secret: secret,
		blobs:  make(map[string]*ektRecipient),
	}, nil
}

func ektRecipientKey(address string, instance string) string {
	return address + "@" + instance
}

func (e *EktContext) deriveWrapKey(address string, instance string) ([]byte, error) {
	r := hkdf.New(sha256.New, e.secret, []byte(address+"|"+instance), []byte(ektWrapInfo))
	key := make([]byte, ektKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (e *EktContext) wrap(address string, instance string, sspi uint32, cspi uint32, key []byte) ([]byte, error) {
	wrapKey, err := e.deriveWrapKey(address, instance)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}

	// The (sspi, cspi) pair is unique per wrap, so it can serve as nonce.
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[0:], sspi)
	binary.BigEndian.PutUint32(nonce[4:], cspi)

	return aead.Seal(nil, nonce, key, []byte(ektRecipientKey(address, instance))), nil
}

// Rotate generates a fresh conference key, increments the epoch and wraps
// the key for each of the passed devices. Devices not in the list lose
// access to the new epoch.
func (e *EktContext) Rotate(devices []DeviceInfo) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := make([]byte, ektKeySize)
	if _, err := rand.Read(key); err != nil {
		return 0, err
	}

	sspi := e.sspi + 1
	blobs := make(map[string]*ektRecipient, len(devices))
	for _, device := range devices {
		id := ektRecipientKey(device.Address, device.Instance)
		cspi := uint32(1)
		if previous, found := e.blobs[id]; found {
			cspi = previous.cspi + 1
		}

		cipher, err := e.wrap(device.Address, device.Instance, sspi, cspi, key)
		if err != nil {
			return 0, err
		}
		blobs[id] = &ektRecipient{
			cspi:   cspi,
			cipher: cipher,
		}
	}

	e.key = key
	e.sspi = sspi
	e.blobs = blobs
	return sspi, nil
}

// EnvelopeFor returns the current epoch's envelope for one device. Devices
// that detected a stale epoch request their envelope again through this.
func (e *EktContext) EnvelopeFor(address string, instance string) (*EktEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blob, found := e.blobs[ektRecipientKey(address, instance)]
	if !found {
		return nil, fmt.Errorf("no key material for %s (instance %s)", address, instance)
	}

	cipher := make([]byte, len(blob.cipher))
	copy(cipher, blob.cipher)
	return &EktEnvelope{
		SSpi:      e.sspi,
		CSpi:      blob.cspi,
		Recipient: address,
		Instance:  instance,
		Cipher:    cipher,
	}, nil
}

// Unwrap recovers the conference key from an envelope on the receiving
// device. It fails for envelopes of a different epoch than the envelope
// itself advertises, the caller then requests the current envelope again.
func (e *EktContext) Unwrap(envelope *EktEnvelope) ([]byte, error) {
	wrapKey, err := e.deriveWrapKey(envelope.Recipient, envelope.Instance)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[0:], envelope.SSpi)
	binary.BigEndian.PutUint32(nonce[4:], envelope.CSpi)

	return aead.Open(nil, nonce, envelope.Cipher, []byte(ektRecipientKey(envelope.Recipient, envelope.Instance)))
}

func (e *EktContext) Epoch() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sspi
}

// Key returns a copy of the current conference key.
func (e *EktContext) Key() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := make([]byte, len(e.key))
	copy(key, e.key)
	return key
}

func (e *EktContext) HasRecipient(address string, instance string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, found := e.blobs[ektRecipientKey(address, instance)]
	return found
}
