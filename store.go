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
	"fmt"
	"sync"

	"github.com/dlintw/goconf"
)

// DescriptorStore persists conference descriptors across focus restarts.
// Descriptors with unbounded lifetimes must survive a restart verbatim,
// so the scheduler writes every accepted descriptor and every expiry
// extension back to the store.
type DescriptorStore interface {
	Put(ctx context.Context, descriptor *ConferenceDescriptor) error
	Get(ctx context.Context, address string) (*ConferenceDescriptor, error)
	Delete(ctx context.Context, address string) error
	ListAll(ctx context.Context) ([]*ConferenceDescriptor, error)

	Close() error
}

func NewDescriptorStore(logger Logger, config *goconf.ConfigFile) (DescriptorStore, error) {
	backend, _ := GetStringOptionWithEnv(config, "store", "backend")
	switch backend {
	case "", "builtin":
		return NewBuiltinDescriptorStore(logger), nil
	case "etcd":
		return NewEtcdDescriptorStore(logger, config)
	case "file":
		return NewFileDescriptorStore(logger, config)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}

// builtinDescriptorStore keeps descriptors in process memory. It fulfills
// the store contract for single-node deployments but provides no restart
// persistence.
type builtinDescriptorStore struct {
	logger Logger

	mu          sync.RWMutex
	descriptors map[string]*ConferenceDescriptor
}

func NewBuiltinDescriptorStore(logger Logger) DescriptorStore {
	return &builtinDescriptorStore{
		logger:      logger,
		descriptors: make(map[string]*ConferenceDescriptor),
	}
}

func (s *builtinDescriptorStore) Put(ctx context.Context, descriptor *ConferenceDescriptor) error {
	if err := descriptor.CheckValid(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[descriptor.Address] = descriptor.Clone()
	return nil
}

func (s *builtinDescriptorStore) Get(ctx context.Context, address string) (*ConferenceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	descriptor, found := s.descriptors[address]
	if !found {
		return nil, ErrNoSuchConference
	}
	return descriptor.Clone(), nil
}

func (s *builtinDescriptorStore) Delete(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.descriptors[address]; !found {
		return ErrNoSuchConference
	}
	delete(s.descriptors, address)
	return nil
}

func (s *builtinDescriptorStore) ListAll(ctx context.Context) ([]*ConferenceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ConferenceDescriptor, 0, len(s.descriptors))
	for _, descriptor := range s.descriptors {
		result = append(result, descriptor.Clone())
	}
	return result, nil
}

func (s *builtinDescriptorStore) Close() error {
	return nil
}
