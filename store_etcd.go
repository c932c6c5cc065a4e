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
	"strings"
	"time"

	"github.com/dlintw/goconf"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultEtcdDialTimeout = 5 * time.Second

	defaultEtcdPrefix = "/conferences/"
)

// etcdDescriptorStore persists descriptors in an etcd cluster so multiple
// focus instances can share scheduling state.
type etcdDescriptorStore struct {
	logger Logger

	client *clientv3.Client
	prefix string
}

func NewEtcdDescriptorStore(logger Logger, config *goconf.ConfigFile) (DescriptorStore, error) {
	endpointsString, _ := GetStringOptionWithEnv(config, "store", "endpoints")
	var endpoints []string
	for ep := range SplitEntries(endpointsString, ",") {
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints configured")
	}

	prefix, _ := GetStringOptionWithEnv(config, "store", "prefix")
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultEtcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to etcd at %s: %w", endpointsString, err)
	}

	logger.Printf("Using etcd descriptor store at %s with prefix %s", endpointsString, prefix)
	return &etcdDescriptorStore{
		logger: logger,
		client: client,
		prefix: prefix,
	}, nil
}

func (s *etcdDescriptorStore) key(address string) string {
	return s.prefix + address
}

func (s *etcdDescriptorStore) Put(ctx context.Context, descriptor *ConferenceDescriptor) error {
	if err := descriptor.CheckValid(); err != nil {
		return err
	}

	data, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("could not serialize descriptor for %s: %w", descriptor.Address, err)
	}

	if _, err := s.client.Put(ctx, s.key(descriptor.Address), string(data)); err != nil {
		return fmt.Errorf("could not store descriptor for %s: %w", descriptor.Address, err)
	}
	return nil
}

func (s *etcdDescriptorStore) Get(ctx context.Context, address string) (*ConferenceDescriptor, error) {
	response, err := s.client.Get(ctx, s.key(address))
	if err != nil {
		return nil, fmt.Errorf("could not load descriptor for %s: %w", address, err)
	}
	if len(response.Kvs) == 0 {
		return nil, ErrNoSuchConference
	}

	var descriptor ConferenceDescriptor
	if err := json.Unmarshal(response.Kvs[0].Value, &descriptor); err != nil {
		return nil, fmt.Errorf("could not decode descriptor for %s: %w", address, err)
	}
	return &descriptor, nil
}

func (s *etcdDescriptorStore) Delete(ctx context.Context, address string) error {
	response, err := s.client.Delete(ctx, s.key(address))
	if err != nil {
		return fmt.Errorf("could not delete descriptor for %s: %w", address, err)
	}
	if response.Deleted == 0 {
		return ErrNoSuchConference
	}
	return nil
}

func (s *etcdDescriptorStore) ListAll(ctx context.Context) ([]*ConferenceDescriptor, error) {
	response, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("could not list descriptors: %w", err)
	}

	result := make([]*ConferenceDescriptor, 0, len(response.Kvs))
	for _, kv := range response.Kvs {
		var descriptor ConferenceDescriptor
		if err := json.Unmarshal(kv.Value, &descriptor); err != nil {
			s.logger.Printf("Skipping invalid descriptor at %s: %s", string(kv.Key), err)
			continue
		}
		result = append(result, &descriptor)
	}
	return result, nil
}

func (s *etcdDescriptorStore) Close() error {
	return s.client.Close()
}
