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
	"os"
	"path/filepath"
	"sync"

	"github.com/dlintw/goconf"
	"github.com/fsnotify/fsnotify"
)

// fileDescriptorStore persists descriptors as a single JSON file. External
// edits to the file are picked up through fsnotify, so operators can
// provision conferences by dropping descriptors into the file while the
// focus is running.
type fileDescriptorStore struct {
	logger Logger

	filename string
	watcher  *fsnotify.Watcher
	closer   *Closer

	mu          sync.Mutex
	descriptors map[string]*ConferenceDescriptor
}

func NewFileDescriptorStore(logger Logger, config *goconf.ConfigFile) (DescriptorStore, error) {
	filename, _ := GetStringOptionWithEnv(config, "store", "filename")
	if filename == "" {
		return nil, fmt.Errorf("no store filename configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create file watcher: %w", err)
	}
	// Watch the directory, editors replace the file on save.
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close() // nolint
		return nil, fmt.Errorf("could not watch %s: %w", filename, err)
	}

	s := &fileDescriptorStore{
		logger:      logger,
		filename:    filename,
		watcher:     watcher,
		closer:      NewCloser(),
		descriptors: make(map[string]*ConferenceDescriptor),
	}
	if err := s.reload(); err != nil {
		if !os.IsNotExist(err) {
			watcher.Close() // nolint
			return nil, err
		}
	}

	go s.run()
	return s, nil
}

func (s *fileDescriptorStore) run() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Printf("Could not reload descriptors from %s: %s", s.filename, err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("Error watching %s: %s", s.filename, err)
		case <-s.closer.C:
			return
		}
	}
}

func (s *fileDescriptorStore) reload() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	var descriptors []*ConferenceDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return fmt.Errorf("could not decode %s: %w", s.filename, err)
	}

	loaded := make(map[string]*ConferenceDescriptor, len(descriptors))
	for _, descriptor := range descriptors {
		if err := descriptor.CheckValid(); err != nil {
			s.logger.Printf("Skipping invalid descriptor %s: %s", descriptor.Address, err)
			continue
		}
		loaded[descriptor.Address] = descriptor
	}

	s.mu.Lock()
	s.descriptors = loaded
	s.mu.Unlock()
	s.logger.Printf("Loaded %d conference descriptors from %s", len(loaded), s.filename)
	return nil
}

// save writes the current set back to disk. The caller must hold the lock.
func (s *fileDescriptorStore) saveLocked() error {
	descriptors := make([]*ConferenceDescriptor, 0, len(s.descriptors))
	for _, descriptor := range s.descriptors {
		descriptors = append(descriptors, descriptor)
	}

	data, err := json.MarshalIndent(descriptors, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize descriptors: %w", err)
	}

	tempname := s.filename + ".tmp"
	if err := os.WriteFile(tempname, data, 0o600); err != nil {
		return fmt.Errorf("could not write %s: %w", tempname, err)
	}
	return os.Rename(tempname, s.filename)
}

func (s *fileDescriptorStore) Put(ctx context.Context, descriptor *ConferenceDescriptor) error {
	if err := descriptor.CheckValid(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[descriptor.Address] = descriptor.Clone()
	return s.saveLocked()
}

func (s *fileDescriptorStore) Get(ctx context.Context, address string) (*ConferenceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	descriptor, found := s.descriptors[address]
	if !found {
		return nil, ErrNoSuchConference
	}
	return descriptor.Clone(), nil
}

func (s *fileDescriptorStore) Delete(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.descriptors[address]; !found {
		return ErrNoSuchConference
	}
	delete(s.descriptors, address)
	return s.saveLocked()
}

func (s *fileDescriptorStore) ListAll(ctx context.Context) ([]*ConferenceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*ConferenceDescriptor, 0, len(s.descriptors))
	for _, descriptor := range s.descriptors {
		result = append(result, descriptor.Clone())
	}
	return result, nil
}

func (s *fileDescriptorStore) Close() error {
	s.closer.Close()
	return s.watcher.Close()
}
