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
	"time"

	"github.com/dlintw/goconf"
	"github.com/google/uuid"
)

const (
	defaultCleanupInterval = time.Minute

	// Descriptors of terminated or cancelled conferences are kept around
	// for this long so late synchronization requests still resolve.
	terminatedDescriptorLifetime = 5 * time.Minute

	invitationTimeout = 30 * time.Second
)

func init() {
	RegisterSchedulerStats()
}

// Scheduler owns the conference descriptors. It accepts allocations ahead
// of any call, evaluates join attempts against the configured time windows
// and purges descriptors nothing can join anymore.
type Scheduler struct {
	logger Logger
	store  DescriptorStore
	auth   *SchedulerAuth

	supportsEndToEnd bool
	cleanupInterval  time.Duration
	retention        time.Duration

	// Set once during startup, before any allocation traffic.
	invitations InvitationSender

	closer *Closer
}

func NewScheduler(logger Logger, config *goconf.ConfigFile, store DescriptorStore) (*Scheduler, error) {
	supportsEndToEnd, _ := config.GetBool("scheduler", "endtoend")

	cleanupInterval := defaultCleanupInterval
	if seconds, err := config.GetInt("scheduler", "cleanupinterval"); err == nil {
		if seconds < 0 {
			// Negative interval disables cleanup completely.
			cleanupInterval = 0
		} else {
			cleanupInterval = time.Duration(seconds) * time.Second
		}
	}

	retention := terminatedDescriptorLifetime
	if seconds, err := config.GetInt("scheduler", "retention"); err == nil {
		if seconds < 0 {
			// Negative retention keeps purgeable descriptors forever.
			retention = -1
		} else {
			retention = time.Duration(seconds) * time.Second
		}
	}

	var auth *SchedulerAuth
	if secret, _ := GetStringOptionWithEnv(config, "scheduler", "secret"); secret != "" {
		lifetime := time.Duration(0)
		if seconds, err := config.GetInt("scheduler", "tokenlifetime"); err == nil && seconds > 0 {
			lifetime = time.Duration(seconds) * time.Second
		}

		var err error
		if auth, err = NewSchedulerAuth([]byte(secret), lifetime); err != nil {
			return nil, err
		}
	}

	s := &Scheduler{
		logger: logger,
		store:  store,
		auth:   auth,

		supportsEndToEnd: supportsEndToEnd,
		cleanupInterval:  cleanupInterval,
		retention:        retention,

		closer: NewCloser(),
	}

	if cleanupInterval > 0 {
		go s.runCleanup()
	}
	return s, nil
}

// Auth returns the organizer token handler, or nil if no scheduler secret
// is configured.
func (s *Scheduler) Auth() *SchedulerAuth {
	return s.auth
}

// SetInvitationSender installs the transport used to notify invited
// addresses about new and updated allocations.
func (s *Scheduler) SetInvitationSender(sender InvitationSender) {
	s.invitations = sender
}

func (s *Scheduler) Close() {
	s.closer.Close()
}

// Allocate accepts a new or updated descriptor. End-to-end conferences are
// rejected up front when this focus cannot distribute keys, so organizers
// learn about the mismatch at scheduling time instead of at the first join.
func (s *Scheduler) Allocate(ctx context.Context, descriptor *ConferenceDescriptor) error {
	if err := descriptor.CheckValid(); err != nil {
		return NewError(ErrorCodeError, err.Error())
	}
	if descriptor.Security.IsEndToEnd() && !s.supportsEndToEnd {
		return ErrEndToEndRequired
	}

	switch descriptor.CreationState {
	case CreationStateCancelled:
		return s.Cancel(ctx, descriptor.Address)
	case CreationStateNew:
		if descriptor.Token == "" {
			descriptor.Token = uuid.NewString()
		}
	case CreationStateUpdated:
		existing, err := s.store.Get(ctx, descriptor.Address)
		if err != nil {
			return err
		}
		// The token identifies the conference instance across updates.
		descriptor.Token = existing.Token
		if descriptor.Revision <= existing.Revision {
			descriptor.Revision = existing.Revision + 1
		}
	}

	if err := s.store.Put(ctx, descriptor); err != nil {
		statsAllocationErrorsTotal.Inc()
		return NewError(ErrorCodeError, "Could not persist the conference descriptor.")
	}

	statsAllocationsTotal.Inc()
	s.logger.Printf("Allocated conference %s (%s, revision %d)", descriptor.Address, descriptor.CreationState, descriptor.Revision)

	if sender := s.invitations; sender != nil {
		go s.sendInvitations(sender, descriptor.Clone())
	}
	return nil
}

// AllocateAuthorized validates the organizer token before accepting the
// descriptor. Untrusted surfaces must use this entry point, Allocate is
// for callers that already authenticated the organizer.
func (s *Scheduler) AllocateAuthorized(ctx context.Context, tokenString string, descriptor *ConferenceDescriptor) error {
	if s.auth == nil {
		return NewError(ErrorCodeError, "Organizer authentication is not configured.")
	}

	organizer, err := s.auth.ValidateOrganizerToken(tokenString, descriptor.Address)
	if err != nil {
		return err
	}
	if organizer != descriptor.Organizer {
		return ErrNotAdmin
	}
	return s.Allocate(ctx, descriptor)
}

// sendInvitations notifies everyone on the invitation list except the
// organizer, who scheduled the conference in the first place.
func (s *Scheduler) sendInvitations(sender InvitationSender, descriptor *ConferenceDescriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), invitationTimeout)
	defer cancel()

	for _, entry := range descriptor.Entries {
		if entry.Address == descriptor.Organizer {
			continue
		}
		if err := sender.SendInvitation(ctx, descriptor, entry); err != nil {
			s.logger.Printf("Could not send invitation for %s to %s: %s", descriptor.Address, entry.Address, err)
			continue
		}
		statsInvitationsSentTotal.Inc()
	}
}

// Cancel marks a scheduled conference as cancelled. The descriptor stays
// in the store until cleanup so joins fail with a proper error instead of
// an unknown conference.
func (s *Scheduler) Cancel(ctx context.Context, address string) error {
	descriptor, err := s.store.Get(ctx, address)
	if err != nil {
		return err
	}

	descriptor.CreationState = CreationStateCancelled
	descriptor.TerminatedAt = time.Now()
	descriptor.Revision++
	return s.store.Put(ctx, descriptor)
}

func (s *Scheduler) Get(ctx context.Context, address string) (*ConferenceDescriptor, error) {
	return s.store.Get(ctx, address)
}

// EvaluateJoin checks whether the passed address may join the conference
// at the given time. On success the effective expiry is extended and
// persisted, keeping the join window open for everyone already inside.
func (s *Scheduler) EvaluateJoin(ctx context.Context, address string, joiner string, now time.Time) (*ConferenceDescriptor, error) {
	descriptor, err := s.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	if descriptor.CreationState == CreationStateCancelled {
		return nil, ErrConferenceExpired
	}

	switch descriptor.EvaluateTimeWindow(now) {
	case JoinWindowTooEarly:
		statsJoinsRejectedTotal.WithLabelValues("too_early").Inc()
		return nil, ErrJoinTooEarly
	case JoinWindowExpired:
		statsJoinsRejectedTotal.WithLabelValues("expired").Inc()
		return nil, ErrConferenceExpired
	}

	if !descriptor.Open && joiner != descriptor.Organizer && !descriptor.IsInvited(joiner) {
		statsJoinsRejectedTotal.WithLabelValues("not_invited").Inc()
		return nil, ErrNotInvited
	}

	if descriptor.ExtendExpiry(now) {
		if err := s.store.Put(ctx, descriptor); err != nil {
			// The join itself stays valid, only the extension was lost.
			s.logger.Printf("Could not persist expiry extension for %s: %s", address, err)
		}
	}
	return descriptor, nil
}

// ConferenceTerminated records that the live conference ended, starting
// the descriptor's cleanup countdown unless it can be joined again.
func (s *Scheduler) ConferenceTerminated(ctx context.Context, address string) {
	descriptor, err := s.store.Get(ctx, address)
	if err != nil {
		return
	}

	descriptor.TerminatedAt = time.Now()
	if err := s.store.Put(ctx, descriptor); err != nil {
		s.logger.Printf("Could not persist termination of %s: %s", address, err)
	}
}

func (s *Scheduler) runCleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closer.C:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup purges descriptors that can never be joined again: cancelled
// ones and those whose join window passed, each after the configured
// retention period.
func (s *Scheduler) cleanup(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	descriptors, err := s.store.ListAll(ctx)
	if err != nil {
		s.logger.Printf("Could not list descriptors for cleanup: %s", err)
		return
	}

	for _, descriptor := range descriptors {
		if !s.isPurgeable(descriptor, now) {
			continue
		}
		if err := s.store.Delete(ctx, descriptor.Address); err != nil {
			s.logger.Printf("Could not purge descriptor %s: %s", descriptor.Address, err)
			continue
		}
		statsDescriptorsPurgedTotal.Inc()
		s.logger.Printf("Purged expired conference descriptor %s", descriptor.Address)
	}
}

func (s *Scheduler) isPurgeable(descriptor *ConferenceDescriptor, now time.Time) bool {
	if s.retention < 0 {
		return false
	}

	if descriptor.CreationState == CreationStateCancelled {
		return now.Sub(descriptor.TerminatedAt) >= s.retention
	}

	latest, bounded := descriptor.LatestJoin()
	if !bounded || !now.After(latest) {
		// While the join window is open a termination alone does not make
		// the descriptor purgeable, the conference can still be joined
		// into existence again. Unbounded windows survive restarts and
		// are never purged on time alone.
		return false
	}

	expiredAt := latest
	if descriptor.TerminatedAt.After(expiredAt) {
		expiredAt = descriptor.TerminatedAt
	}
	return now.Sub(expiredAt) >= s.retention
}
