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
	"testing"
	"time"

	"github.com/dlintw/goconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, options map[string]string) (*Scheduler, DescriptorStore) {
	t.Helper()
	config := goconf.NewConfigFile()
	// Cleanup is triggered manually from the tests.
	config.AddOption("scheduler", "cleanupinterval", "-1")
	for option, value := range options {
		config.AddOption("scheduler", option, value)
	}

	store, err := NewDescriptorStore(testLogger(t), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	scheduler, err := NewScheduler(testLogger(t), config, store)
	require.NoError(t, err)
	t.Cleanup(scheduler.Close)
	return scheduler, store
}

func TestSchedulerAllocateAssignsToken(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, store := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("allocate@example.org")
	descriptor.Token = ""
	require.NoError(t, scheduler.Allocate(ctx, descriptor))
	assert.NotEmpty(descriptor.Token)

	stored, err := store.Get(ctx, "allocate@example.org")
	require.NoError(t, err)
	assert.Equal(descriptor.Token, stored.Token)

	_, err = scheduler.Get(ctx, "unknown@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
}

func TestSchedulerAllocateInvalidDescriptor(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	scheduler, _ := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("invalid@example.org")
	descriptor.Organizer = ""
	assert.Error(scheduler.Allocate(context.Background(), descriptor))
}

func TestSchedulerEndToEndSupport(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	descriptor := newTestDescriptor("e2e@example.org")
	descriptor.Security = SecurityEndToEnd

	// Without key distribution support the allocation fails up front.
	scheduler, _ := newTestScheduler(t, nil)
	assert.ErrorIs(scheduler.Allocate(ctx, descriptor.Clone()), ErrEndToEndRequired)

	supported, _ := newTestScheduler(t, map[string]string{
		"endtoend": "true",
	})
	assert.NoError(supported.Allocate(ctx, descriptor.Clone()))
}

func TestSchedulerUpdateKeepsToken(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, _ := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("update@example.org")
	descriptor.Token = ""
	require.NoError(t, scheduler.Allocate(ctx, descriptor))
	token := descriptor.Token

	// An update from the organizer arrives without the token and with a
	// stale revision, both are fixed up from the stored copy.
	updated := newTestDescriptor("update@example.org")
	updated.Token = ""
	updated.Subject = "Rescheduled sync"
	updated.CreationState = CreationStateUpdated
	require.NoError(t, scheduler.Allocate(ctx, updated))
	assert.Equal(token, updated.Token)
	assert.Greater(updated.Revision, descriptor.Revision)

	stored, err := scheduler.Get(ctx, "update@example.org")
	require.NoError(t, err)
	assert.Equal("Rescheduled sync", stored.Subject)

	// Updating an unknown conference fails.
	missing := newTestDescriptor("missing@example.org")
	missing.CreationState = CreationStateUpdated
	assert.ErrorIs(scheduler.Allocate(ctx, missing), ErrNoSuchConference)
}

func TestSchedulerCancel(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, _ := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("cancel@example.org")
	require.NoError(t, scheduler.Allocate(ctx, descriptor))

	cancelled := newTestDescriptor("cancel@example.org")
	cancelled.CreationState = CreationStateCancelled
	require.NoError(t, scheduler.Allocate(ctx, cancelled))

	// The descriptor is still resolvable but no longer joinable.
	stored, err := scheduler.Get(ctx, "cancel@example.org")
	require.NoError(t, err)
	assert.Equal(CreationStateCancelled, stored.CreationState)
	assert.False(stored.TerminatedAt.IsZero())

	_, err = scheduler.EvaluateJoin(ctx, "cancel@example.org", "alice@example.org", time.Now())
	assert.ErrorIs(err, ErrConferenceExpired)
}

func TestSchedulerEvaluateJoinWindow(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, _ := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("window@example.org")
	start := time.Now()
	descriptor.Start = start
	require.NoError(t, scheduler.Allocate(ctx, descriptor))

	earliest := start.Add(-time.Duration(descriptor.AvailabilityBefore) * time.Second)
	latest := descriptor.End().Add(time.Duration(descriptor.ExpiryAfter) * time.Second)

	_, err := scheduler.EvaluateJoin(ctx, "window@example.org", "alice@example.org", earliest.Add(-time.Second))
	assert.ErrorIs(err, ErrJoinTooEarly)
	_, err = scheduler.EvaluateJoin(ctx, "window@example.org", "alice@example.org", latest.Add(time.Second))
	assert.ErrorIs(err, ErrConferenceExpired)

	// Both boundaries are inclusive. The boundary joins come last as a
	// successful join extends the window.
	_, err = scheduler.EvaluateJoin(ctx, "window@example.org", "alice@example.org", earliest)
	assert.NoError(err)
	_, err = scheduler.EvaluateJoin(ctx, "window@example.org", "alice@example.org", latest)
	assert.NoError(err)
}

func TestSchedulerEvaluateJoinInvitation(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, _ := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("closed@example.org")
	require.NoError(t, scheduler.Allocate(ctx, descriptor))

	_, err := scheduler.EvaluateJoin(ctx, "closed@example.org", "alice@example.org", time.Now())
	assert.NoError(err)

	_, err = scheduler.EvaluateJoin(ctx, "closed@example.org", "mallory@example.org", time.Now())
	assert.ErrorIs(err, ErrNotInvited)

	// The organizer may always join their own conference.
	_, err = scheduler.EvaluateJoin(ctx, "closed@example.org", "organizer@example.org", time.Now())
	assert.NoError(err)

	open := newTestDescriptor("open@example.org")
	open.Open = true
	open.Entries = nil
	require.NoError(t, scheduler.Allocate(ctx, open))
	_, err = scheduler.EvaluateJoin(ctx, "open@example.org", "mallory@example.org", time.Now())
	assert.NoError(err)
}

func TestSchedulerExpiryExtensionPersisted(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, store := newTestScheduler(t, nil)

	descriptor := newTestDescriptor("extend@example.org")
	require.NoError(t, scheduler.Allocate(ctx, descriptor))

	// A join late in the grace window pushes the expiry out by the full
	// grace period again.
	end := descriptor.End()
	lateJoin := end.Add(250 * time.Second)
	_, err := scheduler.EvaluateJoin(ctx, "extend@example.org", "alice@example.org", lateJoin)
	require.NoError(t, err)

	stored, err := store.Get(ctx, "extend@example.org")
	require.NoError(t, err)
	assert.Equal(lateJoin.Add(300*time.Second).Unix(), stored.EffectiveExpiry.Unix())

	// The extension keeps the window open past the original boundary.
	_, err = scheduler.EvaluateJoin(ctx, "extend@example.org", "bob@example.org", end.Add(540*time.Second))
	assert.NoError(err)
	_, err = scheduler.EvaluateJoin(ctx, "extend@example.org", "bob@example.org", end.Add(851*time.Second))
	assert.ErrorIs(err, ErrConferenceExpired)
}

func TestSchedulerCleanup(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, store := newTestScheduler(t, nil)

	active := newTestDescriptor("active@example.org")
	require.NoError(t, scheduler.Allocate(ctx, active))

	// The join windows of these two close right about now, so they only
	// become purgeable once the retention period passed.
	expired := newTestDescriptor("expired@example.org")
	expired.Start = time.Now().Add(-3900 * time.Second)
	require.NoError(t, scheduler.Allocate(ctx, expired))

	finished := newTestDescriptor("finished@example.org")
	finished.Start = time.Now().Add(-3900 * time.Second)
	require.NoError(t, scheduler.Allocate(ctx, finished))
	scheduler.ConferenceTerminated(ctx, "finished@example.org")

	cancelled := newTestDescriptor("cancelled@example.org")
	cancelled.CreationState = CreationStateNew
	require.NoError(t, scheduler.Allocate(ctx, cancelled))
	require.NoError(t, scheduler.Cancel(ctx, "cancelled@example.org"))

	unbounded := newTestDescriptor("unbounded@example.org")
	unbounded.Start = time.Now().Add(-24 * time.Hour)
	unbounded.ExpiryAfter = UnboundedWindow
	require.NoError(t, scheduler.Allocate(ctx, unbounded))

	// Nothing is purged right away, descriptors linger for late
	// synchronization requests.
	scheduler.cleanup(time.Now())
	_, err := store.Get(ctx, "expired@example.org")
	assert.NoError(err)
	_, err = store.Get(ctx, "finished@example.org")
	assert.NoError(err)
	_, err = store.Get(ctx, "cancelled@example.org")
	assert.NoError(err)

	scheduler.cleanup(time.Now().Add(terminatedDescriptorLifetime + time.Second))
	_, err = store.Get(ctx, "expired@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
	_, err = store.Get(ctx, "finished@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
	_, err = store.Get(ctx, "cancelled@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)

	// Active and unbounded descriptors survive.
	_, err = store.Get(ctx, "active@example.org")
	assert.NoError(err)
	_, err = store.Get(ctx, "unbounded@example.org")
	assert.NoError(err)
}

func TestSchedulerCleanupKeepsTerminatedWithOpenWindow(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, store := newTestScheduler(t, nil)

	// The live conference ends early, but the join window stays open for
	// about another hour. The descriptor must survive cleanup until the
	// window passed, late joins inside the window start a new conference.
	descriptor := newTestDescriptor("early@example.org")
	require.NoError(t, scheduler.Allocate(ctx, descriptor))
	scheduler.ConferenceTerminated(ctx, "early@example.org")

	rejoinAt := time.Now().Add(terminatedDescriptorLifetime + time.Minute)
	scheduler.cleanup(rejoinAt)

	_, err := store.Get(ctx, "early@example.org")
	assert.NoError(err)
	_, err = scheduler.EvaluateJoin(ctx, "early@example.org", "alice@example.org", rejoinAt)
	assert.NoError(err)
}

func TestSchedulerRetentionConfigured(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	// A negative retention keeps descriptors forever.
	forever, store := newTestScheduler(t, map[string]string{
		"retention": "-1",
	})
	keep := newTestDescriptor("keep@example.org")
	keep.Start = time.Now().Add(-3900 * time.Second)
	require.NoError(t, forever.Allocate(ctx, keep))
	forever.cleanup(time.Now().Add(24 * time.Hour))
	_, err := store.Get(ctx, "keep@example.org")
	assert.NoError(err)

	// A short retention purges sooner than the default.
	short, shortStore := newTestScheduler(t, map[string]string{
		"retention": "60",
	})
	drop := newTestDescriptor("drop@example.org")
	drop.Start = time.Now().Add(-3900 * time.Second)
	require.NoError(t, short.Allocate(ctx, drop))
	short.cleanup(time.Now().Add(61 * time.Second))
	_, err = shortStore.Get(ctx, "drop@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
}

func TestSchedulerAllocateAuthorized(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, store := newTestScheduler(t, map[string]string{
		"secret": "the-scheduler-secret",
	})
	require.NotNil(t, scheduler.Auth())

	token, err := scheduler.Auth().CreateOrganizerToken("organizer@example.org", "authorized@example.org")
	require.NoError(t, err)

	descriptor := newTestDescriptor("authorized@example.org")
	require.NoError(t, scheduler.AllocateAuthorized(ctx, token, descriptor))
	_, err = store.Get(ctx, "authorized@example.org")
	assert.NoError(err)

	// The token is bound to one conference address.
	other := newTestDescriptor("other@example.org")
	assert.ErrorIs(scheduler.AllocateAuthorized(ctx, token, other), ErrNotAdmin)
	_, err = store.Get(ctx, "other@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)

	// A valid token for somebody else's conference must not allocate in
	// the organizer's name.
	mallory, err := scheduler.Auth().CreateOrganizerToken("mallory@example.org", "spoofed@example.org")
	require.NoError(t, err)
	spoofed := newTestDescriptor("spoofed@example.org")
	assert.ErrorIs(scheduler.AllocateAuthorized(ctx, mallory, spoofed), ErrNotAdmin)

	// Without a configured secret authorized allocations are rejected.
	unconfigured, _ := newTestScheduler(t, nil)
	assert.Nil(unconfigured.Auth())
	assert.Error(unconfigured.AllocateAuthorized(ctx, token, newTestDescriptor("nosecret@example.org")))
}

type invitationRecorder struct {
	invitations chan DescriptorEntry
}

func (r *invitationRecorder) SendInvitation(ctx context.Context, descriptor *ConferenceDescriptor, entry DescriptorEntry) error {
	r.invitations <- entry
	return nil
}

func TestSchedulerSendsInvitations(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	scheduler, _ := newTestScheduler(t, nil)
	recorder := &invitationRecorder{
		invitations: make(chan DescriptorEntry, 16),
	}
	scheduler.SetInvitationSender(recorder)

	require.NoError(t, scheduler.Allocate(ctx, newTestDescriptor("invitations@example.org")))

	// Everybody on the list except the organizer gets an invitation.
	var invited []string
	for len(invited) < 2 {
		select {
		case entry := <-recorder.invitations:
			invited = append(invited, entry.Address)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for invitations")
		}
	}
	assert.ElementsMatch([]string{"alice@example.org", "bob@example.org"}, invited)
	select {
	case entry := <-recorder.invitations:
		t.Errorf("unexpected invitation for %s", entry.Address)
	case <-time.After(100 * time.Millisecond):
	}
}
