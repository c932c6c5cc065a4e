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

	"github.com/dlintw/goconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorStoreFactory(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	config := goconf.NewConfigFile()
	store, err := NewDescriptorStore(testLogger(t), config)
	require.NoError(t, err)
	assert.NoError(store.Close())

	config.AddOption("store", "backend", "bogus")
	_, err = NewDescriptorStore(testLogger(t), config)
	assert.Error(err)
}

func TestBuiltinStoreRoundtrip(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	store := NewBuiltinDescriptorStore(testLogger(t))
	t.Cleanup(func() {
		store.Close()
	})

	_, err := store.Get(ctx, "missing@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
	assert.ErrorIs(store.Delete(ctx, "missing@example.org"), ErrNoSuchConference)

	descriptor := newTestDescriptor("stored@example.org")
	require.NoError(t, store.Put(ctx, descriptor))

	stored, err := store.Get(ctx, "stored@example.org")
	require.NoError(t, err)
	assert.Equal(descriptor, stored)

	// The store hands out copies, mutating them does not affect it.
	stored.Subject = "changed"
	again, err := store.Get(ctx, "stored@example.org")
	require.NoError(t, err)
	assert.Equal("Weekly sync", again.Subject)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(all, 1)

	require.NoError(t, store.Delete(ctx, "stored@example.org"))
	all, err = store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(all)
}
