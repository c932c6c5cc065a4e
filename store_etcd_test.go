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
	"errors"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/dlintw/goconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/lease"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func isErrorAddressAlreadyInUse(err error) bool {
	var sysError *os.SyscallError
	if !errors.As(err, &sysError) {
		return false
	}
	var errno syscall.Errno
	if !errors.As(sysError, &errno) {
		return false
	}
	if errno == syscall.EADDRINUSE {
		return true
	}
	const WSAEADDRINUSE = 10048
	return runtime.GOOS == "windows" && errno == WSAEADDRINUSE
}

func newEtcdForTest(t *testing.T) *embed.Etcd {
	t.Helper()
	require := require.New(t)

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	os.Chmod(cfg.Dir, 0700) // nolint
	cfg.LogLevel = "warn"
	cfg.Name = "conferencetest"

	u := &url.URL{Scheme: "http"}

	// Find a free port to bind the server to.
	var etcd *embed.Etcd
	var err error
	for port := 50200; port < 50300; port += 3 {
		u.Host = net.JoinHostPort("localhost", strconv.Itoa(port))
		cfg.ListenClientUrls = []url.URL{*u}
		cfg.AdvertiseClientUrls = []url.URL{*u}
		httpListener := *u
		httpListener.Host = net.JoinHostPort("localhost", strconv.Itoa(port+1))
		cfg.ListenClientHttpUrls = []url.URL{httpListener}
		peerListener := *u
		peerListener.Host = net.JoinHostPort("localhost", strconv.Itoa(port+2))
		cfg.ListenPeerUrls = []url.URL{peerListener}
		cfg.AdvertisePeerUrls = []url.URL{peerListener}
		cfg.InitialCluster = "conferencetest=" + peerListener.String()
		cfg.ZapLoggerBuilder = embed.NewZapLoggerBuilder(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)))
		etcd, err = embed.StartEtcd(cfg)
		if isErrorAddressAlreadyInUse(err) {
			continue
		}

		require.NoError(err)
		break
	}
	require.NotNil(etcd, "could not find free port")

	t.Cleanup(func() {
		etcd.Close()
		<-etcd.Server.StopNotify()
	})
	// Wait for server to be ready.
	<-etcd.Server.ReadyNotify()

	return etcd
}

func newEtcdStoreForTest(t *testing.T) (*embed.Etcd, DescriptorStore) {
	t.Helper()
	etcd := newEtcdForTest(t)

	config := goconf.NewConfigFile()
	config.AddOption("store", "backend", "etcd")
	config.AddOption("store", "endpoints", etcd.Config().ListenClientUrls[0].String())

	store, err := NewDescriptorStore(testLogger(t), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return etcd, store
}

func TestEtcdStoreRequiresEndpoints(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	config := goconf.NewConfigFile()
	config.AddOption("store", "backend", "etcd")
	_, err := NewDescriptorStore(testLogger(t), config)
	assert.Error(err)
}

func TestEtcdStoreRoundtrip(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	_, store := newEtcdStoreForTest(t)

	_, err := store.Get(ctx, "missing@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
	assert.ErrorIs(store.Delete(ctx, "missing@example.org"), ErrNoSuchConference)

	descriptor := newTestDescriptor("etcd@example.org")
	require.NoError(t, store.Put(ctx, descriptor))

	stored, err := store.Get(ctx, "etcd@example.org")
	require.NoError(t, err)
	assert.Equal(descriptor.Address, stored.Address)
	assert.Equal(descriptor.Token, stored.Token)
	assert.Equal(descriptor.Entries, stored.Entries)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(all, 1)

	require.NoError(t, store.Delete(ctx, "etcd@example.org"))
	_, err = store.Get(ctx, "etcd@example.org")
	assert.ErrorIs(err, ErrNoSuchConference)
}

func TestEtcdStoreSkipsInvalidEntries(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()

	etcd, store := newEtcdStoreForTest(t)

	descriptor := newTestDescriptor("valid@example.org")
	require.NoError(t, store.Put(ctx, descriptor))

	// Garbage written by other tooling must not break listing.
	if kv := etcd.Server.KV(); kv != nil {
		kv.Put([]byte("/conferences/garbage@example.org"), []byte("not json"), lease.NoLease)
		kv.Commit()
	}

	assert.Eventually(func() bool {
		all, err := store.ListAll(ctx)
		return err == nil && len(all) == 1
	}, 5*time.Second, 100*time.Millisecond)
}
