//go:build integration

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network_test

import (
	"context"
	"testing"

	"github.com/alexandremahdhaoui/imagesmith/pkg/network"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
)

func newManager(t *testing.T) *network.Manager {
	t.Helper()
	conn, err := libvirt.NewConnect("qemu:///system")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = conn.Close() })
	return network.NewManager(conn)
}

func TestManager_Ensure_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	name := "net" + uuid.NewString()[:8]

	cfg := network.Config{Name: name, Mode: network.ModeIsolated, IPAddress: "192.168.231.1"}
	require.NoError(t, mgr.Ensure(ctx, cfg))
	defer func() { _ = mgr.Delete(ctx, name) }()

	// second call is a no-op
	require.NoError(t, mgr.Ensure(ctx, cfg))

	info, err := mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, name, info.Name)
	assert.True(t, info.IsActive)
	assert.Equal(t, network.ModeIsolated, info.Mode)
}

func TestManager_ReserveHost_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	name := "net" + uuid.NewString()[:8]

	require.NoError(t, mgr.Ensure(ctx, network.Config{Name: name, Mode: network.ModeIsolated, IPAddress: "192.168.232.1"}))
	defer func() { _ = mgr.Delete(ctx, name) }()

	host := network.Host{MAC: "52:54:00:12:34:56", IP: "192.168.232.10", Name: "esxi-01"}
	require.NoError(t, mgr.ReserveHost(ctx, name, host))
	require.NoError(t, mgr.ReserveHost(ctx, name, host))

	host.IP = "192.168.232.11"
	require.NoError(t, mgr.ReserveHost(ctx, name, host))

	info, err := mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []network.Host{host}, info.Hosts)
	assert.Equal(t, []network.DNSRecord{{IP: host.IP, Hostnames: []string{host.Name}}}, info.Records)

	require.NoError(t, mgr.ReleaseHost(ctx, name, host.MAC))
	require.NoError(t, mgr.ReleaseHost(ctx, name, host.MAC))

	info, err = mgr.Get(ctx, name)
	require.NoError(t, err)
	assert.Empty(t, info.Hosts)
	assert.Empty(t, info.Records)
}

func TestManager_Delete_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	name := "net" + uuid.NewString()[:8]

	require.NoError(t, mgr.Ensure(ctx, network.Config{Name: name, Mode: network.ModeIsolated, IPAddress: "192.168.233.1"}))
	require.NoError(t, mgr.Delete(ctx, name))
	require.NoError(t, mgr.Delete(ctx, name))

	_, err := mgr.Get(ctx, name)
	assert.ErrorIs(t, err, network.ErrNetworkNotFound)
}
