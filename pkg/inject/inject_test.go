//go:build unit

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

package inject

import (
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	testKey  = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQC7 user@example"
	testHash = "$6$rounds=4096$saltsalt$Hk3sB4V1mKx0c3bZz9y2Q1wE7rT6uY5iO4pA3sD2fG1hJ0kL9zX8cV7bN6mM5qW4eR3tY2uI1oP0aS9dF8gH7j"
)

func newConfig() types.ProvisioningConfig {
	return types.ProvisioningConfig{
		Hostname: "host1",
		Network: types.NetworkParams{
			Gateway: "10.0.0.1",
			Address: "10.0.0.5",
			Netmask: "255.255.255.0",
		},
		SSHPublicKeys:    sets.New(testKey),
		RootPasswordHash: testHash,
	}
}

func TestRender_AnswerFile(t *testing.T) {
	set, err := Render(KindAnswerFile, newConfig(), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	a, ok := set.Get(AnswerFilePath)
	require.True(t, ok)
	assert.Equal(t, uint32(0o644), a.Mode)

	lines := strings.Split(string(a.Content), "\n")
	assert.Equal(t, []string{
		"vmaccepteula",
		"rootpw --iscrypted " + testHash,
		"install --firstdisk --overwritevmfs",
		"#network --bootproto=static --device=vmnic0 --ip=10.0.0.5 --netmask=255.255.255.0 --gateway=10.0.0.1 --hostname=host1",
		"reboot",
		"",
		"%post --interpreter=busybox",
	}, lines[:7])

	content := string(a.Content)
	post := strings.Index(content, "%post --interpreter=busybox\n")
	firstBoot := strings.Index(content, "%firstboot --interpreter=busybox\n")
	require.NotEqual(t, -1, firstBoot)
	assert.Less(t, post, firstBoot)
	assert.Contains(t, content, "vm_add_key 'ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQC7 user@example'")
}

func TestRender_AnswerFileDHCP(t *testing.T) {
	cfg := newConfig()
	cfg.Network = types.NetworkParams{}

	content, err := AnswerFile(cfg, Options{InstallTarget: "--disk=mpx.vmhba0:C0:T0:L0"})
	require.NoError(t, err)
	assert.Contains(t, content, "install --disk=mpx.vmhba0:C0:T0:L0 --overwritevmfs\n")
	assert.Contains(t, content, "#network --bootproto=dhcp --device=vmnic0\n")
}

func TestRender_RejectsUnsafeDirectives(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.ProvisioningConfig, *Options)
	}{
		{
			name:   "empty hash",
			mutate: func(c *types.ProvisioningConfig, _ *Options) { c.RootPasswordHash = "" },
		},
		{
			name: "hash with a newline",
			mutate: func(c *types.ProvisioningConfig, _ *Options) {
				c.RootPasswordHash = "$6$x$y\ninstall --overwritevmfs --disk=other"
			},
		},
		{
			name:   "hash with a space",
			mutate: func(c *types.ProvisioningConfig, _ *Options) { c.RootPasswordHash = "abc def" },
		},
		{
			name:   "install target injection",
			mutate: func(_ *types.ProvisioningConfig, o *Options) { o.InstallTarget = "--firstdisk; rm -rf /" },
		},
		{
			name:   "invalid address",
			mutate: func(c *types.ProvisioningConfig, _ *Options) { c.Network.Address = "10.0.0.5 --ip=1.2.3.4" },
		},
		{
			name:   "hostname with a newline",
			mutate: func(c *types.ProvisioningConfig, _ *Options) { c.Hostname = "host1\nreboot" },
		},
		{
			name:   "post command does not parse",
			mutate: func(_ *types.ProvisioningConfig, o *Options) { o.PostCommands = []string{"if true; then"} },
		},
		{
			name:   "key marker with a space",
			mutate: func(_ *types.ProvisioningConfig, o *Options) { o.KeyMarkers = []string{"ssh-rsa x"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig()
			opts := Options{}
			tt.mutate(&cfg, &opts)

			_, err := Render(KindAnswerFile, cfg, opts)
			assert.ErrorIs(t, err, ErrRender)
		})
	}
}

func TestRender_UnknownKind(t *testing.T) {
	_, err := Render(Kind("unattend.xml"), newConfig(), Options{})
	assert.ErrorIs(t, err, ErrRender)
}

func TestFirstBootSteps(t *testing.T) {
	var names []string
	for _, s := range FirstBootSteps() {
		names = append(names, s.Name)
		assert.Equal(t, Continue, s.OnError, s.Name)
	}
	assert.Equal(t, []string{
		"enable-remote-admin",
		"read-metadata",
		"configure-network",
		"install-ssh-keys",
		"enable-nested-virtualization",
		"unmount-metadata",
		"halt",
	}, names)

	script, err := FirstBootScript(newConfig(), Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(script,
		"vm_step enable-remote-admin continue vm_enable_services\n"+
			"vm_step read-metadata continue vm_read_metadata\n"+
			"vm_step configure-network continue vm_configure_network\n"+
			"vm_step install-ssh-keys continue vm_install_keys\n"+
			"vm_step enable-nested-virtualization continue vm_enable_nested\n"+
			"vm_step unmount-metadata continue vm_unmount_metadata\n"+
			"vm_step halt continue vm_halt\n"))
	assert.NotContains(t, script, "set -e")
}

func TestRender_RepoDefinitions(t *testing.T) {
	cfg := newConfig()
	cfg.Repos = []types.RepoDefinition{
		{Name: "base", BaseURL: "http://mirror.example.com/centos/7/os/$basearch/", GPGCheck: true},
		{Name: "epel-7", BaseURL: "https://mirror.example.com/epel/7/x86_64/"},
	}

	set, err := Render(KindRepoDefinitions, cfg, Options{})
	require.NoError(t, err)

	items := set.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "etc/yum.repos.d/base.repo", items[0].RelativePath)
	assert.Equal(t, "etc/yum.repos.d/epel-7.repo", items[1].RelativePath)
	assert.Equal(t,
		"[base]\nname=base\nbaseurl=http://mirror.example.com/centos/7/os/$basearch/\nenabled=1\ngpgcheck=1\n",
		string(items[0].Content))
	assert.Contains(t, string(items[1].Content), "gpgcheck=0\n")
}

func TestRender_RepoDefinitionsInvalid(t *testing.T) {
	tests := []struct {
		name string
		repo types.RepoDefinition
	}{
		{name: "path traversal", repo: types.RepoDefinition{Name: "../../etc/passwd", BaseURL: "http://m/"}},
		{name: "dot name", repo: types.RepoDefinition{Name: "..", BaseURL: "http://m/"}},
		{name: "space in name", repo: types.RepoDefinition{Name: "my repo", BaseURL: "http://m/"}},
		{name: "relative url", repo: types.RepoDefinition{Name: "base", BaseURL: "mirror/centos"}},
		{name: "unsupported scheme", repo: types.RepoDefinition{Name: "base", BaseURL: "javascript://x"}},
		{name: "missing host", repo: types.RepoDefinition{Name: "base", BaseURL: "http:///centos"}},
		{name: "newline in url", repo: types.RepoDefinition{Name: "base", BaseURL: "http://m/\n[evil]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig()
			cfg.Repos = []types.RepoDefinition{tt.repo}
			_, err := Render(KindRepoDefinitions, cfg, Options{})
			assert.ErrorIs(t, err, ErrRender)
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		cfg := newConfig()
		cfg.Repos = []types.RepoDefinition{
			{Name: "base", BaseURL: "http://m/a"},
			{Name: "base", BaseURL: "http://m/b"},
		}
		_, err := Render(KindRepoDefinitions, cfg, Options{})
		assert.ErrorIs(t, err, ErrRender)
	})
}

func TestRender_GuestNetwork(t *testing.T) {
	set, err := Render(KindGuestNetwork, newConfig(), Options{})
	require.NoError(t, err)

	a, ok := set.Get("etc/sysconfig/network-scripts/ifcfg-eth0")
	require.True(t, ok)
	assert.Equal(t, strings.Join([]string{
		"DEVICE=eth0",
		"NAME=eth0",
		"TYPE=Ethernet",
		"ONBOOT=yes",
		"BOOTPROTO=none",
		"IPADDR=10.0.0.5",
		"NETMASK=255.255.255.0",
		"GATEWAY=10.0.0.1",
		"",
	}, "\n"), string(a.Content))
}

func TestRender_GuestNetworkDHCP(t *testing.T) {
	cfg := newConfig()
	cfg.Network = types.NetworkParams{}

	set, err := Render(KindGuestNetwork, cfg, Options{GuestInterface: "ens3"})
	require.NoError(t, err)

	a, ok := set.Get("etc/sysconfig/network-scripts/ifcfg-ens3")
	require.True(t, ok)
	assert.Contains(t, string(a.Content), "BOOTPROTO=dhcp\n")
	assert.NotContains(t, string(a.Content), "IPADDR")
}

func TestRender_GuestNetworkInvalid(t *testing.T) {
	for name, tt := range map[string]struct {
		iface   string
		network types.NetworkParams
	}{
		"hostile address":   {network: types.NetworkParams{Address: "10.0.0.5; reboot", Netmask: "255.255.255.0", Gateway: "10.0.0.1"}},
		"missing gateway":   {network: types.NetworkParams{Address: "10.0.0.5", Netmask: "255.255.255.0"}},
		"ipv6":              {network: types.NetworkParams{Address: "fd00::5", Netmask: "255.255.255.0", Gateway: "fd00::1"}},
		"interface escapes": {iface: "../eth0"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := newConfig()
			if tt.network != (types.NetworkParams{}) {
				cfg.Network = tt.network
			}
			_, err := Render(KindGuestNetwork, cfg, Options{GuestInterface: tt.iface})
			assert.ErrorIs(t, err, ErrRender)
		})
	}
}
