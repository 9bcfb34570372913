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


package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/network"
	"github.com/alexandremahdhaoui/imagesmith/pkg/pipeline"
	"github.com/alexandremahdhaoui/imagesmith/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"k8s.io/utils/ptr"
)

func authorizedKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "imagesmith.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath
}

func validConfig(t *testing.T) *Config {
	config := NewDefaultConfig()
	config.Version = "6.7"
	config.Image.SearchRoot = "/isos"
	config.Provisioning.SSHPublicKeys = []string{authorizedKey(t)}
	return config
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "/var/lib/imagesmith", config.WorkDir)
	assert.Equal(t, "qemu:///system", config.LibvirtURI)
	assert.Equal(t, time.Hour, config.Exec.Timeout.Duration)
	assert.False(t, config.Exec.Sudo)
	assert.False(t, config.DevelopmentMode)
	assert.Equal(t, ResourcesConfig{MemoryMB: 4096, VCPUSockets: 1, VCPUCores: 2, VCPUThreads: 1, Disk: "40Gi"},
		config.Provisioning.Resources)
	assert.Nil(t, config.Deploy)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	key := authorizedKey(t)
	configPath := writeConfig(t, fmt.Sprintf(`
version: "6.7"
workDir: /srv/imagesmith
name: esxi
developmentMode: true
exec:
  sudo: true
  timeout: 30m
image:
  searchRoot: /isos
  pattern: VMware-VMvisor-Installer-{version}*.x86_64.iso
provisioning:
  hostname: esxi-67
  network:
    gateway: 192.168.150.1
    address: 192.168.150.10
    netmask: 255.255.255.0
  sshPublicKeys:
  - %s
  rootPasswordHash: $6$salt$hash
  resources:
    memoryMB: 8192
    vcpuSockets: 1
    vcpuCores: 4
    vcpuThreads: 1
    disk: 100G
installer:
  bootTimeout: 0
  volumeID: ESXI-67
deploy:
  manageNetwork:
    name: imagesmith
    mode: nat
  waitFor: stopped
  waitTimeout: 1h
  promote:
    pool: default
`, key))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "6.7", config.Version)
	assert.Equal(t, "/srv/imagesmith", config.WorkDir)
	assert.True(t, config.DevelopmentMode)
	assert.True(t, config.Exec.Sudo)
	assert.Equal(t, 30*time.Minute, config.Exec.Timeout.Duration)
	assert.Equal(t, ptr.To(0), config.Installer.BootTimeout)

	r, err := config.Run()
	require.NoError(t, err)

	assert.Equal(t, "esxi", r.Name)
	assert.Equal(t, "/isos", r.Image.SearchRoot)
	assert.Empty(t, r.Image.CacheDir)
	assert.True(t, r.Provisioning.SSHPublicKeys.Has(key))
	assert.Equal(t, types.ResourceSizing{MemoryMB: 8192, VCPUSockets: 1, VCPUCores: 4, VCPUThreads: 1, DiskGB: 94},
		r.Provisioning.Resources)

	assert.Equal(t, 0, r.Boot.Timeout)
	assert.Equal(t, "ks=cdrom:/KS.CFG", r.Boot.KernelArg)
	assert.Equal(t, "ESXI-67", r.Boot.VolumeID)

	require.NotNil(t, r.Deploy)
	assert.Equal(t, &network.Config{Name: "imagesmith", Mode: network.ModeNAT}, r.Deploy.ManageNetwork)
	assert.Equal(t, pipeline.WaitForStopped, r.Deploy.WaitFor)
	assert.Equal(t, time.Hour, r.Deploy.Wait.Timeout)
	assert.Equal(t, &vmm.PromoteOptions{Pool: "default"}, r.Deploy.Promote)
}

func TestLoadConfig_JSON(t *testing.T) {
	configPath := writeConfig(t, fmt.Sprintf(`{
    "version": "1905",
    "image": {"url": "https://cloud.centos.org/centos/7/images/CentOS-7-x86_64-GenericCloud-{version}.qcow2"},
    "provisioning": {"sshPublicKeys": [%q]},
    "sysprep": {"mirror": "http://mirror.centos.org/centos/7/", "update": true}
	}`, authorizedKey(t)))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	r, err := config.Run()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/imagesmith/cache", r.Image.CacheDir)
	assert.Equal(t, uint(40), r.Provisioning.Resources.DiskGB)
	assert.Equal(t, 1, r.Boot.Timeout)
	assert.True(t, r.Sysprep.Update)
	assert.Nil(t, r.Deploy)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "version: [6.7")

	config, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoadConfig_UnknownField(t *testing.T) {
	configPath := writeConfig(t, "version: \"6.7\"\nworkDirectory: /tmp\n")

	_, err := LoadConfig(configPath)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	config, err := LoadConfig("/nonexistent/path/imagesmith.yaml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("IMAGESMITH_VERSION", "7.0")
	t.Setenv("IMAGESMITH_WORK_DIR", "/scratch")
	t.Setenv("IMAGESMITH_LIBVIRT_URI", "qemu:///session")
	t.Setenv("IMAGESMITH_MIRROR", "http://mirror.example/")
	t.Setenv("IMAGESMITH_METRICS_TEXTFILE", "/var/lib/node-exporter/imagesmith.prom")
	t.Setenv("IMAGESMITH_DEV_MODE", "yes")
	t.Setenv("IMAGESMITH_SUDO", "1")

	configPath := writeConfig(t, "version: \"6.7\"\nimage:\n  searchRoot: /isos\n")

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "7.0", config.Version)
	assert.Equal(t, "/scratch", config.WorkDir)
	assert.Equal(t, "qemu:///session", config.LibvirtURI)
	assert.Equal(t, "http://mirror.example/", config.Sysprep.Mirror)
	assert.Equal(t, "/var/lib/node-exporter/imagesmith.prom", config.MetricsTextfile)
	assert.True(t, config.DevelopmentMode)
	assert.True(t, config.Exec.Sudo)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   []string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:   "missing version",
			mutate: func(c *Config) { c.Version = "" },
			want:   []string{"version cannot be empty"},
		},
		{
			name:   "version with separator",
			mutate: func(c *Config) { c.Version = "6.7/../../etc" },
			want:   []string{"must not contain a path separator"},
		},
		{
			name: "both image sources",
			mutate: func(c *Config) {
				c.Image.URL = "https://mirror.example/{version}.iso"
			},
			want: []string{"exactly one of image.searchRoot or image.url"},
		},
		{
			name:   "invalid ssh key",
			mutate: func(c *Config) { c.Provisioning.SSHPublicKeys = append(c.Provisioning.SSHPublicKeys, "ssh-rsa notbase64") },
			want:   []string{"provisioning.sshPublicKeys[1]"},
		},
		{
			name:   "invalid disk",
			mutate: func(c *Config) { c.Provisioning.Resources.Disk = "forty" },
			want:   []string{"provisioning.resources.disk"},
		},
		{
			name:   "zero disk",
			mutate: func(c *Config) { c.Provisioning.Resources.Disk = "0" },
			want:   []string{"must be positive"},
		},
		{
			name:   "negative boot timeout",
			mutate: func(c *Config) { c.Installer.BootTimeout = ptr.To(-1) },
			want:   []string{"installer.bootTimeout"},
		},
		{
			name: "managed network",
			mutate: func(c *Config) {
				c.Deploy = &DeployConfig{ManageNetwork: &NetworkConfig{Mode: "routed"}}
			},
			want: []string{"deploy.manageNetwork.name", `unknown deploy.manageNetwork.mode "routed"`},
		},
		{
			name: "promote without pool",
			mutate: func(c *Config) {
				c.Deploy = &DeployConfig{Promote: &PromoteConfig{}}
			},
			want: []string{"deploy.promote requires a pool"},
		},
		{
			name: "every problem is reported",
			mutate: func(c *Config) {
				c.Version = ""
				c.WorkDir = ""
				c.Image.SearchRoot = ""
			},
			want: []string{"version cannot be empty", "workDir cannot be empty", "exactly one of"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig(t)
			tt.mutate(config)

			err := config.Validate()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.want {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}

func TestConfig_RunValidatesDeploy(t *testing.T) {
	config := validConfig(t)
	config.Deploy = &DeployConfig{WaitFor: "ssh"}

	_, err := config.Run()
	assert.ErrorIs(t, err, pipeline.ErrInvalidRun)
	assert.ErrorContains(t, err, "requires a private key")
}
