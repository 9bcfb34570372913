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

package cloudinit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/internal/util/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

const testKey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQC7 user@example"

func newConfig() types.ProvisioningConfig {
	return types.ProvisioningConfig{
		Hostname: "host1",
		Network: types.NetworkParams{
			Gateway: "10.0.0.1",
			Address: "10.0.0.5",
			Netmask: "255.255.255.0",
		},
		SSHPublicKeys: sets.New(testKey),
	}
}

func TestFromConfig(t *testing.T) {
	md, ud := FromConfig("esxi-6-7-1a2b3c4d", newConfig(), "")

	metaData, err := md.Render()
	require.NoError(t, err)
	assert.Equal(t, "instance-id: esxi-6-7-1a2b3c4d\n"+
		"local-hostname: host1\n"+
		"hostname: host1\n"+
		"gateway: 10.0.0.1\n"+
		"address: 10.0.0.5\n"+
		"netmask: 255.255.255.0\n", metaData)

	userData, err := ud.Render()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(userData, "#cloud-config\n"))
	assert.Contains(t, userData, "- "+testKey+"\n")
	assert.NotContains(t, userData, "users:")
}

func TestFromConfig_WithUser(t *testing.T) {
	_, ud := FromConfig("centos-7", newConfig(), "centos")

	require.Len(t, ud.Users, 1)
	assert.Equal(t, "centos", ud.Users[0].Name)
	assert.Equal(t, []string{testKey}, ud.Users[0].SSHAuthorizedKeys)

	userData, err := ud.Render()
	require.NoError(t, err)
	assert.Contains(t, userData, "name: centos")
}

func TestUserData_LongKeyStaysOnOneLine(t *testing.T) {
	longKey := "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQ" + strings.Repeat("x", 400) + " user@host"
	cfg := newConfig()
	cfg.SSHPublicKeys = sets.New(longKey)
	_, ud := FromConfig("vm", cfg, "centos")

	userData, err := ud.Render()
	require.NoError(t, err)
	assert.Contains(t, userData, "- "+longKey+"\n")
	for _, line := range strings.Split(userData, "\n") {
		assert.NotEqual(t, "user@host", strings.TrimSpace(line))
	}
}

func TestUserData_PowerOffWhenDone(t *testing.T) {
	_, ud := FromConfig("vm", newConfig(), "")
	userData, err := ud.Render()
	require.NoError(t, err)
	assert.NotContains(t, userData, "power_state")

	ud.PowerOffWhenDone()
	userData, err = ud.Render()
	require.NoError(t, err)
	assert.Contains(t, userData, "power_state:\n")
	assert.Contains(t, userData, "  mode: poweroff\n")
	assert.Contains(t, userData, "  delay: now\n")
}

func TestMetaData_RejectsMultiline(t *testing.T) {
	_, err := MetaData{Hostname: "host1\naddress: 6.6.6.6"}.Render()
	assert.ErrorIs(t, err, ErrRenderMetaData)
}

func TestWriteVolume(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cidata")
	iso := filepath.Join(t.TempDir(), "vm-cidata.iso")
	runner := &testutil.FakeRunner{}
	md, ud := FromConfig("vm", newConfig(), "")

	require.NoError(t, WriteVolume(context.Background(), runner, dir, iso, md, ud))

	calls := runner.CallsTo("genisoimage")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-output", iso, "-volid", "cidata", "-joliet", "-R", dir}, calls[0].Args)

	b, err := os.ReadFile(filepath.Join(dir, MetaDataFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hostname: host1\n")
	assert.FileExists(t, filepath.Join(dir, UserDataFile))
}

func TestWriteVolume_ToolFailure(t *testing.T) {
	runner := &testutil.FakeRunner{Handler: func(string, []string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}}
	md, ud := FromConfig("vm", newConfig(), "")

	err := WriteVolume(context.Background(), runner, t.TempDir(), "out.iso", md, ud)
	assert.ErrorIs(t, err, ErrCreateVolume)
}
