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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const esxcfgMpathOutput = `mpx.vmhba0:C0:T0:L0 : Local VMware Disk (mpx.vmhba0:C0:T0:L0)
   vmhba0:C0:T0:L0 LUN:0 state:active Local HBA vmhba0 channel 0 target 0
mpx.vmhba32:C0:T0:L0 : Local NECVMWar CD-ROM (mpx.vmhba32:C0:T0:L0)
   vmhba32:C0:T0:L0 LUN:0 state:active Local HBA vmhba32 channel 0 target 0
`

// installer ISO on target 0, cidata on target 1.
const esxcfgMpathTwoCDROMs = `mpx.vmhba0:C0:T0:L0 : Local VMware Disk (mpx.vmhba0:C0:T0:L0)
   vmhba0:C0:T0:L0 LUN:0 state:active Local HBA vmhba0 channel 0 target 0
mpx.vmhba32:C0:T0:L0 : Local NECVMWar CD-ROM (mpx.vmhba32:C0:T0:L0)
   vmhba32:C0:T0:L0 LUN:0 state:active Local HBA vmhba32 channel 0 target 0
mpx.vmhba32:C0:T1:L0 : Local NECVMWar CD-ROM (mpx.vmhba32:C0:T1:L0)
   vmhba32:C0:T1:L0 LUN:0 state:active Local HBA vmhba32 channel 0 target 1
`

// guest simulates the ESXi commands the first-boot script calls. Mounting the cidata device
// materializes metaData and userData in metaDir.
type guest struct {
	metaDir  string
	metaData string
	userData string
	// failing makes every call of the named command exit with status 1.
	failing map[string]bool
	// mpath and cidata default to esxcfgMpathOutput and its only CD-ROM. Other CD-ROMs listed in
	// mpath mount without exposing metadata.
	mpath  string
	cidata string

	mu    sync.Mutex
	calls [][]string
}

func (g *guest) handler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		g.mu.Lock()
		g.calls = append(g.calls, append([]string(nil), args...))
		g.mu.Unlock()

		if g.failing[args[0]] {
			return interp.NewExitStatus(1)
		}

		switch args[0] {
		case "esxcfg-mpath":
			mpath := g.mpath
			if mpath == "" {
				mpath = esxcfgMpathOutput
			}
			_, _ = fmt.Fprint(interp.HandlerCtx(ctx).Stdout, mpath)
		case "vsish":
			if len(args) == 5 && args[3] == "/vmkModules/iso9660/mount" {
				cidata := g.cidata
				if cidata == "" {
					cidata = "mpx.vmhba32:C0:T0:L0"
				}
				if args[4] != cidata {
					if g.mpath != "" && strings.Contains(g.mpath, args[4]+" : ") {
						return nil
					}
					return interp.NewExitStatus(2)
				}
				if err := os.MkdirAll(g.metaDir, 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(g.metaDir, "meta-data"), []byte(g.metaData), 0o644); err != nil {
					return err
				}
				return os.WriteFile(filepath.Join(g.metaDir, "user-data"), []byte(g.userData), 0o644)
			}
		case "vim-cmd", "vmkload_mod", "esxcli", "halt":
		default:
			return fmt.Errorf("unexpected command %q", args[0])
		}
		return nil
	}
}

func (g *guest) callsTo(name string) [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out [][]string
	for _, c := range g.calls {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

func (g *guest) names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		out = append(out, c[0])
	}
	return out
}

// firstBootSection returns the body of the %firstboot section of an answer file.
func firstBootSection(t *testing.T, answerFile string) string {
	t.Helper()
	const marker = "%firstboot --interpreter=busybox\n"
	i := strings.Index(answerFile, marker)
	require.NotEqual(t, -1, i, "answer file has no %firstboot section")
	return answerFile[i+len(marker):]
}

func runScript(t *testing.T, script string, g *guest) string {
	t.Helper()
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "firstboot")
	require.NoError(t, err)

	var out bytes.Buffer
	r, err := interp.New(
		interp.StdIO(nil, &out, &out),
		interp.ExecHandlers(g.handler),
	)
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), file), out.String())
	return out.String()
}

type guestPaths struct {
	opts           Options
	metaDir        string
	authorizedKeys string
	vmwareConfig   string
}

func newGuestPaths(t *testing.T) guestPaths {
	t.Helper()
	root := t.TempDir()
	p := guestPaths{
		metaDir:        filepath.Join(root, "vmfs", "volumes", "cidata"),
		authorizedKeys: filepath.Join(root, "authorized_keys"),
		vmwareConfig:   filepath.Join(root, "config"),
	}
	p.opts = Options{
		MetadataDir:        p.metaDir,
		AuthorizedKeysPath: p.authorizedKeys,
		VMwareConfigPath:   p.vmwareConfig,
	}
	require.NoError(t, os.WriteFile(p.vmwareConfig, []byte("libdir = \"/usr/lib/vmware\"\n"), 0o644))
	return p
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func countLines(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func TestFirstBoot_EndToEnd(t *testing.T) {
	paths := newGuestPaths(t)
	cfg := newConfig()

	set, err := Render(KindAnswerFile, cfg, paths.opts)
	require.NoError(t, err)
	ks, ok := set.Get(AnswerFilePath)
	require.True(t, ok)
	script := firstBootSection(t, string(ks.Content))

	g := &guest{
		metaDir:  paths.metaDir,
		metaData: "instance-id: host1\nhostname: host1\ngateway: 10.0.0.1\naddress: 10.0.0.5\nnetmask: 255.255.255.0\n",
		userData: "#cloud-config\nssh_authorized_keys:\n- " + testKey + "\n",
	}
	out := runScript(t, script, g)

	assert.Contains(t, out, "metadata hostname=host1 gateway=10.0.0.1 address=10.0.0.5 netmask=255.255.255.0")

	assert.Equal(t, [][]string{
		{"esxcli", "system", "hostname", "set", "--fqdn=host1"},
		{"esxcli", "network", "ip", "interface", "ipv4", "set", "--interface-name=vmk0", "--type=static",
			"--ipv4=10.0.0.5", "--netmask=255.255.255.0"},
		{"esxcli", "network", "ip", "route", "ipv4", "add", "--gateway=10.0.0.1", "--network=default"},
	}, g.callsTo("esxcli"))

	keys := readLines(t, paths.authorizedKeys)
	assert.Equal(t, []string{testKey}, keys)
	assert.Equal(t, 1, countLines(keys, "ssh-rsa "))

	assert.Equal(t, 1, countLines(readLines(t, paths.vmwareConfig), NestedVirtualizationFlag))

	assert.Equal(t, [][]string{
		{"vsish", "-e", "set", "/vmkModules/iso9660/mount", "mpx.vmhba32:C0:T0:L0"},
		{"vsish", "-e", "set", "/vmkModules/iso9660/umount", "mpx.vmhba32:C0:T0:L0"},
	}, g.callsTo("vsish"))

	names := g.names()
	require.NotEmpty(t, names)
	assert.Equal(t, "halt", names[len(names)-1])

	var started []string
	for _, line := range strings.Split(out, "\n") {
		if name, ok := strings.CutPrefix(line, "firstboot: step "); ok && strings.HasSuffix(name, ": start") {
			started = append(started, strings.TrimSuffix(name, ": start"))
		}
	}
	var expected []string
	for _, s := range FirstBootSteps() {
		expected = append(expected, s.Name)
	}
	assert.Equal(t, expected, started)
}

func TestFirstBoot_SecondRunIsIdempotent(t *testing.T) {
	paths := newGuestPaths(t)
	script, err := FirstBootScript(newConfig(), paths.opts)
	require.NoError(t, err)

	g := &guest{
		metaDir:  paths.metaDir,
		metaData: "hostname: host1\n",
		userData: "ssh_authorized_keys:\n  - " + testKey + "\n",
	}
	runScript(t, script, g)
	runScript(t, script, g)

	assert.Equal(t, []string{testKey}, readLines(t, paths.authorizedKeys))
	assert.Equal(t, 1, countLines(readLines(t, paths.vmwareConfig), NestedVirtualizationFlag))
}

func TestFirstBoot_KeepsGoingOnFailure(t *testing.T) {
	paths := newGuestPaths(t)
	script, err := FirstBootScript(newConfig(), paths.opts)
	require.NoError(t, err)

	g := &guest{
		metaDir:  paths.metaDir,
		metaData: "hostname: host1\n",
		userData: testKey + "\n",
		failing:  map[string]bool{"vim-cmd": true, "esxcli": true, "vmkload_mod": true},
	}
	out := runScript(t, script, g)

	assert.Contains(t, out, "firstboot: step enable-remote-admin: failed with status 1")
	assert.Contains(t, out, "firstboot: step configure-network: failed with status 1")
	assert.Len(t, g.callsTo("vim-cmd"), 4)
	assert.Len(t, g.callsTo("esxcli"), 3)
	assert.Equal(t, []string{testKey}, readLines(t, paths.authorizedKeys))
	assert.Len(t, g.callsTo("halt"), 1)
}

func TestFirstBoot_MetadataVolumeMissing(t *testing.T) {
	paths := newGuestPaths(t)
	script, err := FirstBootScript(newConfig(), paths.opts)
	require.NoError(t, err)

	g := &guest{
		metaDir: paths.metaDir,
		failing: map[string]bool{"esxcfg-mpath": true},
	}
	out := runScript(t, script, g)

	assert.Contains(t, out, "firstboot: step read-metadata: failed with status 1")
	assert.Contains(t, g.callsTo("esxcli"), []string{"esxcli", "system", "hostname", "set", "--fqdn=host1"})
	assert.Equal(t, []string{testKey}, readLines(t, paths.authorizedKeys))
	assert.Len(t, g.callsTo("halt"), 1)
}

func TestFirstBoot_MetadataOnSecondCDROM(t *testing.T) {
	paths := newGuestPaths(t)
	script, err := FirstBootScript(newConfig(), paths.opts)
	require.NoError(t, err)

	g := &guest{
		metaDir:  paths.metaDir,
		metaData: "hostname: host2\ngateway: 10.0.0.1\naddress: 10.0.0.6\nnetmask: 255.255.255.0\n",
		userData: testKey + "\n",
		mpath:    esxcfgMpathTwoCDROMs,
		cidata:   "mpx.vmhba32:C0:T1:L0",
	}
	out := runScript(t, script, g)

	assert.NotContains(t, out, "firstboot: step read-metadata: failed")
	assert.Contains(t, out, "metadata hostname=host2 gateway=10.0.0.1 address=10.0.0.6 netmask=255.255.255.0")
	assert.Equal(t, [][]string{
		{"vsish", "-e", "set", "/vmkModules/iso9660/mount", "mpx.vmhba32:C0:T0:L0"},
		{"vsish", "-e", "set", "/vmkModules/iso9660/umount", "mpx.vmhba32:C0:T0:L0"},
		{"vsish", "-e", "set", "/vmkModules/iso9660/mount", "mpx.vmhba32:C0:T1:L0"},
		{"vsish", "-e", "set", "/vmkModules/iso9660/umount", "mpx.vmhba32:C0:T1:L0"},
	}, g.callsTo("vsish"))
	assert.Contains(t, g.callsTo("esxcli"), []string{"esxcli", "system", "hostname", "set", "--fqdn=host2"})
	assert.Equal(t, []string{testKey}, readLines(t, paths.authorizedKeys))
}

func TestFirstBoot_QuotesConfigValues(t *testing.T) {
	paths := newGuestPaths(t)
	hostile := `host1"; halt; echo "$(halt)`
	hostileKey := "ssh-rsa AAAAB3NzaC1yc2E user@example'$(halt)`halt`"

	cfg := types.ProvisioningConfig{
		Hostname:         hostile,
		SSHPublicKeys:    sets.New(hostileKey),
		RootPasswordHash: testHash,
	}
	script, err := FirstBootScript(cfg, paths.opts)
	require.NoError(t, err)

	g := &guest{metaDir: paths.metaDir, failing: map[string]bool{"esxcfg-mpath": true}}
	runScript(t, script, g)

	assert.Len(t, g.callsTo("halt"), 1)
	assert.Equal(t, [][]string{{"esxcli", "system", "hostname", "set", "--fqdn=" + hostile}}, g.callsTo("esxcli"))
	assert.Equal(t, []string{hostileKey}, readLines(t, paths.authorizedKeys))
}

func TestFirstBoot_KeyMarkers(t *testing.T) {
	paths := newGuestPaths(t)
	script, err := FirstBootScript(newConfig(), paths.opts)
	require.NoError(t, err)

	ed25519 := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIE operator@example"
	g := &guest{
		metaDir: paths.metaDir,
		userData: "#cloud-config\n" +
			"ssh_authorized_keys:\n" +
			"- '" + ed25519 + "'\n" +
			"- " + testKey + "\r\n" +
			"users: []\n",
	}
	runScript(t, script, g)

	assert.Equal(t, []string{ed25519, testKey}, readLines(t, paths.authorizedKeys))
}
