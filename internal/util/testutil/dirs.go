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


package testutil

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
)

// libvirtGroups are the groups the qemu process of a system libvirt daemon commonly runs as.
var libvirtGroups = []string{"libvirt", "libvirt-qemu", "kvm", "qemu"}

// PrepareLibvirtDir creates parentDir/name for VM disks and scratch images of integration tests.
// The qemu process of qemu:///system does not run as the test user: every ancestor up to /tmp is
// made traversable and the groups qemu runs as receive an ACL on the directory. Failures are only
// logged, the test fails later with a clearer libvirt error.
func PrepareLibvirtDir(t *testing.T, parentDir, name string) string {
	t.Helper()

	dir := filepath.Join(parentDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating %s: %v", dir, err)
	}

	for d := parentDir; ; d = filepath.Dir(d) {
		if err := os.Chmod(d, 0o755); err != nil {
			t.Logf("chmod %s: %v", d, err)
		}
		if d == "/tmp" || d == filepath.Dir(d) {
			break
		}
	}

	for _, group := range qemuGroups(t) {
		for _, args := range [][]string{
			{"setfacl", "-m", "g:" + group + ":rwx", dir},
			{"setfacl", "-d", "-m", "g:" + group + ":rwx", dir},
		} {
			if out, err := exec.Command("sudo", append([]string{"-n"}, args...)...).CombinedOutput(); err != nil {
				t.Logf("%s: %v: %s", strings.Join(args, " "), err, out)
			}
		}
	}
	return dir
}

// qemuGroups returns the group configured in /etc/libvirt/qemu.conf and the existing groups among
// libvirtGroups.
func qemuGroups(t *testing.T) []string {
	seen := map[string]bool{}
	var out []string
	add := func(g string) {
		if g != "" && !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}

	if b, err := os.ReadFile("/etc/libvirt/qemu.conf"); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if ok && strings.TrimSpace(key) == "group" {
				add(strings.Trim(strings.TrimSpace(value), `"`))
			}
		}
	}
	for _, g := range libvirtGroups {
		if _, err := user.LookupGroup(g); err == nil {
			add(g)
		}
	}

	if len(out) == 0 {
		t.Log("no libvirt group found, relying on directory permissions")
	}
	return out
}
