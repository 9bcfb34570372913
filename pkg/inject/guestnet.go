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
	"fmt"
	"net/netip"
	"path"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
)

// NetworkScriptsDir is the guest directory holding interface configurations.
const NetworkScriptsDir = "etc/sysconfig/network-scripts"

var interfaceRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,15}$`)

func renderGuestNetwork(cfg types.ProvisioningConfig, opts Options) (*types.ArtifactSet, error) {
	content, err := IfcfgFile(opts.GuestInterface, cfg.Network)
	if err != nil {
		return nil, err
	}

	set := types.NewArtifactSet()
	if err := set.Add(types.Artifact{
		RelativePath: path.Join(NetworkScriptsDir, "ifcfg-"+opts.GuestInterface),
		Content:      []byte(content),
		Mode:         0o644,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return set, nil
}

// IfcfgFile renders the configuration of iface. An empty address selects DHCP.
func IfcfgFile(iface string, params types.NetworkParams) (string, error) {
	if !interfaceRegex.MatchString(iface) {
		return "", fmt.Errorf("%w: invalid interface name %q", ErrRender, iface)
	}

	values := [][2]string{
		{"DEVICE", iface},
		{"NAME", iface},
		{"TYPE", "Ethernet"},
		{"ONBOOT", "yes"},
	}

	if params.Address == "" {
		values = append(values, [2]string{"BOOTPROTO", "dhcp"})
	} else {
		for _, f := range [][2]string{
			{"address", params.Address},
			{"netmask", params.Netmask},
			{"gateway", params.Gateway},
		} {
			if addr, err := netip.ParseAddr(f[1]); err != nil || !addr.Is4() {
				return "", fmt.Errorf("%w: network %s %q is not an IPv4 address", ErrRender, f[0], f[1])
			}
		}
		values = append(values,
			[2]string{"BOOTPROTO", "none"},
			[2]string{"IPADDR", params.Address},
			[2]string{"NETMASK", params.Netmask},
			[2]string{"GATEWAY", params.Gateway},
		)
	}

	// network-scripts source the file
	b := new(strings.Builder)
	for _, kv := range values {
		q, err := quote(kv[1])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(b, "%s=%s\n", kv[0], q)
	}
	if err := validateScript("ifcfg", b.String()); err != nil {
		return "", err
	}
	return b.String(), nil
}
