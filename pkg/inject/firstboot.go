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
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
)

// DefaultKeyMarkers are the key types the first-boot script looks for in user-data.
var DefaultKeyMarkers = []string{
	"ssh-rsa",
	"ssh-ed25519",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
}

// Options holds the guest-side paths and installer settings of the answer file.
type Options struct {
	// InstallTarget is the disk directive of the install command, e.g. "--firstdisk" or
	// "--disk=mpx.vmhba0:C0:T0:L0".
	InstallTarget string
	// MetadataDir is where the cidata volume is mounted inside the guest.
	MetadataDir string
	// MetaDataFile and UserDataFile are relative to MetadataDir.
	MetaDataFile string
	UserDataFile string
	// AuthorizedKeysPath receives the keys found in user-data.
	AuthorizedKeysPath string
	// VMwareConfigPath receives the nested virtualization flag.
	VMwareConfigPath string
	// Interface is the VMkernel interface configured with the static address.
	Interface  string
	KeyMarkers []string
	// GuestInterface is the interface of a disk image guest configured by KindGuestNetwork.
	GuestInterface string
	// PostCommands are appended verbatim to the %post section. Each must parse as shell.
	PostCommands []string
}

func (o Options) withDefaults() Options {
	if o.InstallTarget == "" {
		o.InstallTarget = "--firstdisk"
	}
	if o.MetadataDir == "" {
		o.MetadataDir = "/vmfs/volumes/cidata"
	}
	if o.MetaDataFile == "" {
		o.MetaDataFile = "meta-data"
	}
	if o.UserDataFile == "" {
		o.UserDataFile = "user-data"
	}
	if o.AuthorizedKeysPath == "" {
		o.AuthorizedKeysPath = "/etc/ssh/keys-root/authorized_keys"
	}
	if o.VMwareConfigPath == "" {
		o.VMwareConfigPath = "/etc/vmware/config"
	}
	if o.Interface == "" {
		o.Interface = "vmk0"
	}
	if o.GuestInterface == "" {
		o.GuestInterface = "eth0"
	}
	if len(o.KeyMarkers) == 0 {
		o.KeyMarkers = DefaultKeyMarkers
	}
	return o
}

// NestedVirtualizationFlag is appended once to the VMware config.
const NestedVirtualizationFlag = `vhv.enable = "TRUE"`

// OnError is the policy applied when a first-boot step fails.
type OnError string

const (
	Continue OnError = "continue"
	Abort    OnError = "abort"
)

// Step is one state of the first-boot script. Steps run in slice order.
type Step struct {
	Name string
	// Function is the shell function implementing the step.
	Function string
	OnError  OnError
}

// FirstBootSteps is the ordered list of first-boot states. None aborts the script: a guest that
// stops at the metadata step would keep an unconfigured network and be unreachable.
func FirstBootSteps() []Step {
	return []Step{
		{Name: "enable-remote-admin", Function: "vm_enable_services", OnError: Continue},
		{Name: "read-metadata", Function: "vm_read_metadata", OnError: Continue},
		{Name: "configure-network", Function: "vm_configure_network", OnError: Continue},
		{Name: "install-ssh-keys", Function: "vm_install_keys", OnError: Continue},
		{Name: "enable-nested-virtualization", Function: "vm_enable_nested", OnError: Continue},
		{Name: "unmount-metadata", Function: "vm_unmount_metadata", OnError: Continue},
		{Name: "halt", Function: "vm_halt", OnError: Continue},
	}
}

// firstBootLibrary holds the step implementations. Settings are read from the variables assigned
// in the script prelude. Only shell builtins are used to parse files.
const firstBootLibrary = `
vm_log() {
	printf 'firstboot: %s\n' "$*"
}

vm_step() {
	vm_step_name=$1
	vm_step_policy=$2
	shift 2
	vm_log "step $vm_step_name: start"
	"$@"
	vm_rc=$?
	if [ "$vm_rc" -eq 0 ]; then
		vm_log "step $vm_step_name: ok"
		return 0
	fi
	vm_log "step $vm_step_name: failed with status $vm_rc"
	if [ "$vm_step_policy" = abort ]; then
		exit "$vm_rc"
	fi
	return 0
}

vm_trim() {
	vm_trimmed=$1
	vm_trimmed=${vm_trimmed%"$(printf '\r')"}
	vm_trimmed=${vm_trimmed#"${vm_trimmed%%[! 	]*}"}
	vm_trimmed=${vm_trimmed%"${vm_trimmed##*[! 	]}"}
}

# vm_meta_get KEY FILE sets vm_value to the value of the first "KEY: value" line of FILE.
vm_meta_get() {
	[ -r "$2" ] || return 1
	while IFS= read -r vm_line || [ -n "$vm_line" ]; do
		case "$vm_line" in
		"$1:"*)
			vm_trim "${vm_line#"$1:"}"
			vm_value=$vm_trimmed
			return 0
			;;
		esac
	done < "$2"
	return 1
}

# vm_mount_metadata tries each CD-ROM in turn. The installer ISO may be attached ahead of cidata.
vm_mount_metadata() {
	vm_device=
	vm_paths=$(esxcfg-mpath -b) || return 1
	vm_cdroms=
	while IFS= read -r vm_line; do
		case "$vm_line" in
		*CD-ROM*)
			vm_cdroms="$vm_cdroms ${vm_line%% *}"
			;;
		esac
	done <<EOF
$vm_paths
EOF
	for vm_cdrom in $vm_cdroms; do
		vsish -e set /vmkModules/iso9660/mount "$vm_cdrom" || continue
		if [ -r "$vm_meta_file" ]; then
			vm_device=$vm_cdrom
			return 0
		fi
		vsish -e set /vmkModules/iso9660/umount "$vm_cdrom"
	done
	return 1
}

vm_enable_services() {
	vm_status=0
	vim-cmd hostsvc/enable_ssh || vm_status=$?
	vim-cmd hostsvc/start_ssh || vm_status=$?
	vim-cmd hostsvc/enable_esx_shell || vm_status=$?
	vim-cmd hostsvc/start_esx_shell || vm_status=$?
	return "$vm_status"
}

vm_read_metadata() {
	if [ ! -r "$vm_meta_file" ]; then
		vmkload_mod iso9660
		vm_mount_metadata || return 1
	fi
	vm_status=0
	if vm_meta_get hostname "$vm_meta_file"; then vm_hostname=$vm_value; else vm_status=1; fi
	if vm_meta_get gateway "$vm_meta_file"; then vm_gateway=$vm_value; else vm_status=1; fi
	if vm_meta_get address "$vm_meta_file"; then vm_address=$vm_value; else vm_status=1; fi
	if vm_meta_get netmask "$vm_meta_file"; then vm_netmask=$vm_value; else vm_status=1; fi
	vm_log "metadata hostname=$vm_hostname gateway=$vm_gateway address=$vm_address netmask=$vm_netmask"
	return "$vm_status"
}

vm_configure_network() {
	vm_status=0
	if [ -n "$vm_hostname" ]; then
		esxcli system hostname set --fqdn="$vm_hostname" || vm_status=$?
	fi
	if [ -n "$vm_address" ] && [ -n "$vm_netmask" ]; then
		esxcli network ip interface ipv4 set --interface-name="$vm_interface" --type=static \
			--ipv4="$vm_address" --netmask="$vm_netmask" || vm_status=$?
	fi
	if [ -n "$vm_gateway" ]; then
		esxcli network ip route ipv4 add --gateway="$vm_gateway" --network=default || vm_status=$?
	fi
	return "$vm_status"
}

# vm_add_key KEY appends KEY to the authorized keys unless it is already there.
vm_add_key() {
	if [ -r "$vm_authorized_keys" ]; then
		while IFS= read -r vm_existing || [ -n "$vm_existing" ]; do
			if [ "$vm_existing" = "$1" ]; then
				return 0
			fi
		done < "$vm_authorized_keys"
	fi
	printf '%s\n' "$1" >> "$vm_authorized_keys"
}

vm_install_keys() {
	vm_found=0
	if [ -r "$vm_user_file" ]; then
		while IFS= read -r vm_line || [ -n "$vm_line" ]; do
			vm_trim "$vm_line"
			for vm_marker in $vm_key_markers; do
				case "$vm_trimmed" in
				*"$vm_marker "*)
					vm_key="$vm_marker ${vm_trimmed#*"$vm_marker "}"
					vm_key=${vm_key%"'"}
					vm_key=${vm_key%'"'}
					vm_add_key "$vm_key" || return 1
					vm_found=1
					break
					;;
				esac
			done
		done < "$vm_user_file"
	fi
	if [ "$vm_found" -eq 0 ]; then
		vm_default_keys
	fi
}

vm_enable_nested() {
	if [ -r "$vm_vmware_config" ]; then
		while IFS= read -r vm_line || [ -n "$vm_line" ]; do
			vm_trim "$vm_line"
			if [ "$vm_trimmed" = "$vm_nested_flag" ]; then
				return 0
			fi
		done < "$vm_vmware_config"
	fi
	printf '%s\n' "$vm_nested_flag" >> "$vm_vmware_config"
}

vm_unmount_metadata() {
	[ -n "$vm_device" ] || return 0
	vsish -e set /vmkModules/iso9660/umount "$vm_device"
}

vm_halt() {
	halt
}
`

// FirstBootScript renders the first-boot script. Values from cfg are the defaults used when the
// metadata volume does not provide them.
func FirstBootScript(cfg types.ProvisioningConfig, opts Options) (string, error) {
	opts = opts.withDefaults()

	vars := []struct {
		name  string
		value string
	}{
		{"vm_meta_file", joinGuestPath(opts.MetadataDir, opts.MetaDataFile)},
		{"vm_user_file", joinGuestPath(opts.MetadataDir, opts.UserDataFile)},
		{"vm_authorized_keys", opts.AuthorizedKeysPath},
		{"vm_vmware_config", opts.VMwareConfigPath},
		{"vm_interface", opts.Interface},
		{"vm_key_markers", strings.Join(opts.KeyMarkers, " ")},
		{"vm_nested_flag", NestedVirtualizationFlag},
		{"vm_hostname", cfg.Hostname},
		{"vm_gateway", cfg.Network.Gateway},
		{"vm_address", cfg.Network.Address},
		{"vm_netmask", cfg.Network.Netmask},
		{"vm_device", ""},
	}

	for _, marker := range opts.KeyMarkers {
		if marker == "" || strings.ContainsAny(marker, " \t\r\n") {
			return "", fmt.Errorf("%w: invalid key marker %q", ErrRender, marker)
		}
	}

	b := new(strings.Builder)
	b.WriteString("#!/bin/sh\n")
	for _, v := range vars {
		q, err := quote(v.value)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(b, "%s=%s\n", v.name, q)
	}

	b.WriteString(firstBootLibrary)

	b.WriteString("\nvm_default_keys() {\n\t:\n")
	for _, key := range cfg.SortedSSHKeys() {
		q, err := quote(strings.TrimSpace(key))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(b, "\tvm_add_key %s\n", q)
	}
	b.WriteString("}\n\n")

	for _, step := range FirstBootSteps() {
		fmt.Fprintf(b, "vm_step %s %s %s\n", step.Name, step.OnError, step.Function)
	}

	script := b.String()
	if err := validateScript("firstboot", script); err != nil {
		return "", err
	}
	return script, nil
}

func joinGuestPath(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + strings.TrimPrefix(name, "/")
}
