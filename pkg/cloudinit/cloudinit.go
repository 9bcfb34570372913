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

// Package cloudinit authors the cidata metadata volume attached to a provisioned VM. The first-boot
// script of installer images reads it with a plain "key: value" scanner, cloud images read it with
// cloud-init.
package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	yamlv2 "go.yaml.in/yaml/v2"
	"sigs.k8s.io/yaml"
)

func init() {
	// sigs.k8s.io/yaml encodes with yaml.v2. SSH keys must stay on one line: the first-boot key
	// scanner reads user-data line by line.
	yamlv2.FutureLineWrap()
}

const (
	// VolumeLabel is the label cloud-init and the first-boot script look for.
	VolumeLabel  = "cidata"
	MetaDataFile = "meta-data"
	UserDataFile = "user-data"
)

var (
	ErrRenderMetaData = errors.New("cannot render meta-data")
	ErrRenderUserData = errors.New("cannot render cloud-config from UserData")
	ErrCreateVolume   = errors.New("failed to create cidata volume")
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo,omitempty"`
	Shell             string   `json:"shell,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

// PowerOff is the power_state mode halting the guest once cloud-init is done.
const PowerOff = "poweroff"

type PowerState struct {
	Mode    string `json:"mode"`
	Delay   string `json:"delay,omitempty"`
	Message string `json:"message,omitempty"`
}

type UserData struct {
	Hostname          string      `json:"hostname,omitempty"`
	SSHAuthorizedKeys []string    `json:"ssh_authorized_keys,omitempty"`
	Users             []User      `json:"users,omitempty"`
	PowerState        *PowerState `json:"power_state,omitempty"`
}

// PowerOffWhenDone makes cloud-init halt the guest after its final stage.
func (ud *UserData) PowerOffWhenDone() {
	ud.PowerState = &PowerState{Mode: PowerOff, Delay: "now", Message: "imagesmith: provisioning done"}
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderUserData, err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData is rendered as "key: value" lines. Empty values are omitted.
type MetaData struct {
	InstanceID    string
	LocalHostname string
	Hostname      string
	Gateway       string
	Address       string
	Netmask       string
}

func (md MetaData) Render() (string, error) {
	fields := []struct {
		key   string
		value string
	}{
		{"instance-id", md.InstanceID},
		{"local-hostname", md.LocalHostname},
		{"hostname", md.Hostname},
		{"gateway", md.Gateway},
		{"address", md.Address},
		{"netmask", md.Netmask},
	}

	b := new(strings.Builder)
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if strings.ContainsAny(f.value, "\r\n") {
			return "", fmt.Errorf("%w: %s must be a single line", ErrRenderMetaData, f.key)
		}
		fmt.Fprintf(b, "%s: %s\n", f.key, f.value)
	}
	return b.String(), nil
}

// FromConfig builds the metadata of a VM. When user is not empty, a sudoer with the configured keys
// is created by cloud-init.
func FromConfig(instanceID string, cfg types.ProvisioningConfig, user string) (MetaData, UserData) {
	keys := cfg.SortedSSHKeys()

	md := MetaData{
		InstanceID:    instanceID,
		LocalHostname: cfg.Hostname,
		Hostname:      cfg.Hostname,
		Gateway:       cfg.Network.Gateway,
		Address:       cfg.Network.Address,
		Netmask:       cfg.Network.Netmask,
	}

	ud := UserData{
		Hostname:          cfg.Hostname,
		SSHAuthorizedKeys: keys,
	}
	if user != "" {
		ud.Users = []User{NewUserWithAuthorizedKeys(user, keys)}
	}
	return md, ud
}

// WriteVolume renders md and ud into dir and packs dir into a cidata ISO at isoPath.
func WriteVolume(
	ctx context.Context,
	runner execcontext.Runner,
	dir, isoPath string,
	md MetaData,
	ud UserData,
) error {
	metaData, err := md.Render()
	if err != nil {
		return err
	}
	userData, err := ud.Render()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCreateVolume, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaDataFile), []byte(metaData), 0o644); err != nil {
		return fmt.Errorf("%w: writing meta-data: %v", ErrCreateVolume, err)
	}
	if err := os.WriteFile(filepath.Join(dir, UserDataFile), []byte(userData), 0o644); err != nil {
		return fmt.Errorf("%w: writing user-data: %v", ErrCreateVolume, err)
	}

	if _, err := runner.Run(ctx, "genisoimage",
		"-output", isoPath,
		"-volid", VolumeLabel,
		"-joliet", "-R",
		dir,
	); err != nil {
		return fmt.Errorf("%w: %w", ErrCreateVolume, err)
	}

	slog.Info("created cidata volume", "path", isoPath)
	return nil
}
