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

// Package vmm deploys bootable images to libvirt virtual machines, waits for them to reach a
// caller-defined completion state and promotes their disk to a storage pool.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	"github.com/google/uuid"
)

var (
	ErrDeploy      = errors.New("failed to deploy VM")
	ErrPromotion   = errors.New("failed to promote VM disk")
	ErrWaitTimeout = errors.New("timed out waiting for VM")
	ErrVMNotFound  = errors.New("VM not found")
)

// Hypervisor is the subset of libvirt the deployer drives.
type Hypervisor interface {
	// Define registers a persistent domain from its XML.
	Define(ctx context.Context, domainXML string) error
	Start(ctx context.Context, name string) error
	// State returns VMUndefined when the domain does not exist.
	State(ctx context.Context, name string) (types.VMState, error)
	// Remove stops the domain if needed and undefines it. With storage, its file-backed disks are
	// deleted too. Removing an unknown domain is not an error.
	Remove(ctx context.Context, name string, withStorage bool) error
	// PoolPath returns the target directory of a storage pool.
	PoolPath(ctx context.Context, pool string) (string, error)
}

const (
	defaultNamePrefix = "imagesmith"
	defaultNetwork    = "default"
)

// Option configures a Deployer.
type Option func(*Deployer)

// WithNamePrefix sets the prefix of generated domain names.
func WithNamePrefix(prefix string) Option {
	return func(d *Deployer) {
		d.namePrefix = prefix
	}
}

// WithName sets the domain name instead of generating one.
func WithName(name string) Option {
	return func(d *Deployer) {
		d.name = name
	}
}

// WithMachine sets the machine type of the domain (e.g. "q35").
func WithMachine(machine string) Option {
	return func(d *Deployer) {
		d.machine = machine
	}
}

// Deployer creates VMs from bootable images. VM disks are created in workDir.
type Deployer struct {
	hv      Hypervisor
	runner  execcontext.Runner
	workDir string

	namePrefix string
	name       string
	machine    string
}

// NewDeployer returns a Deployer.
func NewDeployer(hv Hypervisor, runner execcontext.Runner, workDir string, opts ...Option) *Deployer {
	d := &Deployer{
		hv:         hv,
		runner:     runner,
		workDir:    workDir,
		namePrefix: defaultNamePrefix,
		machine:    "q35",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Deployer) domainName() string {
	if d.name != "" {
		return d.name
	}
	return fmt.Sprintf("%s-%s", d.namePrefix, strings.Split(uuid.NewString(), "-")[0])
}
