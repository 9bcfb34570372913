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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/util/ssh"
	"github.com/alexandremahdhaoui/imagesmith/pkg/cloudinit"
	"github.com/alexandremahdhaoui/imagesmith/pkg/network"
	"github.com/alexandremahdhaoui/imagesmith/pkg/vmm"
)

// deploy writes the cidata volume, prepares the network, starts the VM from res.Image, waits for
// it and promotes it. A DHCP reservation is released when a later stage fails, so that a retry
// can reserve the same address with a new MAC.
func (p *Pipeline) deploy(ctx context.Context, flow Flow, r Run, ws workspace, res *Result) (err error) {
	if p.deployer == nil {
		return &StageError{Stage: StageDeploy, Err: ErrNoDeployer}
	}
	opts := *r.Deploy
	spec := opts.Network

	reserved := false
	defer func() {
		if err != nil && reserved {
			p.releaseNetwork(ctx, r, spec)
		}
	}()

	if err := p.stage(ctx, flow, StageInject, func(ctx context.Context) error {
		md, ud := cloudinit.FromConfig(res.RunID, r.Provisioning, opts.CloudInitUser)
		if waitsForStop(opts.WaitFor) {
			// cloud images only halt when cloud-init powers them off
			ud.PowerOffWhenDone()
		}
		if err := cloudinit.WriteVolume(ctx, p.runner, ws.cidata, ws.cidataISO, md, ud); err != nil {
			return err
		}
		spec.MetadataISO = ws.cidataISO
		return nil
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, flow, StageDeploy, func(ctx context.Context) error {
		var err error
		reserved, err = p.prepareNetwork(ctx, r, &spec)
		if err != nil {
			return err
		}
		res.Instance, err = p.deployer.Deploy(ctx, res.Image, r.Provisioning.Resources, spec)
		return err
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, flow, StageWait, func(ctx context.Context) error {
		done, err := p.predicate(opts.WaitFor, r)
		if err != nil || done == nil {
			return err
		}
		return p.deployer.Wait(ctx, res.Instance, done, opts.Wait)
	}); err != nil {
		return err
	}

	if opts.Promote == nil {
		slog.Info("VM deployed", "runID", res.RunID, "vmName", res.Instance.Name, "state", res.Instance.State)
		return nil
	}

	return p.stage(ctx, flow, StagePromote, func(ctx context.Context) error {
		promote := *opts.Promote
		if promote.Name == "" {
			promote.Name = baseName(ws.disk)
		}
		var err error
		res.Promoted, err = p.deployer.Promote(ctx, res.Instance, promote)
		if err != nil {
			return err
		}
		if reserved {
			p.releaseNetwork(ctx, r, spec)
			reserved = false
		}
		return nil
	})
}

// releaseNetwork drops the DHCP reservation of the VM. A failure is only logged.
func (p *Pipeline) releaseNetwork(ctx context.Context, r Run, spec vmm.NetworkSpec) {
	managed := r.Deploy.ManageNetwork
	if err := p.networks.ReleaseHost(context.WithoutCancel(ctx), managed.Name, spec.MACAddress); err != nil {
		slog.Warn("failed to release DHCP host", "network", managed.Name, "mac", spec.MACAddress, "error", err)
	}
}

// prepareNetwork ensures the managed network and reserves the configured address for the VM. It
// reports whether a reservation was made.
func (p *Pipeline) prepareNetwork(ctx context.Context, r Run, spec *vmm.NetworkSpec) (bool, error) {
	managed := r.Deploy.ManageNetwork
	if managed == nil || p.networks == nil {
		return false, nil
	}

	if err := p.networks.Ensure(ctx, *managed); err != nil {
		return false, err
	}
	spec.Network = managed.Name

	address := r.Provisioning.Network.Address
	if address == "" {
		return false, nil
	}
	if spec.MACAddress == "" {
		mac, err := vmm.GenerateMAC()
		if err != nil {
			return false, err
		}
		spec.MACAddress = mac
	}
	if err := p.networks.ReserveHost(ctx, managed.Name, network.Host{
		MAC:  spec.MACAddress,
		IP:   address,
		Name: r.Provisioning.Hostname,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// predicate returns nil when the run does not wait.
func (p *Pipeline) predicate(waitFor WaitFor, r Run) (vmm.Predicate, error) {
	switch waitFor {
	case "", WaitForStopped:
		return p.deployer.DomainStopped(), nil
	case WaitForNothing:
		return nil, nil
	case WaitForSSH:
		user := r.Sysprep.SSHUser
		if user == "" {
			user = "root"
		}
		pinger, err := p.newPinger(r.Provisioning.Network.Address, user, r.Deploy.SSHPrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return vmm.SSHLogin(pinger), nil
	default:
		return nil, fmt.Errorf("%w: unknown wait condition %q", ErrInvalidRun, waitFor)
	}
}

func waitsForStop(w WaitFor) bool {
	return w == "" || w == WaitForStopped
}

func newSSHPinger(host, user, keyPath string) (vmm.Pinger, error) {
	return ssh.NewClient(host, user, keyPath, "22")
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
