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

package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"k8s.io/apimachinery/pkg/util/wait"
)

// NetworkSpec attaches the VM to a libvirt network.
type NetworkSpec struct {
	// Network is the libvirt network name. Defaults to "default".
	Network string
	// MACAddress is generated when empty.
	MACAddress string
	// Model is the NIC model. Defaults to "e1000e" for installer images, which lack virtio
	// drivers, and to "virtio" for cloud images.
	Model string
	// MetadataISO is an optional cidata volume attached as a read-only cdrom.
	MetadataISO string
}

func validateResources(res types.ResourceSizing) error {
	var errs []error
	if res.MemoryMB == 0 {
		errs = append(errs, errors.New("memory must be greater than 0"))
	}
	if res.VCPUSockets < 1 || res.VCPUCores < 1 || res.VCPUThreads < 1 {
		errs = append(errs, errors.New("vcpu sockets, cores and threads must be at least 1"))
	}
	if res.DiskGB == 0 {
		errs = append(errs, errors.New("disk size must be greater than 0"))
	}
	return errors.Join(errs...)
}

// Deploy defines and starts a VM booting image. The image is consumed: deploying it twice fails.
func (d *Deployer) Deploy(
	ctx context.Context,
	image *types.BootableImage,
	res types.ResourceSizing,
	netSpec NetworkSpec,
) (*types.VMInstance, error) {
	if image == nil {
		return nil, fmt.Errorf("%w: no image", ErrDeploy)
	}
	if err := validateResources(res); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeploy, err)
	}
	if err := image.Consume(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeploy, err)
	}

	name := d.domainName()
	spec := domainSpec{
		Name:        name,
		Machine:     d.machine,
		Resources:   res,
		DiskPath:    filepath.Join(d.workDir, name+".qcow2"),
		MetadataISO: netSpec.MetadataISO,
		Network:     netSpec.Network,
		MACAddress:  netSpec.MACAddress,
		NICModel:    netSpec.Model,
	}
	if spec.Network == "" {
		spec.Network = defaultNetwork
	}
	if spec.MACAddress == "" {
		mac, err := GenerateMAC()
		if err != nil {
			return nil, fmt.Errorf("%w: generating MAC address: %v", ErrDeploy, err)
		}
		spec.MACAddress = mac
	}

	size := fmt.Sprintf("%dG", res.DiskGB)
	createArgs := []string{"create", "-f", "qcow2"}
	switch image.Format {
	case types.FormatISO9660:
		spec.InstallerISO = image.Path
		spec.DiskBus = "sata"
		if spec.NICModel == "" {
			spec.NICModel = "e1000e"
		}
	case types.FormatQCOW2:
		createArgs = append(createArgs, "-F", "qcow2", "-b", image.Path)
		spec.DiskBus = "virtio"
		if spec.NICModel == "" {
			spec.NICModel = "virtio"
		}
	default:
		return nil, fmt.Errorf("%w: unsupported image format %q", ErrDeploy, image.Format)
	}
	createArgs = append(createArgs, spec.DiskPath, size)

	if err := os.MkdirAll(d.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeploy, err)
	}
	if _, err := d.runner.Run(ctx, "qemu-img", createArgs...); err != nil {
		return nil, fmt.Errorf("%w: creating disk: %w", ErrDeploy, err)
	}

	domainXML, err := buildDomain(spec).Marshal()
	if err != nil {
		_ = os.Remove(spec.DiskPath)
		return nil, fmt.Errorf("%w: marshalling domain XML: %v", ErrDeploy, err)
	}

	inst := &types.VMInstance{
		Name: name,
		Definition: types.VMDefinition{
			Resources:  res,
			DiskPath:   spec.DiskPath,
			Network:    spec.Network,
			MACAddress: spec.MACAddress,
			DomainXML:  domainXML,
		},
		CreatedFiles: []string{spec.DiskPath},
	}

	if err := d.hv.Define(ctx, domainXML); err != nil {
		_ = os.Remove(spec.DiskPath)
		return nil, fmt.Errorf("%w: defining domain %s: %w", ErrDeploy, name, err)
	}
	inst.State = types.VMDefined

	if err := d.hv.Start(ctx, name); err != nil {
		if rmErr := d.hv.Remove(context.WithoutCancel(ctx), name, true); rmErr != nil {
			slog.Error("failed to remove domain after start failure", "vmName", name, "error", rmErr.Error())
		}
		_ = os.Remove(spec.DiskPath)
		return nil, fmt.Errorf("%w: starting domain %s: %w", ErrDeploy, name, err)
	}
	inst.State = types.VMRunning

	slog.Info("deployed VM",
		"vmName", name,
		"image", image.Path,
		"memoryMB", res.MemoryMB,
		"vcpus", res.VCPUs(),
		"mac", spec.MACAddress,
		"network", spec.Network,
	)
	return inst, nil
}

// ------------------------------------------------------- WAIT ------------------------------------------------------ //

// Predicate reports whether a VM reached its completion state.
type Predicate func(ctx context.Context, inst *types.VMInstance) (bool, error)

// WaitOptions bounds Wait.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Wait polls done until it returns true, returns an error, or the timeout expires.
func (d *Deployer) Wait(ctx context.Context, inst *types.VMInstance, done Predicate, opts WaitOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}

	slog.Info("waiting for VM", "vmName", inst.Name, "timeout", opts.Timeout.String())
	err := wait.PollUntilContextTimeout(ctx, opts.Interval, opts.Timeout, true,
		func(ctx context.Context) (bool, error) {
			return done(ctx, inst)
		})
	if err != nil {
		if wait.Interrupted(err) {
			return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, inst.Name, opts.Timeout)
		}
		return err
	}
	return nil
}

// DomainStopped is true once the guest powered itself off.
func (d *Deployer) DomainStopped() Predicate {
	return func(ctx context.Context, inst *types.VMInstance) (bool, error) {
		state, err := d.hv.State(ctx, inst.Name)
		if err != nil {
			return false, err
		}
		switch state {
		case types.VMUndefined:
			return false, fmt.Errorf("%w: %s", ErrVMNotFound, inst.Name)
		case types.VMStopped:
			inst.State = state
			return true, nil
		}
		return false, nil
	}
}

// SSHBanner is true once addr answers with an SSH identification string.
func SSHBanner(addr string, dialTimeout time.Duration) Predicate {
	return func(ctx context.Context, _ *types.VMInstance) (bool, error) {
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			slog.Debug("ssh not reachable yet", "addr", addr, "error", err.Error())
			return false, nil
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			slog.Debug("no ssh banner yet", "addr", addr, "error", err.Error())
			return false, nil
		}
		return strings.HasPrefix(line, "SSH-"), nil
	}
}

// Pinger is satisfied by an SSH client able to log into the guest.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SSHLogin is true once the guest accepts a key based login.
func SSHLogin(p Pinger) Predicate {
	return func(ctx context.Context, _ *types.VMInstance) (bool, error) {
		if err := p.Ping(ctx); err != nil {
			slog.Debug("ssh login not possible yet", "error", err.Error())
			return false, nil
		}
		return true, nil
	}
}
