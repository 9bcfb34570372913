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

// Package pipeline runs the provisioning flows: locate a base image, mount it, inject the
// provisioning artifacts, repackage it, then optionally deploy, wait for and promote a VM.
//
// Stages run strictly in sequence and the first failure aborts the run with a *StageError. Mounts
// and guest sessions are released on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	"github.com/alexandremahdhaoui/imagesmith/pkg/image"
	"github.com/alexandremahdhaoui/imagesmith/pkg/inject"
	"github.com/alexandremahdhaoui/imagesmith/pkg/mount"
	"github.com/alexandremahdhaoui/imagesmith/pkg/network"
	"github.com/alexandremahdhaoui/imagesmith/pkg/repack"
	"github.com/alexandremahdhaoui/imagesmith/pkg/vmm"
)

var (
	ErrInvalidRun  = errors.New("invalid run")
	ErrNoDeployer  = errors.New("no deployer configured")
	errMirrorUnset = errors.New("no package mirror configured")
)

// ------------------------------------------------- INTERFACES ----------------------------------------------------- //

// Locator resolves base images and probes mirrors.
type Locator interface {
	Locate(ctx context.Context, req image.Request) (types.ImageSource, error)
	Probe(ctx context.Context, url string) error
}

// Deployer runs VMs from bootable images.
type Deployer interface {
	Deploy(ctx context.Context, img *types.BootableImage, res types.ResourceSizing, spec vmm.NetworkSpec) (*types.VMInstance, error)
	Wait(ctx context.Context, inst *types.VMInstance, done vmm.Predicate, opts vmm.WaitOptions) error
	DomainStopped() vmm.Predicate
	Promote(ctx context.Context, inst *types.VMInstance, opts vmm.PromoteOptions) (string, error)
}

// NetworkManager prepares the network VMs are attached to.
type NetworkManager interface {
	Ensure(ctx context.Context, cfg network.Config) error
	ReserveHost(ctx context.Context, name string, host network.Host) error
	ReleaseHost(ctx context.Context, name, mac string) error
}

var (
	_ Locator        = &image.Locator{}
	_ Deployer       = &vmm.Deployer{}
	_ NetworkManager = &network.Manager{}
)

// -------------------------------------------------- PIPELINE ------------------------------------------------------ //

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLocator replaces the default HTTP and filesystem locator.
func WithLocator(l Locator) Option {
	return func(p *Pipeline) {
		p.locator = l
	}
}

// WithMounter replaces the default ISO mounter.
func WithMounter(m *mount.ISOMounter) Option {
	return func(p *Pipeline) {
		p.mounter = m
	}
}

// WithDeployer enables the deploy stages.
func WithDeployer(d Deployer) Option {
	return func(p *Pipeline) {
		p.deployer = d
	}
}

// WithNetworkManager lets the pipeline create the VM network and reserve the VM address.
func WithNetworkManager(n NetworkManager) Option {
	return func(p *Pipeline) {
		p.networks = n
	}
}

// WithMetrics replaces the default Metrics, which are not written anywhere.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithGuestOptions configures the guest sessions of the sysprep flow.
func WithGuestOptions(opts ...mount.GuestOption) Option {
	return func(p *Pipeline) {
		p.guestOpts = append(p.guestOpts, opts...)
	}
}

// WithRepackOptions configures the repackager of the installer flow.
func WithRepackOptions(opts ...repack.Option) Option {
	return func(p *Pipeline) {
		p.repackOpts = append(p.repackOpts, opts...)
	}
}

// WithPinger replaces the SSH client used by WaitForSSH.
func WithPinger(f func(host, user, keyPath string) (vmm.Pinger, error)) Option {
	return func(p *Pipeline) {
		p.newPinger = f
	}
}

// Pipeline runs the provisioning flows. A Pipeline holds no per-run state and may run several
// versions sequentially.
type Pipeline struct {
	runner     execcontext.Runner
	locator    Locator
	mounter    *mount.ISOMounter
	deployer   Deployer
	networks   NetworkManager
	metrics    *Metrics
	guestOpts  []mount.GuestOption
	repackOpts []repack.Option
	newPinger  func(host, user, keyPath string) (vmm.Pinger, error)
}

// New returns a Pipeline running external tools through runner.
func New(runner execcontext.Runner, opts ...Option) *Pipeline {
	p := &Pipeline{
		runner:    runner,
		locator:   image.NewLocator(),
		mounter:   mount.NewISOMounter(runner),
		metrics:   NewMetrics(""),
		newPinger: newSSHPinger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// -------------------------------------------------- RUN -------------------------------------------------------- //

// WaitFor selects the completion predicate of a deployed VM.
type WaitFor string

const (
	// WaitForStopped waits for the guest to power off, as the installer first-boot script does.
	WaitForStopped WaitFor = "stopped"
	// WaitForSSH waits for the guest to accept an SSH login on its configured address.
	WaitForSSH WaitFor = "ssh"
	// WaitForNothing returns as soon as the VM started.
	WaitForNothing WaitFor = "none"
)

// Run is the configuration of one run.
type Run struct {
	Version string
	// WorkDir is the scratch root. The run works in <WorkDir>/<Version>.
	WorkDir string
	// Name is the base name of produced images. Defaults to "imagesmith-<version>".
	Name string

	// Image locates the base image. Its version is overridden with Version.
	Image        image.Request
	Provisioning types.ProvisioningConfig
	Inject       inject.Options
	Boot         repack.BootPatchSpec
	Sysprep      SysprepOptions

	// Deploy is nil when the run stops at the bootable image.
	Deploy *DeployOptions
}

// SysprepOptions configures the guest operations of the sysprep flow.
type SysprepOptions struct {
	// Mirror is probed before repositories are installed and packages updated. When empty or
	// unreachable, both are skipped.
	Mirror string
	// Update runs a package update when the mirror is reachable.
	Update bool
	// Packages are installed when the mirror is reachable.
	Packages []string
	// SSHUser receives the authorized keys. Defaults to root.
	SSHUser        string
	SELinuxRelabel bool
	// Commands run in the guest after the package operations and before the relabel.
	Commands []string
}

// DeployOptions configures the deploy stages.
type DeployOptions struct {
	Network vmm.NetworkSpec
	// ManageNetwork, when set, is ensured and receives a DHCP reservation for the VM.
	ManageNetwork *network.Config
	// CloudInitUser, when set, is created by cloud-init with the authorized keys.
	CloudInitUser string

	WaitFor WaitFor
	Wait    vmm.WaitOptions
	// SSHPrivateKeyPath authenticates the login of WaitForSSH as SysprepOptions.SSHUser.
	SSHPrivateKeyPath string

	// Promote, when set, copies the disk of the stopped VM into a storage pool and removes the VM.
	Promote *vmm.PromoteOptions
}

// Result holds what a run produced.
type Result struct {
	RunID    string
	Source   types.ImageSource
	Image    *types.BootableImage
	Instance *types.VMInstance
	// Promoted is the path of the promoted disk.
	Promoted string
}

// Validate reports every problem of the run configuration.
func (r Run) Validate() error {
	var errs []error
	if r.Version == "" {
		errs = append(errs, errors.New("version is required"))
	} else if filepath.Base(r.Version) != r.Version || r.Version == "." || r.Version == ".." {
		errs = append(errs, fmt.Errorf("version %q must not contain a path separator", r.Version))
	}
	if r.WorkDir == "" {
		errs = append(errs, errors.New("workDir is required"))
	}
	if d := r.Deploy; d != nil {
		switch d.WaitFor {
		case "", WaitForStopped, WaitForNothing:
		case WaitForSSH:
			if r.Provisioning.Network.Address == "" {
				errs = append(errs, errors.New("waiting for ssh requires a static network address"))
			}
			if d.SSHPrivateKeyPath == "" {
				errs = append(errs, errors.New("waiting for ssh requires a private key"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown wait condition %q", d.WaitFor))
		}
		if d.Promote != nil && d.WaitFor != "" && d.WaitFor != WaitForStopped {
			errs = append(errs, errors.New("promotion requires waiting for the VM to stop"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRun, err)
	}
	return nil
}

// workspace is the version scoped scratch layout.
type workspace struct {
	dir       string
	mount     string
	cidata    string
	cidataISO string
	iso       string
	disk      string
}

func newWorkspace(r Run) workspace {
	dir := filepath.Join(r.WorkDir, r.Version)
	name := r.Name
	if name == "" {
		name = "imagesmith-" + r.Version
	}
	return workspace{
		dir:       dir,
		mount:     filepath.Join(dir, "mount"),
		cidata:    filepath.Join(dir, "cidata"),
		cidataISO: filepath.Join(dir, "cidata.iso"),
		iso:       filepath.Join(dir, name+".iso"),
		disk:      filepath.Join(dir, name+".qcow2"),
	}
}

// begin validates the run and takes the version lock. The returned func releases the lock and
// records the run metrics.
func (p *Pipeline) begin(ctx context.Context, flow Flow, r Run) (workspace, func(*error), error) {
	if err := r.Validate(); err != nil {
		return workspace{}, nil, err
	}

	var lock *VersionLock
	err := p.stage(ctx, flow, StageLock, func(context.Context) error {
		var err error
		lock, err = LockVersion(r.WorkDir, r.Version)
		return err
	})
	if err != nil {
		p.finish(flow, err)
		return workspace{}, nil, err
	}

	end := func(errp *error) {
		if uerr := lock.Unlock(); uerr != nil {
			slog.Warn("failed to release version lock", "path", lock.Path, "error", uerr.Error())
		}
		p.finish(flow, *errp)
	}
	return newWorkspace(r), end, nil
}

func (p *Pipeline) finish(flow Flow, err error) {
	p.metrics.observeRun(flow, time.Now(), err)
	if werr := p.metrics.Write(); werr != nil {
		slog.Warn("failed to write metrics", "error", werr.Error())
	}
}
