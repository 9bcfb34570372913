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


package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/image"
	"github.com/alexandremahdhaoui/imagesmith/pkg/inject"
	"github.com/alexandremahdhaoui/imagesmith/pkg/network"
	"github.com/alexandremahdhaoui/imagesmith/pkg/pipeline"
	"github.com/alexandremahdhaoui/imagesmith/pkg/repack"
	"github.com/alexandremahdhaoui/imagesmith/pkg/vmm"
	"golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "IMAGESMITH_CONFIG_PATH"
)

// Config holds the configuration of an imagesmith run.
type Config struct {
	// Version is the version tag of the base image (e.g. "6.7").
	Version string `json:"version"`
	// WorkDir is the scratch root. Runs work in <workDir>/<version>.
	WorkDir string `json:"workDir"`
	// Name is the base name of produced images.
	Name string `json:"name,omitempty"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode"`
	// MetricsTextfile receives the run metrics in the node-exporter textfile format.
	MetricsTextfile string `json:"metricsTextfile,omitempty"`
	// LibvirtURI is the connection URI of the hypervisor.
	LibvirtURI string `json:"libvirtURI"`

	Exec         ExecConfig         `json:"exec"`
	Image        ImageConfig        `json:"image"`
	Provisioning ProvisioningConfig `json:"provisioning"`
	Installer    InstallerConfig    `json:"installer"`
	Sysprep      SysprepConfig      `json:"sysprep"`

	// Deploy is omitted when the run stops at the bootable image.
	Deploy *DeployConfig `json:"deploy,omitempty"`
}

// ExecConfig configures how external tools are run.
type ExecConfig struct {
	// Sudo prefixes every command with "sudo -n".
	Sudo bool `json:"sudo"`
	// Timeout bounds each command. Zero disables the bound.
	Timeout metav1.Duration `json:"timeout"`
	// Env is added to the environment of every command.
	Env map[string]string `json:"env,omitempty"`
}

// ImageConfig locates the base image, either in SearchRoot or at URL.
type ImageConfig struct {
	SearchRoot string `json:"searchRoot,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	URL        string `json:"url,omitempty"`
	CacheDir   string `json:"cacheDir,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

type ProvisioningConfig struct {
	Hostname         string                 `json:"hostname"`
	Network          types.NetworkParams    `json:"network"`
	SSHPublicKeys    []string               `json:"sshPublicKeys"`
	RootPasswordHash string                 `json:"rootPasswordHash,omitempty"`
	Repos            []types.RepoDefinition `json:"repos,omitempty"`
	Resources        ResourcesConfig        `json:"resources"`
}

type ResourcesConfig struct {
	MemoryMB    uint `json:"memoryMB"`
	VCPUSockets int  `json:"vcpuSockets"`
	VCPUCores   int  `json:"vcpuCores"`
	VCPUThreads int  `json:"vcpuThreads"`
	// Disk is a quantity such as "40Gi".
	Disk string `json:"disk"`
}

// InstallerConfig configures the answer file and the boot patch of installer images.
type InstallerConfig struct {
	InstallTarget string   `json:"installTarget,omitempty"`
	Interface     string   `json:"interface,omitempty"`
	PostCommands  []string `json:"postCommands,omitempty"`
	BootTimeout   *int     `json:"bootTimeout,omitempty"`
	KernelArg     string   `json:"kernelArg,omitempty"`
	VolumeID      string   `json:"volumeID,omitempty"`
}

// SysprepConfig configures the guest operations applied to cloud images.
type SysprepConfig struct {
	Mirror         string   `json:"mirror,omitempty"`
	Update         bool     `json:"update"`
	Packages       []string `json:"packages,omitempty"`
	SSHUser        string   `json:"sshUser,omitempty"`
	SELinuxRelabel bool     `json:"selinuxRelabel"`
	Commands       []string `json:"commands,omitempty"`
	GuestInterface string   `json:"guestInterface,omitempty"`
	// Operations restricts the built-in virt-sysprep operations.
	Operations []string `json:"operations,omitempty"`
}

type DeployConfig struct {
	// VMName is the domain name. Generated when empty.
	VMName     string `json:"vmName,omitempty"`
	Network    string `json:"network,omitempty"`
	MACAddress string `json:"macAddress,omitempty"`
	Model      string `json:"model,omitempty"`

	// ManageNetwork, when set, is created if missing and receives a DHCP reservation for the VM.
	ManageNetwork *NetworkConfig `json:"manageNetwork,omitempty"`

	CloudInitUser string `json:"cloudInitUser,omitempty"`

	// WaitFor is one of "stopped", "ssh" or "none".
	WaitFor           string          `json:"waitFor,omitempty"`
	WaitInterval      metav1.Duration `json:"waitInterval"`
	WaitTimeout       metav1.Duration `json:"waitTimeout"`
	SSHPrivateKeyPath string          `json:"sshPrivateKeyPath,omitempty"`

	Promote *PromoteConfig `json:"promote,omitempty"`
}

type NetworkConfig struct {
	Name       string `json:"name"`
	BridgeName string `json:"bridgeName,omitempty"`
	Mode       string `json:"mode,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	Netmask    string `json:"netmask,omitempty"`
	DHCPStart  string `json:"dhcpStart,omitempty"`
	DHCPEnd    string `json:"dhcpEnd,omitempty"`
}

type PromoteConfig struct {
	Pool     string `json:"pool"`
	PoolPath string `json:"poolPath,omitempty"`
	Name     string `json:"name,omitempty"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		WorkDir:    "/var/lib/imagesmith",
		LibvirtURI: vmm.DefaultURI,
		Exec: ExecConfig{
			Timeout: metav1.Duration{Duration: time.Hour},
		},
		Provisioning: ProvisioningConfig{
			Resources: ResourcesConfig{
				MemoryMB:    4096,
				VCPUSockets: 1,
				VCPUCores:   2,
				VCPUThreads: 1,
				Disk:        "40Gi",
			},
		},
	}
}

// LoadConfig loads configuration from a YAML or JSON file, then applies environment overrides.
// If configPath is empty, it uses defaults and environment variables only.
func LoadConfig(configPath string) (*Config, error) {
	config, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// readConfig loads the configuration without validating it.
func readConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	config.applyEnvironmentOverrides()
	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("IMAGESMITH_VERSION"); val != "" {
		c.Version = val
	}
	if val := os.Getenv("IMAGESMITH_WORK_DIR"); val != "" {
		c.WorkDir = val
	}
	if val := os.Getenv("IMAGESMITH_LIBVIRT_URI"); val != "" {
		c.LibvirtURI = val
	}
	if val := os.Getenv("IMAGESMITH_MIRROR"); val != "" {
		c.Sysprep.Mirror = val
	}
	if val := os.Getenv("IMAGESMITH_METRICS_TEXTFILE"); val != "" {
		c.MetricsTextfile = val
	}
	if val := os.Getenv("IMAGESMITH_DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
	if val := os.Getenv("IMAGESMITH_SUDO"); val != "" {
		c.Exec.Sudo = val == "true" || val == "1" || val == "yes"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Version == "" {
		errs = append(errs, errors.New("version cannot be empty"))
	} else if strings.ContainsAny(c.Version, `/\`) || c.Version == "." || c.Version == ".." {
		errs = append(errs, fmt.Errorf("version %q must not contain a path separator", c.Version))
	}

	if c.WorkDir == "" {
		errs = append(errs, errors.New("workDir cannot be empty"))
	}

	if (c.Image.SearchRoot == "") == (c.Image.URL == "") {
		errs = append(errs, errors.New("exactly one of image.searchRoot or image.url must be set"))
	}

	for i, key := range c.Provisioning.SSHPublicKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			errs = append(errs, fmt.Errorf("provisioning.sshPublicKeys[%d]: %v", i, err))
		}
	}

	if _, err := c.diskGB(); err != nil {
		errs = append(errs, err)
	}

	if c.Installer.BootTimeout != nil && *c.Installer.BootTimeout < 0 {
		errs = append(errs, errors.New("installer.bootTimeout cannot be negative"))
	}

	if d := c.Deploy; d != nil {
		if d.ManageNetwork != nil {
			if d.ManageNetwork.Name == "" {
				errs = append(errs, errors.New("deploy.manageNetwork.name cannot be empty"))
			}
			switch network.Mode(d.ManageNetwork.Mode) {
			case "", network.ModeNAT, network.ModeIsolated, network.ModeBridge:
			default:
				errs = append(errs, fmt.Errorf("unknown deploy.manageNetwork.mode %q", d.ManageNetwork.Mode))
			}
		}
		if d.Promote != nil && d.Promote.Pool == "" && d.Promote.PoolPath == "" {
			errs = append(errs, errors.New("deploy.promote requires a pool or a poolPath"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// diskGB converts the disk quantity to whole GiB, rounding up.
func (c *Config) diskGB() (uint, error) {
	q, err := resource.ParseQuantity(c.Provisioning.Resources.Disk)
	if err != nil {
		return 0, fmt.Errorf("provisioning.resources.disk: %v", err)
	}
	if q.Sign() <= 0 {
		return 0, fmt.Errorf("provisioning.resources.disk must be positive, got %s", q.String())
	}
	const gib = 1 << 30
	return uint((q.Value() + gib - 1) / gib), nil
}

// Run converts the configuration to a pipeline run.
func (c *Config) Run() (pipeline.Run, error) {
	diskGB, err := c.diskGB()
	if err != nil {
		return pipeline.Run{}, err
	}

	p := c.Provisioning
	r := pipeline.Run{
		Version: c.Version,
		WorkDir: c.WorkDir,
		Name:    c.Name,
		Image: image.Request{
			SearchRoot: c.Image.SearchRoot,
			Pattern:    c.Image.Pattern,
			URL:        c.Image.URL,
			CacheDir:   c.Image.CacheDir,
			Checksum:   c.Image.Checksum,
		},
		Provisioning: types.ProvisioningConfig{
			Hostname:         p.Hostname,
			Network:          p.Network,
			SSHPublicKeys:    sets.New(p.SSHPublicKeys...),
			Repos:            p.Repos,
			RootPasswordHash: p.RootPasswordHash,
			Resources: types.ResourceSizing{
				MemoryMB:    p.Resources.MemoryMB,
				VCPUSockets: p.Resources.VCPUSockets,
				VCPUCores:   p.Resources.VCPUCores,
				VCPUThreads: p.Resources.VCPUThreads,
				DiskGB:      diskGB,
			},
		},
		Inject: inject.Options{
			InstallTarget:  c.Installer.InstallTarget,
			Interface:      c.Installer.Interface,
			PostCommands:   c.Installer.PostCommands,
			GuestInterface: c.Sysprep.GuestInterface,
		},
		Boot: c.bootPatchSpec(),
		Sysprep: pipeline.SysprepOptions{
			Mirror:         c.Sysprep.Mirror,
			Update:         c.Sysprep.Update,
			Packages:       c.Sysprep.Packages,
			SSHUser:        c.Sysprep.SSHUser,
			SELinuxRelabel: c.Sysprep.SELinuxRelabel,
			Commands:       c.Sysprep.Commands,
		},
	}
	if r.Image.CacheDir == "" && r.Image.URL != "" {
		r.Image.CacheDir = filepath.Join(c.WorkDir, "cache")
	}

	if d := c.Deploy; d != nil {
		opts := &pipeline.DeployOptions{
			Network: vmm.NetworkSpec{
				Network:    d.Network,
				MACAddress: d.MACAddress,
				Model:      d.Model,
			},
			CloudInitUser:     d.CloudInitUser,
			WaitFor:           pipeline.WaitFor(d.WaitFor),
			Wait:              vmm.WaitOptions{Interval: d.WaitInterval.Duration, Timeout: d.WaitTimeout.Duration},
			SSHPrivateKeyPath: d.SSHPrivateKeyPath,
		}
		if n := d.ManageNetwork; n != nil {
			opts.ManageNetwork = &network.Config{
				Name:       n.Name,
				BridgeName: n.BridgeName,
				Mode:       network.Mode(n.Mode),
				IPAddress:  n.IPAddress,
				Netmask:    n.Netmask,
				DHCPStart:  n.DHCPStart,
				DHCPEnd:    n.DHCPEnd,
			}
		}
		if pr := d.Promote; pr != nil {
			opts.Promote = &vmm.PromoteOptions{Pool: pr.Pool, PoolPath: pr.PoolPath, Name: pr.Name}
		}
		r.Deploy = opts
	}

	return r, r.Validate()
}

func (c *Config) bootPatchSpec() repack.BootPatchSpec {
	spec := repack.DefaultBootPatchSpec()
	spec.Timeout = ptr.Deref(c.Installer.BootTimeout, spec.Timeout)
	if c.Installer.KernelArg != "" {
		spec.KernelArg = c.Installer.KernelArg
	}
	spec.VolumeID = c.Installer.VolumeID
	return spec
}
