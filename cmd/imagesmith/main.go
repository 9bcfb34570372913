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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/imagesmith/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/imagesmith/internal/util/logging"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	"github.com/alexandremahdhaoui/imagesmith/pkg/mount"
	"github.com/alexandremahdhaoui/imagesmith/pkg/network"
	"github.com/alexandremahdhaoui/imagesmith/pkg/pipeline"
	"github.com/alexandremahdhaoui/imagesmith/pkg/vmm"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

const (
	Name = "imagesmith"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	gs := gracefulshutdown.New(Name)
	err := newRootCommand().ExecuteContext(gs.Context())
	gs.Shutdown(err)
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           Name,
		Short:         "Build provisioned VM images from installer ISOs and cloud images",
		Version:       fmt.Sprintf("%s (%s) %s", Version, CommitSHA, BuildTimestamp),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(ConfigPathEnvKey),
		"path to the YAML or JSON config file (env "+ConfigPathEnvKey+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable human-readable debug logging")

	cmd.AddCommand(
		newFlowCommand(opts, "installer",
			"Build an unattended installer ISO, then optionally install it in a VM",
			(*pipeline.Pipeline).RunInstaller),
		newFlowCommand(opts, "sysprep",
			"Prepare a cloud image offline, then optionally boot it in a VM",
			(*pipeline.Pipeline).RunSysprep),
		newPromoteCommand(opts),
	)
	return cmd
}

// ------------------------------------------------- Flows ---------------------------------------------------------- //

type flowFunc func(p *pipeline.Pipeline, ctx context.Context, r pipeline.Run) (*pipeline.Result, error)

func newFlowCommand(opts *rootOptions, use, short string, flow flowFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			log := setupLogging(config, opts.verbose).WithName(use)

			r, err := config.Run()
			if err != nil {
				return err
			}

			p, closeFn, err := newPipeline(config, r.Deploy != nil)
			if err != nil {
				return err
			}
			defer closeFn()

			log.Info("starting run", "version", r.Version, "workDir", r.WorkDir, "deploy", r.Deploy != nil)
			res, err := flow(p, cmd.Context(), r)
			if res != nil {
				if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
					log.Error(perr, "printing result")
				}
			}
			return err
		},
	}
}

// ------------------------------------------------- Promote -------------------------------------------------------- //

type promoteOptions struct {
	vmName   string
	diskPath string
	pool     string
	poolPath string
	name     string
}

func newPromoteCommand(root *rootOptions) *cobra.Command {
	opts := &promoteOptions{}
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Copy the disk of a stopped VM into a storage pool and remove the VM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// only the connection, exec and logging settings are used
			config, err := readConfig(root.configPath)
			if err != nil {
				return err
			}
			log := setupLogging(config, root.verbose).WithName("promote")

			p, closeFn, err := newPipeline(config, true)
			if err != nil {
				return err
			}
			defer closeFn()

			log.Info("promoting VM", "vmName", opts.vmName, "diskPath", opts.diskPath, "pool", opts.pool)
			dest, err := p.Promote(cmd.Context(), pipeline.PromoteRun{
				VMName:   opts.vmName,
				DiskPath: opts.diskPath,
				Options:  vmm.PromoteOptions{Pool: opts.pool, PoolPath: opts.poolPath, Name: opts.name},
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dest)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.vmName, "vm", "", "libvirt domain name of the stopped VM")
	cmd.Flags().StringVar(&opts.diskPath, "disk", "", "path of the VM disk")
	cmd.Flags().StringVar(&opts.pool, "pool", "default", "storage pool receiving the disk")
	cmd.Flags().StringVar(&opts.poolPath, "pool-path", "", "directory receiving the disk, overrides the pool directory")
	cmd.Flags().StringVar(&opts.name, "name", "", "file name of the promoted disk without extension, defaults to the VM name")
	_ = cmd.MarkFlagRequired("vm")
	_ = cmd.MarkFlagRequired("disk")
	return cmd
}

// ------------------------------------------------- Wiring --------------------------------------------------------- //

func setupLogging(config *Config, verbose bool) logr.Logger {
	opts := logging.Options{Development: config.DevelopmentMode || verbose}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return logging.Setup(opts)
}

func newRunner(config *Config) execcontext.Runner {
	var prepend []string
	if config.Exec.Sudo {
		prepend = []string{"sudo", "-n"}
	}
	return execcontext.NewRunner(
		execcontext.New(config.Exec.Env, prepend),
		execcontext.WithTimeout(config.Exec.Timeout.Duration),
	)
}

// newPipeline wires the pipeline of config. The libvirt connection is only opened when VMs are
// deployed. The returned func closes it.
func newPipeline(config *Config, deploy bool) (*pipeline.Pipeline, func(), error) {
	runner := newRunner(config)
	opts := []pipeline.Option{
		pipeline.WithMetrics(pipeline.NewMetrics(config.MetricsTextfile)),
	}
	if len(config.Sysprep.Operations) > 0 {
		opts = append(opts, pipeline.WithGuestOptions(mount.WithSysprepOperations(config.Sysprep.Operations...)))
	}

	if !deploy {
		return pipeline.New(runner, opts...), func() {}, nil
	}

	hv, err := vmm.NewLibvirtHypervisor(config.LibvirtURI)
	if err != nil {
		return nil, nil, err
	}

	var deployerOpts []vmm.Option
	if config.Deploy != nil && config.Deploy.VMName != "" {
		deployerOpts = append(deployerOpts, vmm.WithName(config.Deploy.VMName))
	} else if config.Name != "" {
		deployerOpts = append(deployerOpts, vmm.WithNamePrefix(config.Name))
	}
	deployer := vmm.NewDeployer(hv, runner, filepath.Join(config.WorkDir, config.Version), deployerOpts...)

	opts = append(opts,
		pipeline.WithDeployer(deployer),
		pipeline.WithNetworkManager(network.NewManager(hv.Connection())),
	)

	closeFn := func() {
		if err := hv.Close(); err != nil {
			slog.Warn("closing libvirt connection", "error", err.Error())
		}
	}
	return pipeline.New(runner, opts...), closeFn, nil
}

type resultOutput struct {
	RunID    string `json:"runID"`
	Source   string `json:"source,omitempty"`
	Image    string `json:"image,omitempty"`
	VM       string `json:"vm,omitempty"`
	VMState  string `json:"vmState,omitempty"`
	Promoted string `json:"promoted,omitempty"`
}

func printResult(w io.Writer, res *pipeline.Result) error {
	out := resultOutput{
		RunID:    res.RunID,
		Source:   res.Source.Path,
		Promoted: res.Promoted,
	}
	if res.Image != nil {
		out.Image = res.Image.Path
	}
	if res.Instance != nil {
		out.VM = res.Instance.Name
		out.VMState = string(res.Instance.State)
	}

	b, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
