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

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/inject"
	"github.com/alexandremahdhaoui/imagesmith/pkg/mount"
	"github.com/alexandremahdhaoui/imagesmith/pkg/repack"
	"github.com/google/uuid"
)

// RunSysprep prepares a working copy of the cloud image of r.Version offline, then deploys it when
// r.Deploy is set. The located image itself is never modified.
func (p *Pipeline) RunSysprep(ctx context.Context, r Run) (res *Result, err error) {
	ws, end, err := p.begin(ctx, FlowSysprep, r)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	res = &Result{RunID: uuid.NewString()}
	slog.Info("starting sysprep run", "runID", res.RunID, "version", r.Version)

	if err := p.stage(ctx, FlowSysprep, StageLocate, func(ctx context.Context) error {
		req := r.Image
		req.Version = r.Version
		var err error
		res.Source, err = p.locator.Locate(ctx, req)
		return err
	}); err != nil {
		return res, err
	}

	var session *mount.GuestSession
	if err := p.stage(ctx, FlowSysprep, StageMount, func(ctx context.Context) error {
		if _, err := p.runner.Run(ctx, "qemu-img", "convert", "-O", "qcow2", res.Source.Path, ws.disk); err != nil {
			return fmt.Errorf("%w: copying %s: %w", mount.ErrGuestSession, res.Source.Path, err)
		}
		working := res.Source
		working.Path = ws.disk

		var err error
		session, err = mount.OpenGuest(ctx, p.runner, working, p.guestOpts...)
		return err
	}); err != nil {
		return res, err
	}
	defer func() {
		err = withRelease(err, StageMount, session.Release(ctx))
	}()

	if err := p.stage(ctx, FlowSysprep, StageInject, func(ctx context.Context) error {
		return p.declareGuestOps(ctx, session, r)
	}); err != nil {
		return res, err
	}

	if err := p.stage(ctx, FlowSysprep, StageRepackage, func(ctx context.Context) error {
		if err := session.Commit(ctx); err != nil {
			return err
		}
		var err error
		res.Image, err = repack.New(p.runner, ws.dir, ws.iso, p.repackOpts...).Repackage(ctx, session, nil, r.Boot)
		return err
	}); err != nil {
		return res, err
	}

	if err := session.Release(ctx); err != nil {
		return res, &StageError{Stage: StageMount, Err: err}
	}

	if r.Deploy == nil {
		slog.Info("sysprep image ready", "runID", res.RunID, "path", res.Image.Path)
		return res, nil
	}
	return res, p.deploy(ctx, FlowSysprep, r, ws, res)
}

// declareGuestOps declares the guest operations in dependency order: identity and network first,
// then credentials, then the mirror dependent package operations, then custom commands, and the
// SELinux relabel last.
func (p *Pipeline) declareGuestOps(ctx context.Context, session *mount.GuestSession, r Run) error {
	cfg := r.Provisioning
	var ops []mount.Op

	if cfg.Hostname != "" {
		ops = append(ops, mount.SetHostname(cfg.Hostname))
	}

	netArtifacts, err := inject.Render(inject.KindGuestNetwork, cfg, r.Inject)
	if err != nil {
		return err
	}
	ops = append(ops, writeOps(netArtifacts)...)

	user := r.Sysprep.SSHUser
	if user == "" {
		user = "root"
	}
	for _, key := range cfg.SortedSSHKeys() {
		ops = append(ops, mount.InjectSSHKey(user, key))
	}
	if cfg.RootPasswordHash != "" {
		ops = append(ops, mount.SetRootPassword(cfg.RootPasswordHash))
	}
	if err := session.Apply(ops...); err != nil {
		return err
	}

	repoArtifacts, err := inject.Render(inject.KindRepoDefinitions, cfg, r.Inject)
	if err != nil {
		return err
	}
	mirrorOps := writeOps(repoArtifacts)
	if r.Sysprep.Update {
		mirrorOps = append(mirrorOps, mount.UpdatePackages())
	}
	if len(r.Sysprep.Packages) > 0 {
		mirrorOps = append(mirrorOps, mount.InstallPackages(r.Sysprep.Packages...))
	}
	if len(mirrorOps) > 0 {
		if _, err := session.ApplyIf(ctx, p.mirrorReachable(r.Sysprep.Mirror), mirrorOps...); err != nil {
			return err
		}
	}

	var tail []mount.Op
	for _, cmd := range r.Sysprep.Commands {
		tail = append(tail, mount.RunCommand(cmd))
	}
	if r.Sysprep.SELinuxRelabel {
		tail = append(tail, mount.SELinuxRelabel())
	}
	return session.Apply(tail...)
}

// mirrorReachable fails when no mirror is configured or when the probe fails. The mirror may still
// go away before the ops run at Commit.
func (p *Pipeline) mirrorReachable(mirror string) mount.Condition {
	return func(ctx context.Context) error {
		if mirror == "" {
			return errMirrorUnset
		}
		return p.locator.Probe(ctx, mirror)
	}
}

func writeOps(set *types.ArtifactSet) []mount.Op {
	ops := make([]mount.Op, 0, set.Len())
	for _, a := range set.Items() {
		ops = append(ops, mount.WriteFile("/"+a.RelativePath, a.Content))
	}
	return ops
}
