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
	"log/slog"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/inject"
	"github.com/alexandremahdhaoui/imagesmith/pkg/mount"
	"github.com/alexandremahdhaoui/imagesmith/pkg/repack"
	"github.com/google/uuid"
)

// RunInstaller builds an unattended installer ISO from the installer image of r.Version, then
// deploys it when r.Deploy is set.
func (p *Pipeline) RunInstaller(ctx context.Context, r Run) (res *Result, err error) {
	ws, end, err := p.begin(ctx, FlowInstaller, r)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	res = &Result{RunID: uuid.NewString()}
	slog.Info("starting installer run", "runID", res.RunID, "version", r.Version)

	if err := p.stage(ctx, FlowInstaller, StageLocate, func(ctx context.Context) error {
		req := r.Image
		req.Version = r.Version
		var err error
		res.Source, err = p.locator.Locate(ctx, req)
		return err
	}); err != nil {
		return res, err
	}

	var handle *mount.Handle
	if err := p.stage(ctx, FlowInstaller, StageMount, func(ctx context.Context) error {
		var err error
		handle, err = p.mounter.Acquire(ctx, res.Source, ws.mount, types.ReadOnly)
		return err
	}); err != nil {
		return res, err
	}
	defer func() {
		err = withRelease(err, StageMount, handle.Release(ctx))
	}()

	var artifacts *types.ArtifactSet
	if err := p.stage(ctx, FlowInstaller, StageInject, func(context.Context) error {
		var err error
		artifacts, err = inject.Render(inject.KindAnswerFile, r.Provisioning, r.Inject)
		return err
	}); err != nil {
		return res, err
	}

	if err := p.stage(ctx, FlowInstaller, StageRepackage, func(ctx context.Context) error {
		spec := r.Boot
		if spec.AnswerFile == "" {
			spec.AnswerFile = inject.AnswerFilePath
		}
		var err error
		res.Image, err = repack.New(p.runner, ws.dir, ws.iso, p.repackOpts...).Repackage(ctx, handle, artifacts, spec)
		return err
	}); err != nil {
		return res, err
	}

	// the tree is copied, the VM boots from the new image only
	if err := handle.Release(ctx); err != nil {
		return res, &StageError{Stage: StageMount, Err: err}
	}

	if r.Deploy == nil {
		slog.Info("installer image ready", "runID", res.RunID, "path", res.Image.Path)
		return res, nil
	}
	return res, p.deploy(ctx, FlowInstaller, r, ws, res)
}
