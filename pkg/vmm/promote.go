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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
)

// PromoteOptions selects the destination of a promotion.
type PromoteOptions struct {
	// Pool is the libvirt storage pool receiving the disk.
	Pool string
	// PoolPath overrides the directory of Pool.
	PoolPath string
	// Name is the file name of the promoted disk, without extension. Defaults to the VM name.
	Name string
}

// Promote copies the disk of a stopped VM into a storage pool, then deletes the VM and its storage.
// The copy is verified before anything is deleted: a failed or incomplete copy leaves the VM
// untouched. There is no undo once the VM is deleted.
func (d *Deployer) Promote(ctx context.Context, inst *types.VMInstance, opts PromoteOptions) (string, error) {
	dir := opts.PoolPath
	if dir == "" {
		if opts.Pool == "" {
			return "", fmt.Errorf("%w: a pool or a pool path is required", ErrPromotion)
		}
		p, err := d.hv.PoolPath(ctx, opts.Pool)
		if err != nil {
			return "", fmt.Errorf("%w: resolving pool %s: %w", ErrPromotion, opts.Pool, err)
		}
		dir = p
	}

	name := opts.Name
	if name == "" {
		name = inst.Name
	}
	dest := filepath.Join(dir, name+".qcow2")

	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: %s already exists", ErrPromotion, dest)
	}

	state, err := d.hv.State(ctx, inst.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPromotion, err)
	}
	if state == types.VMRunning {
		return "", fmt.Errorf("%w: %s is still running", ErrPromotion, inst.Name)
	}

	src := inst.Definition.DiskPath
	if _, err := d.runner.Run(ctx, "qemu-img", "convert", "-O", "qcow2", src, dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("%w: copying %s to %s: %w", ErrPromotion, src, dest, err)
	}

	if err := verifyCopy(dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("%w: %v", ErrPromotion, err)
	}
	slog.Info("copied VM disk to pool", "vmName", inst.Name, "dest", dest)

	if err := d.hv.Remove(ctx, inst.Name, true); err != nil {
		return dest, fmt.Errorf("%w: removing %s: %w", ErrPromotion, inst.Name, err)
	}
	for _, f := range inst.CreatedFiles {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to delete VM file", "path", f, "error", err.Error())
		}
	}
	inst.State = types.VMUndefined

	slog.Info("promoted VM", "vmName", inst.Name, "dest", dest)
	return dest, nil
}

func verifyCopy(dest string) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("destination not found after copy: %v", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("destination %s is empty", dest)
	}
	return nil
}
