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

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/vmm"
)

// PromoteRun promotes a VM left by an earlier run.
type PromoteRun struct {
	// VMName is the libvirt domain name.
	VMName string
	// DiskPath is the disk created for the VM.
	DiskPath string
	Options  vmm.PromoteOptions
}

// Promote copies the disk of a stopped VM into a storage pool, then removes the VM and its
// storage. Nothing is removed unless the copy is verified.
func (p *Pipeline) Promote(ctx context.Context, r PromoteRun) (dest string, err error) {
	if r.VMName == "" || r.DiskPath == "" {
		return "", fmt.Errorf("%w: a VM name and a disk path are required", ErrInvalidRun)
	}
	if p.deployer == nil {
		return "", &StageError{Stage: StagePromote, Err: ErrNoDeployer}
	}
	defer func() {
		p.finish(FlowPromote, err)
	}()

	inst := &types.VMInstance{
		Name:         r.VMName,
		Definition:   types.VMDefinition{DiskPath: r.DiskPath},
		State:        types.VMStopped,
		CreatedFiles: []string{r.DiskPath},
	}
	err = p.stage(ctx, FlowPromote, StagePromote, func(ctx context.Context) error {
		var err error
		dest, err = p.deployer.Promote(ctx, inst, r.Options)
		return err
	})
	return dest, err
}

