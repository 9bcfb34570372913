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

// Package mount acquires the sources a provisioning run edits: loop-mounted installer ISOs and
// offline guest sessions on disk images.
//
// Every acquired resource implements Acquired and must be released on every exit path:
//
//	h, err := m.Acquire(ctx, src, mountPoint, types.ReadOnly)
//	if err != nil {
//		return err
//	}
//	defer h.Release(ctx)
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	"github.com/moby/sys/mountinfo"
)

var (
	ErrMount        = errors.New("mount failed")
	ErrGuestSession = errors.New("guest session failed")
)

// Acquired is a scoped source handed to the repackager.
type Acquired interface {
	// Path is the mount point of an ISO or the disk image of a guest session.
	Path() string
	Format() types.ImageFormat
	Release(ctx context.Context) error
}

// MountTable reports the filesystem type mounted at mountPoint, or "" when nothing is mounted.
type MountTable func(mountPoint string) (string, error)

// SystemMountTable reads /proc/self/mountinfo.
func SystemMountTable(mountPoint string) (string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountPoint))
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", nil
	}
	return infos[len(infos)-1].FSType, nil
}

func isISOFilesystem(fsType string) bool {
	return fsType == "iso9660" || fsType == "udf"
}

// ------------------------------------------------------- ISO MOUNTER ------------------------------------------------------- //

// ISOMounterOption configures an ISOMounter.
type ISOMounterOption func(*ISOMounter)

// WithMountTable replaces the mount table lookup.
func WithMountTable(table MountTable) ISOMounterOption {
	return func(m *ISOMounter) {
		m.table = table
	}
}

// ISOMounter loop-mounts installer ISOs.
type ISOMounter struct {
	runner execcontext.Runner
	table  MountTable
}

// NewISOMounter returns an ISOMounter running mount/umount through runner.
func NewISOMounter(runner execcontext.Runner, opts ...ISOMounterOption) *ISOMounter {
	m := &ISOMounter{
		runner: runner,
		table:  SystemMountTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire loop-mounts src at mountPoint. No mount command runs when an ISO filesystem is already
// mounted there.
func (m *ISOMounter) Acquire(
	ctx context.Context,
	src types.ImageSource,
	mountPoint string,
	mode types.MountMode,
) (*Handle, error) {
	if mode == types.ReadWrite {
		return nil, fmt.Errorf("%w: iso9660 sources can only be mounted read-only", ErrMount)
	}

	mp, err := filepath.Abs(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMount, err)
	}
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating mount point: %v", ErrMount, err)
	}

	h := &Handle{
		Source:     src.Path,
		MountPoint: mp,
		Mode:       types.ReadOnly,
		mounter:    m,
	}

	fsType, err := m.table(mp)
	if err != nil {
		return nil, fmt.Errorf("%w: reading mount table: %v", ErrMount, err)
	}
	if isISOFilesystem(fsType) {
		slog.Info("iso already mounted", "mountPoint", mp, "fsType", fsType)
		return h, nil
	}

	if _, err := m.runner.Run(ctx, "mount", "-o", "loop,ro", "-t", "iso9660", src.Path, mp); err != nil {
		return nil, fmt.Errorf("%w: mounting %s on %s: %w", ErrMount, src.Path, mp, err)
	}

	slog.Info("mounted iso", "source", src.Path, "mountPoint", mp)
	return h, nil
}

// Handle is an acquired ISO mount.
type Handle struct {
	Source     string
	MountPoint string
	Mode       types.MountMode

	mounter *ISOMounter
	once    sync.Once
	err     error
}

var _ Acquired = &Handle{}

func (h *Handle) Path() string { return h.MountPoint }

func (h *Handle) Format() types.ImageFormat { return types.FormatISO9660 }

// Release unmounts the ISO. It is safe to call several times and still runs when ctx is
// already cancelled.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		ctx := context.WithoutCancel(ctx)

		fsType, err := h.mounter.table(h.MountPoint)
		if err != nil {
			h.err = fmt.Errorf("%w: reading mount table: %v", ErrMount, err)
			return
		}
		if !isISOFilesystem(fsType) {
			return
		}

		if _, err := h.mounter.runner.Run(ctx, "umount", h.MountPoint); err != nil {
			h.err = fmt.Errorf("%w: unmounting %s: %w", ErrMount, h.MountPoint, err)
			return
		}
		slog.Info("unmounted iso", "mountPoint", h.MountPoint)
	})
	return h.err
}
