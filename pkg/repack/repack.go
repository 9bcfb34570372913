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

// Package repack turns an acquired source and its injected artifacts into a bootable image.
//
// Installer ISOs are copied to a scratch tree, patched for unattended boot and rebuilt as a hybrid
// El Torito image with an EFI fallback. Disk images were already edited in place by their guest
// session and are returned as they are.
package repack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	"github.com/alexandremahdhaoui/imagesmith/pkg/mount"
	"github.com/kdomanski/iso9660"
	"golang.org/x/sys/unix"
)

var (
	ErrCopy  = errors.New("failed to copy image tree")
	ErrPatch = errors.New("failed to patch boot configuration")
	ErrBuild = errors.New("failed to build image")
)

// BootPatchSpec describes how the installer tree is made unattended and how it is rebuilt.
type BootPatchSpec struct {
	// Timeout replaces every bootloader countdown, in seconds.
	Timeout int
	// KernelArg is appended once to the kernelopt= line of every boot config.
	KernelArg string
	// BootConfigs hold "timeout=" and "kernelopt=" lines.
	BootConfigs []string
	// LegacyConfigs hold an ISOLINUX "TIMEOUT" directive.
	LegacyConfigs []string

	BIOSBootImage string
	BootCatalog   string
	EFIBootImage  string
	VolumeID      string

	// AnswerFile must be present at the root of the built image.
	AnswerFile string
}

// DefaultBootPatchSpec returns the patch rules of an ESXi installer.
func DefaultBootPatchSpec() BootPatchSpec {
	return BootPatchSpec{
		Timeout:       1,
		KernelArg:     "ks=cdrom:/KS.CFG",
		BootConfigs:   []string{"BOOT.CFG", "EFI/BOOT/BOOT.CFG"},
		LegacyConfigs: []string{"ISOLINUX.CFG"},
		BIOSBootImage: "ISOLINUX.BIN",
		BootCatalog:   "BOOT.CAT",
		EFIBootImage:  "EFIBOOT.IMG",
		AnswerFile:    "KS.CFG",
	}
}

// Option configures a Repackager.
type Option func(*Repackager)

// WithFreeSpace replaces the lookup of available bytes in the scratch directory.
func WithFreeSpace(f func(dir string) (uint64, error)) Option {
	return func(r *Repackager) {
		r.freeSpace = f
	}
}

// Repackager builds bootable images in a scratch directory.
type Repackager struct {
	runner    execcontext.Runner
	scratch   string
	output    string
	freeSpace func(dir string) (uint64, error)
}

// New returns a Repackager working in scratch and writing ISO images to output.
func New(runner execcontext.Runner, scratch, output string, opts ...Option) *Repackager {
	r := &Repackager{
		runner:    runner,
		scratch:   scratch,
		output:    output,
		freeSpace: availableBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TreeDir is the working copy of the mount tree.
func (r *Repackager) TreeDir() string {
	return filepath.Join(r.scratch, "tree")
}

// Repackage builds the bootable image of src.
func (r *Repackager) Repackage(
	ctx context.Context,
	src mount.Acquired,
	artifacts *types.ArtifactSet,
	spec BootPatchSpec,
) (*types.BootableImage, error) {
	if src.Format() == types.FormatQCOW2 {
		slog.Info("disk image edited in place, nothing to repackage", "path", src.Path())
		return &types.BootableImage{Path: src.Path(), Format: types.FormatQCOW2}, nil
	}

	tree := r.TreeDir()
	if err := r.copyTree(ctx, src.Path(), tree); err != nil {
		return nil, err
	}

	if err := writeArtifacts(tree, artifacts); err != nil {
		return nil, err
	}

	if err := patchTree(tree, spec); err != nil {
		return nil, err
	}

	if err := r.build(ctx, tree, spec); err != nil {
		return nil, err
	}

	if err := verify(r.output, spec.AnswerFile); err != nil {
		return nil, err
	}

	slog.Info("built bootable image", "path", r.output)
	return &types.BootableImage{
		Path:              r.output,
		Format:            types.FormatISO9660,
		BootConfigPatched: true,
	}, nil
}

// ------------------------------------------------------- COPY ------------------------------------------------------ //

func (r *Repackager) copyTree(ctx context.Context, src, tree string) error {
	size, err := treeSize(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopy, err)
	}

	if err := os.MkdirAll(r.scratch, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCopy, err)
	}
	// the previous tree of the same version is stale
	if err := makeWritable(tree); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrCopy, err)
	}
	if err := os.RemoveAll(tree); err != nil {
		return fmt.Errorf("%w: %v", ErrCopy, err)
	}

	avail, err := r.freeSpace(r.scratch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopy, err)
	}
	// the tree copy, then the built image of about the same size
	need := 2 * size
	if avail < need {
		return fmt.Errorf("%w: insufficient scratch space in %s: need %d bytes, %d available",
			ErrCopy, r.scratch, need, avail)
	}

	if _, err := r.runner.Run(ctx, "rsync", "-a", strings.TrimSuffix(src, "/")+"/", tree+"/"); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if err := makeWritable(tree); err != nil {
		return fmt.Errorf("%w: %v", ErrCopy, err)
	}
	return nil
}

func treeSize(root string) (uint64, error) {
	var size uint64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += uint64(info.Size())
		}
		return nil
	})
	return size, err
}

func makeWritable(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(p, info.Mode().Perm()|0o200)
	})
}

func availableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// resolve returns the host path of a slash-separated path relative to tree. Paths escaping the
// tree are rejected.
func resolve(tree, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || path.IsAbs(rel) || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("invalid tree path %q", rel)
	}
	for _, elem := range strings.Split(rel, "/") {
		if elem == ".." {
			return "", fmt.Errorf("invalid tree path %q", rel)
		}
	}
	return filepath.Join(tree, filepath.FromSlash(clean)), nil
}

func writeArtifacts(tree string, artifacts *types.ArtifactSet) error {
	if artifacts == nil {
		return nil
	}
	for _, a := range artifacts.Items() {
		p, err := resolve(tree, a.RelativePath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCopy, err)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrCopy, err)
		}
		if _, err := os.Lstat(p); err == nil {
			slog.Warn("artifact replaces a file of the image tree", "path", a.RelativePath)
		}
		mode := fs.FileMode(a.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(p, a.Content, mode); err != nil {
			return fmt.Errorf("%w: writing artifact %s: %v", ErrCopy, a.RelativePath, err)
		}
		slog.Debug("wrote artifact", "path", a.RelativePath)
	}
	return nil
}

// ------------------------------------------------------- PATCH ----------------------------------------------------- //

// patchTree patches every boot config in memory and writes them only when all of them succeeded.
func patchTree(tree string, spec BootPatchSpec) error {
	type patched struct {
		path    string
		content []byte
		mode    fs.FileMode
	}

	var out []patched
	apply := func(rel string, patch func([]byte) ([]byte, error)) error {
		p, err := resolve(tree, rel)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPatch, err)
		}
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPatch, rel, err)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPatch, rel, err)
		}
		b, err = patch(b)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		out = append(out, patched{path: p, content: b, mode: info.Mode().Perm()})
		return nil
	}

	for _, rel := range spec.BootConfigs {
		if err := apply(rel, func(b []byte) ([]byte, error) {
			return PatchBootConfig(b, spec.Timeout, spec.KernelArg)
		}); err != nil {
			return err
		}
	}
	for _, rel := range spec.LegacyConfigs {
		if err := apply(rel, func(b []byte) ([]byte, error) {
			return PatchLegacyConfig(b, spec.Timeout)
		}); err != nil {
			return err
		}
	}

	for _, p := range out {
		if err := os.WriteFile(p.path, p.content, p.mode); err != nil {
			return fmt.Errorf("%w: writing %s: %v", ErrPatch, p.path, err)
		}
	}
	return nil
}

// ------------------------------------------------------- BUILD ----------------------------------------------------- //

func (r *Repackager) build(ctx context.Context, tree string, spec BootPatchSpec) error {
	if err := os.MkdirAll(filepath.Dir(r.output), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	if err := os.Remove(r.output); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}

	if _, err := r.runner.Run(ctx, "genisoimage", GenisoimageArgs(tree, r.output, spec)...); err != nil {
		return fmt.Errorf("%w: %w", ErrBuild, err)
	}
	return nil
}

// GenisoimageArgs returns the arguments of a hybrid BIOS/EFI El Torito build of tree.
func GenisoimageArgs(tree, output string, spec BootPatchSpec) []string {
	args := []string{"-relaxed-filenames", "-J", "-R", "-o", output}
	if spec.VolumeID != "" {
		args = append(args, "-V", spec.VolumeID)
	}
	args = append(args,
		"-b", spec.BIOSBootImage,
		"-c", spec.BootCatalog,
		"-no-emul-boot",
		"-boot-load-size", "4",
		"-boot-info-table",
		"-eltorito-alt-boot",
		"-e", spec.EFIBootImage,
		"-no-emul-boot",
		tree,
	)
	return args
}

// verify opens the built image and checks that the answer file is at its root.
func verify(output, answerFile string) error {
	f, err := os.Open(output)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("%w: %s is not a valid iso9660 image: %v", ErrBuild, output, err)
	}
	if answerFile == "" {
		return nil
	}

	root, err := img.RootDir()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuild, err)
	}
	for _, c := range children {
		if !c.IsDir() && strings.EqualFold(c.Name(), answerFile) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s missing from %s", ErrBuild, answerFile, output)
}
