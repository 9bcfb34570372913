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

package testutil

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
)

// Boot configuration files of an ESXi 6.7 installer image.
const (
	InstallerBootCfg = `bootstate=0
title=Loading ESXi installer
timeout=5
prefix=
kernel=/b.b00
kernelopt=runweasel cdromBoot
modules=/jumpstrt.gz --- /useropts.gz --- /features.gz --- /k.b00
build=
updated=0
`
	InstallerISOLinuxCfg = `DEFAULT menu.c32
MENU TITLE ESXi-6.7.0-8169922-standard Boot Menu
NOHALT 1
PROMPT 0
TIMEOUT 80
LABEL install
  KERNEL mboot.c32
  APPEND -c boot.cfg
  MENU LABEL ESXi-6.7.0-8169922-standard ^Installer
`
)

// InstallerTree returns the files of a minimal installer tree, keyed by slash-separated path.
func InstallerTree() map[string][]byte {
	return map[string][]byte{
		"BOOT.CFG":          []byte(InstallerBootCfg),
		"EFI/BOOT/BOOT.CFG": []byte(InstallerBootCfg),
		"ISOLINUX.CFG":      []byte(InstallerISOLinuxCfg),
		"ISOLINUX.BIN":      []byte("\xfa\x31\xc0isolinux"),
		"EFIBOOT.IMG":       []byte("\xeb\x3c\x90mkfs.fat"),
		"B.B00":             []byte("vmkernel"),
		"K.B00":             []byte("vmkboot"),
		"MBOOT.C32":         []byte("mboot"),
		"MENU.C32":          []byte("menu"),
	}
}

// WriteTree writes files under root. Files are read-only, like on a mounted ISO.
func WriteTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("creating %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, content, 0o444); err != nil {
			t.Fatalf("writing %s: %v", p, err)
		}
	}
}

// CopyTree copies the regular files of src into dst, preserving their permissions.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, info.Mode().Perm())
	})
}

// BuildISO packs the files of tree into an iso9660 image at output.
func BuildISO(tree, output, volumeID string) error {
	w, err := iso9660.NewWriter()
	if err != nil {
		return err
	}
	defer w.Cleanup()

	err = filepath.WalkDir(tree, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(tree, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		return w.AddFile(f, filepath.ToSlash(rel))
	})
	if err != nil {
		return err
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	return w.WriteTo(out, volumeID)
}

// ReadISO returns every file of an iso9660 image keyed by its upper-cased slash-separated path.
func ReadISO(t *testing.T, image string) map[string][]byte {
	t.Helper()
	f, err := os.Open(image)
	if err != nil {
		t.Fatalf("opening %s: %v", image, err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("reading %s: %v", image, err)
	}
	root, err := img.RootDir()
	if err != nil {
		t.Fatalf("reading root of %s: %v", image, err)
	}

	out := make(map[string][]byte)
	var walk func(dir *iso9660.File, prefix string)
	walk = func(dir *iso9660.File, prefix string) {
		children, err := dir.GetChildren()
		if err != nil {
			t.Fatalf("listing %q: %v", prefix, err)
		}
		for _, c := range children {
			name := path.Join(prefix, strings.ToUpper(c.Name()))
			if c.IsDir() {
				walk(c, name)
				continue
			}
			b, err := io.ReadAll(c.Reader())
			if err != nil {
				t.Fatalf("reading %s: %v", name, err)
			}
			out[name] = b
		}
	}
	walk(root, "")
	return out
}
