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

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	errConnectLibvirt = errors.New("failed to connect to libvirt")
	errDefineDomain   = errors.New("failed to define domain")
	errCreateDomain   = errors.New("failed to create domain")
	errGetDomainState = errors.New("failed to get domain state")
	errDestroyDomain  = errors.New("failed to destroy domain")
	errUndefineDomain = errors.New("failed to undefine domain")
	errDeleteVolume   = errors.New("failed to delete volume")
	errLookupPool     = errors.New("failed to look up storage pool")
)

// DefaultURI is the libvirt connection URI of system domains.
const DefaultURI = "qemu:///system"

// LibvirtHypervisor implements Hypervisor with a libvirt connection.
type LibvirtHypervisor struct {
	conn *libvirt.Connect
}

var _ Hypervisor = &LibvirtHypervisor{}

// NewLibvirtHypervisor connects to uri.
func NewLibvirtHypervisor(uri string) (*LibvirtHypervisor, error) {
	if uri == "" {
		uri = DefaultURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errConnectLibvirt, uri, err)
	}
	return &LibvirtHypervisor{conn: conn}, nil
}

// Connection returns the underlying connection, e.g. to manage networks.
func (h *LibvirtHypervisor) Connection() *libvirt.Connect {
	return h.conn
}

// Close closes the libvirt connection.
func (h *LibvirtHypervisor) Close() error {
	if h.conn == nil {
		return nil
	}
	_, err := h.conn.Close()
	return err
}

func (h *LibvirtHypervisor) Define(ctx context.Context, domainXML string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dom, err := h.conn.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("%w: %v", errDefineDomain, err)
	}
	return dom.Free()
}

func (h *LibvirtHypervisor) Start(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dom, err := h.lookup(name)
	if err != nil {
		return err
	}
	if dom == nil {
		return fmt.Errorf("%w: %s", ErrVMNotFound, name)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return fmt.Errorf("%w: vmName=%s: %v", errCreateDomain, name, err)
	}
	return nil
}

func (h *LibvirtHypervisor) State(ctx context.Context, name string) (types.VMState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dom, err := h.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return types.VMUndefined, nil
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return "", fmt.Errorf("%w: vmName=%s: %v", errGetDomainState, name, err)
	}
	return vmState(state), nil
}

func vmState(state libvirt.DomainState) types.VMState {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED, libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return types.VMRunning
	case libvirt.DOMAIN_SHUTOFF, libvirt.DOMAIN_CRASHED:
		return types.VMStopped
	default:
		// DOMAIN_NOSTATE and DOMAIN_SHUTDOWN are transient
		return types.VMDefined
	}
}

// Remove destroys the domain if it is running and undefines it with its managed save, snapshot
// metadata and NVRAM. With storage, file-backed disks are deleted through their storage volume, or
// directly when they are not part of a pool.
func (h *LibvirtHypervisor) Remove(ctx context.Context, name string, withStorage bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dom, err := h.lookup(name)
	if err != nil {
		return err
	}
	if dom == nil {
		slog.Info("VM not found in libvirt, skipping removal", "vmName", name)
		return nil
	}
	defer dom.Free()

	var disks []string
	if withStorage {
		disks, err = domainDiskFiles(dom)
		if err != nil {
			return err
		}
	}

	state, _, err := dom.GetState()
	if err != nil {
		return fmt.Errorf("%w: vmName=%s: %v", errGetDomainState, name, err)
	}
	if state == libvirt.DOMAIN_RUNNING || state == libvirt.DOMAIN_PAUSED || state == libvirt.DOMAIN_BLOCKED {
		if err := dom.Destroy(); err != nil {
			return fmt.Errorf("%w: vmName=%s: %v", errDestroyDomain, name, err)
		}
	}

	flags := libvirt.DOMAIN_UNDEFINE_MANAGED_SAVE |
		libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA |
		libvirt.DOMAIN_UNDEFINE_NVRAM
	if err := dom.UndefineFlags(flags); err != nil {
		return fmt.Errorf("%w: vmName=%s: %v", errUndefineDomain, name, err)
	}

	for _, path := range disks {
		if err := h.deleteVolume(path); err != nil {
			return err
		}
	}

	slog.Info("removed VM", "vmName", name, "deletedDisks", disks)
	return nil
}

func (h *LibvirtHypervisor) deleteVolume(path string) error {
	vol, err := h.conn.LookupStorageVolByPath(path)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %v", errDeleteVolume, path, rmErr)
		}
		return nil
	}
	defer vol.Free()

	if err := vol.Delete(0); err != nil {
		return fmt.Errorf("%w: %s: %v", errDeleteVolume, path, err)
	}
	return nil
}

// domainDiskFiles returns the file sources of the disks of dom, cdroms excluded.
func domainDiskFiles(dom *libvirt.Domain) ([]string, error) {
	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get domain XML: %v", err)
	}
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %v", err)
	}
	return diskFiles(&def), nil
}

func diskFiles(def *libvirtxml.Domain) []string {
	if def.Devices == nil {
		return nil
	}
	var out []string
	for _, d := range def.Devices.Disks {
		if d.Device != "disk" || d.Source == nil || d.Source.File == nil || d.Source.File.File == "" {
			continue
		}
		out = append(out, d.Source.File.File)
	}
	return out
}

// PoolPath returns the target path of a storage pool.
func (h *LibvirtHypervisor) PoolPath(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pool, err := h.conn.LookupStoragePoolByName(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errLookupPool, name, err)
	}
	defer pool.Free()

	xml, err := pool.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errLookupPool, name, err)
	}
	return poolTargetPath(xml)
}

func poolTargetPath(xml string) (string, error) {
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return "", fmt.Errorf("%w: %v", errLookupPool, err)
	}
	if def.Target == nil || def.Target.Path == "" {
		return "", fmt.Errorf("%w: pool %s has no target path", errLookupPool, def.Name)
	}
	return def.Target.Path, nil
}

// lookup returns nil when the domain does not exist.
func (h *LibvirtHypervisor) lookup(name string) (*libvirt.Domain, error) {
	dom, err := h.conn.LookupDomainByName(name)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up domain %s: %v", name, err)
	}
	return dom, nil
}
