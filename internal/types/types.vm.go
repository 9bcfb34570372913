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

package types

import (
	"errors"
	"sync"
)

// ErrImageConsumed is returned when a BootableImage is handed to a deployer twice.
var ErrImageConsumed = errors.New("bootable image already consumed")

// ImageFormat is the on-disk format of a BootableImage.
type ImageFormat string

const (
	FormatISO9660 ImageFormat = "iso9660"
	FormatQCOW2   ImageFormat = "qcow2"
)

// BootableImage is produced by the repackager and consumed exactly once by the deployer.
type BootableImage struct {
	Path              string
	Format            ImageFormat
	BootConfigPatched bool

	once sync.Once
}

// Consume marks the image as used. It returns ErrImageConsumed on every call after the first.
func (b *BootableImage) Consume() error {
	first := false
	b.once.Do(func() {
		first = true
	})
	if !first {
		return ErrImageConsumed
	}
	return nil
}

// ------------------------------------------------- VM INSTANCE ---------------------------------------------------- //

// VMState is the lifecycle state of a VMInstance.
type VMState string

const (
	VMDefined   VMState = "Defined"
	VMRunning   VMState = "Running"
	VMStopped   VMState = "Stopped"
	VMUndefined VMState = "Undefined"
)

// VMDefinition is the hardware definition a VM was created with.
type VMDefinition struct {
	Resources ResourceSizing
	// DiskPath is the sparse disk created for the VM.
	DiskPath string
	// Network is the libvirt network the VM is attached to.
	Network string
	// MACAddress is the address of the primary interface.
	MACAddress string
	// DomainXML is the XML the domain was defined with.
	DomainXML string
}

// VMInstance is a VM created by the deployer.
type VMInstance struct {
	Name       string
	Definition VMDefinition
	State      VMState
	// CreatedFiles tracks files created for the VM, for cleanup.
	CreatedFiles []string
}
