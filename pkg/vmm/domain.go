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
	"crypto/rand"
	"fmt"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

// domainSpec is the hardware of a deployed VM.
type domainSpec struct {
	Name      string
	Machine   string
	Resources types.ResourceSizing

	DiskPath string
	// DiskBus is "sata" for installer images and "virtio" for cloud images.
	DiskBus string
	// InstallerISO is attached as a cdrom the VM boots from while its disk is empty.
	InstallerISO string
	// MetadataISO is the cidata volume.
	MetadataISO string

	Network    string
	MACAddress string
	NICModel   string
}

func buildDomain(s domainSpec) *libvirtxml.Domain {
	res := s.Resources

	disks := []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "qcow2",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: s.DiskPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: diskDev(s.DiskBus, 0),
				Bus: s.DiskBus,
			},
		},
	}

	// cdroms are always on the sata bus
	cdroms := 0
	for _, iso := range []string{s.InstallerISO, s.MetadataISO} {
		if iso == "" {
			continue
		}
		cdroms++
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: iso,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: diskDev("sata", cdroms),
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	// the empty disk falls through to the installer; after the install reboot the disk boots
	bootDevices := []libvirtxml.DomainBootDevice{{Dev: "hd"}}
	if s.InstallerISO != "" {
		bootDevices = append(bootDevices, libvirtxml.DomainBootDevice{Dev: "cdrom"})
	}

	return &libvirtxml.Domain{
		Type: "kvm",
		Name: s.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: res.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: res.VCPUs(),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: s.Machine,
				Type:    "hvm",
			},
			BootDevices: bootDevices,
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
			Topology: &libvirtxml.DomainCPUTopology{
				Sockets: res.VCPUSockets,
				Cores:   res.VCPUCores,
				Threads: res.VCPUThreads,
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: disks,
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: s.Network,
						},
					},
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: s.MACAddress,
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: s.NICModel,
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: ptr.To(uint(0)),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To(uint(0)),
					},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{
					VNC: &libvirtxml.DomainGraphicVNC{
						Port:     -1,
						AutoPort: "yes",
					},
				},
			},
		},
	}
}

func diskDev(bus string, index int) string {
	prefix := "sd"
	if bus == "virtio" {
		prefix = "vd"
	}
	return fmt.Sprintf("%s%c", prefix, 'a'+index)
}

// GenerateMAC returns a random MAC address with the prefix of libvirt (52:54:00).
func GenerateMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}
