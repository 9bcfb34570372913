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
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ---------------------------------------------------- SOURCE ------------------------------------------------------ //

// OriginKind tells where an ImageSource was resolved from.
type OriginKind string

const (
	// OriginLocal is a file found on the local filesystem.
	OriginLocal OriginKind = "local"
	// OriginRemote is a file downloaded from a mirror URL.
	OriginRemote OriginKind = "remote"
)

// ImageSource is a resolved base image. It is never mutated after the locator returns it.
type ImageSource struct {
	// Version is the version tag the image was resolved for (e.g. "6.7").
	Version string
	// Origin is the kind of origin the image was resolved from.
	Origin OriginKind
	// URL is the remote URL when Origin is OriginRemote.
	URL string
	// Path is the local path of the immutable source image.
	Path string
	// Checksum is the optional "<algo>:<hex>" checksum the image was verified against.
	Checksum string
}

// ---------------------------------------------------- MOUNT ------------------------------------------------------- //

// MountMode is the access mode of a MountHandle.
type MountMode string

const (
	// ReadOnly is used for loop-mounted ISO filesystems.
	ReadOnly MountMode = "ro"
	// ReadWrite is used for offline guest-filesystem sessions.
	ReadWrite MountMode = "rw"
)

// ------------------------------------------------ PROVISIONING ---------------------------------------------------- //

// NetworkParams is the static network configuration of a provisioned guest.
type NetworkParams struct {
	Gateway string `json:"gateway"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
}

// RepoDefinition is a package repository to install in the guest.
type RepoDefinition struct {
	Name     string `json:"name"`
	BaseURL  string `json:"baseURL"`
	GPGCheck bool   `json:"gpgcheck"`
}

// ResourceSizing is the hardware shape of the VM the image is deployed to.
type ResourceSizing struct {
	MemoryMB    uint `json:"memoryMB"`
	VCPUSockets int  `json:"vcpuSockets"`
	VCPUCores   int  `json:"vcpuCores"`
	VCPUThreads int  `json:"vcpuThreads"`
	DiskGB      uint `json:"diskGB"`
}

// VCPUs returns the total number of vCPUs of the topology.
func (r ResourceSizing) VCPUs() uint {
	return uint(r.VCPUSockets * r.VCPUCores * r.VCPUThreads)
}

// ProvisioningConfig is supplied by the caller and is read-only to the pipeline.
type ProvisioningConfig struct {
	// Hostname is the hostname written to the guest metadata.
	Hostname string
	// Network holds the static address of the guest.
	Network NetworkParams
	// SSHPublicKeys is the set of authorized keys, in authorized_keys format.
	SSHPublicKeys sets.Set[string]
	// Repos is applied in order.
	Repos []RepoDefinition
	// Resources is the sizing of the deployed VM.
	Resources ResourceSizing
	// RootPasswordHash is a crypt(3) hash of the root credential. Never a clear-text password.
	RootPasswordHash string
}

// SortedSSHKeys returns the keys in a stable order so that rendering is deterministic.
func (c ProvisioningConfig) SortedSSHKeys() []string {
	keys := c.SSHPublicKeys.UnsortedList()
	sort.Strings(keys)
	return keys
}

// ------------------------------------------------- ARTIFACTS ------------------------------------------------------ //

// ErrDuplicateArtifact is returned when an artifact path is added twice without Replace.
var ErrDuplicateArtifact = errors.New("artifact path already present in set")

// Artifact is a file materialized into the image tree.
type Artifact struct {
	// RelativePath is relative to the root of the image tree, using forward slashes.
	RelativePath string
	Content      []byte
	Mode         uint32
}

// ArtifactSet is an ordered list of artifacts with unique paths.
type ArtifactSet struct {
	items []Artifact
	index map[string]int
}

// NewArtifactSet returns an empty set.
func NewArtifactSet() *ArtifactSet {
	return &ArtifactSet{index: make(map[string]int)}
}

// Add appends an artifact. A path that is already present is rejected.
func (s *ArtifactSet) Add(a Artifact) error {
	if _, ok := s.index[a.RelativePath]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateArtifact, a.RelativePath)
	}
	s.index[a.RelativePath] = len(s.items)
	s.items = append(s.items, a)
	return nil
}

// Replace overwrites the artifact at the same path, or appends it when absent.
func (s *ArtifactSet) Replace(a Artifact) {
	if i, ok := s.index[a.RelativePath]; ok {
		s.items[i] = a
		return
	}
	s.index[a.RelativePath] = len(s.items)
	s.items = append(s.items, a)
}

// Merge adds every artifact of other, in order.
func (s *ArtifactSet) Merge(other *ArtifactSet) error {
	if other == nil {
		return nil
	}
	for _, a := range other.items {
		if err := s.Add(a); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the artifact stored at path.
func (s *ArtifactSet) Get(path string) (Artifact, bool) {
	i, ok := s.index[path]
	if !ok {
		return Artifact{}, false
	}
	return s.items[i], true
}

// Items returns a copy of the artifacts in insertion order.
func (s *ArtifactSet) Items() []Artifact {
	out := make([]Artifact, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of artifacts.
func (s *ArtifactSet) Len() int {
	return len(s.items)
}
