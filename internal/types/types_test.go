//go:build unit

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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

func TestArtifactSet(t *testing.T) {
	set := NewArtifactSet()
	require.NoError(t, set.Add(Artifact{RelativePath: "KS.CFG", Content: []byte("a"), Mode: 0o644}))
	require.NoError(t, set.Add(Artifact{RelativePath: "etc/yum.repos.d/base.repo", Content: []byte("b"), Mode: 0o644}))

	err := set.Add(Artifact{RelativePath: "KS.CFG", Content: []byte("c")})
	assert.ErrorIs(t, err, ErrDuplicateArtifact)

	set.Replace(Artifact{RelativePath: "KS.CFG", Content: []byte("c"), Mode: 0o600})
	set.Replace(Artifact{RelativePath: "etc/hostname", Content: []byte("d")})

	a, ok := set.Get("KS.CFG")
	require.True(t, ok)
	assert.Equal(t, "c", string(a.Content))
	assert.Equal(t, uint32(0o600), a.Mode)

	_, ok = set.Get("missing")
	assert.False(t, ok)

	var paths []string
	for _, a := range set.Items() {
		paths = append(paths, a.RelativePath)
	}
	assert.Equal(t, []string{"KS.CFG", "etc/yum.repos.d/base.repo", "etc/hostname"}, paths)
	assert.Equal(t, 3, set.Len())
}

func TestArtifactSet_Merge(t *testing.T) {
	set := NewArtifactSet()
	require.NoError(t, set.Add(Artifact{RelativePath: "a"}))

	other := NewArtifactSet()
	require.NoError(t, other.Add(Artifact{RelativePath: "b"}))
	require.NoError(t, set.Merge(other))
	require.NoError(t, set.Merge(nil))
	assert.Equal(t, 2, set.Len())

	assert.ErrorIs(t, set.Merge(other), ErrDuplicateArtifact)
}

func TestArtifactSet_ItemsIsACopy(t *testing.T) {
	set := NewArtifactSet()
	require.NoError(t, set.Add(Artifact{RelativePath: "a"}))

	items := set.Items()
	items[0].RelativePath = "b"

	_, ok := set.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "a", set.Items()[0].RelativePath)
}

func TestSortedSSHKeys(t *testing.T) {
	cfg := ProvisioningConfig{SSHPublicKeys: sets.New("ssh-rsa BBBB b", "ssh-ed25519 AAAA a", "ssh-rsa AAAA c")}
	assert.Equal(t, []string{"ssh-ed25519 AAAA a", "ssh-rsa AAAA c", "ssh-rsa BBBB b"}, cfg.SortedSSHKeys())

	assert.Empty(t, ProvisioningConfig{}.SortedSSHKeys())
}

func TestResourceSizing_VCPUs(t *testing.T) {
	assert.Equal(t, uint(8), ResourceSizing{VCPUSockets: 2, VCPUCores: 2, VCPUThreads: 2}.VCPUs())
	assert.Equal(t, uint(0), ResourceSizing{VCPUSockets: 1, VCPUCores: 2}.VCPUs())
}

func TestBootableImage_Consume(t *testing.T) {
	img := &BootableImage{Path: "/work/6.7/esxi.iso", Format: FormatISO9660}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- img.Consume()
		}()
	}
	wg.Wait()
	close(errs)

	var ok, consumed int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrImageConsumed)
			consumed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, consumed)
}
