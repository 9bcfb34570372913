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

package image

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
}

func TestLocate_Local(t *testing.T) {
	const pattern = "VMware-VMvisor-Installer-{version}*.x86_64.iso"

	tests := []struct {
		name        string
		files       []string
		version     string
		expected    string
		expectedErr error
	}{
		{
			name:     "exactly one match",
			files:    []string{"VMware-VMvisor-Installer-6.7.0-8169922.x86_64.iso", "VMware-VMvisor-Installer-7.0.0-1.x86_64.iso"},
			version:  "6.7",
			expected: "VMware-VMvisor-Installer-6.7.0-8169922.x86_64.iso",
		},
		{
			name:        "no match",
			files:       []string{"VMware-VMvisor-Installer-7.0.0-1.x86_64.iso"},
			version:     "6.7",
			expectedErr: ErrNotFound,
		},
		{
			name: "ambiguous match is not resolved",
			files: []string{
				"VMware-VMvisor-Installer-6.7.0-8169922.x86_64.iso",
				"VMware-VMvisor-Installer-6.7.0.update03-14320388.x86_64.iso",
			},
			version:     "6.7",
			expectedErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			touch(t, dir, tt.files...)
			require.NoError(t, os.Mkdir(filepath.Join(dir, "VMware-VMvisor-Installer-6.7-dir.x86_64.iso"), 0o755))

			src, err := NewLocator().Locate(context.Background(), Request{
				Version:    tt.version,
				SearchRoot: dir,
				Pattern:    pattern,
			})

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tt.expected), src.Path)
			assert.Equal(t, types.OriginLocal, src.Origin)
			assert.Equal(t, tt.version, src.Version)
		})
	}
}

func TestLocate_InvalidRequest(t *testing.T) {
	l := NewLocator()

	_, err := l.Locate(context.Background(), Request{SearchRoot: "/tmp"})
	assert.ErrorIs(t, err, ErrVersionRequired)

	_, err = l.Locate(context.Background(), Request{Version: "6.7"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = l.Locate(context.Background(), Request{Version: "6.7", SearchRoot: "/tmp", URL: "http://x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLocate_Remote(t *testing.T) {
	payload := []byte("qcow2 image bytes")
	sum := fmt.Sprintf("sha256:%x", sha256.Sum256(payload))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/CentOS-7-x86_64-GenericCloud-2003.qcow2":
			_, _ = w.Write(payload)
		case "/head-not-allowed.qcow2":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	t.Run("probe then download", func(t *testing.T) {
		cache := t.TempDir()
		src, err := NewLocator().Locate(context.Background(), Request{
			Version:  "2003",
			URL:      srv.URL + "/CentOS-7-x86_64-GenericCloud-{version}.qcow2",
			CacheDir: cache,
			Checksum: sum,
		})
		require.NoError(t, err)
		assert.Equal(t, types.OriginRemote, src.Origin)
		assert.Equal(t, filepath.Join(cache, "CentOS-7-x86_64-GenericCloud-2003.qcow2"), src.Path)
		assert.Equal(t, sum, src.Checksum)

		b, err := os.ReadFile(src.Path)
		require.NoError(t, err)
		assert.Equal(t, payload, b)
		assert.NoFileExists(t, src.Path+".part")
	})

	t.Run("broken mirror fails before download", func(t *testing.T) {
		cache := t.TempDir()
		_, err := NewLocator().Locate(context.Background(), Request{
			Version:  "2003",
			URL:      srv.URL + "/missing-{version}.qcow2",
			CacheDir: cache,
		})
		assert.ErrorIs(t, err, ErrUnavailable)

		entries, err := os.ReadDir(cache)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("falls back to GET when HEAD is not allowed", func(t *testing.T) {
		assert.NoError(t, NewLocator().Probe(context.Background(), srv.URL+"/head-not-allowed.qcow2"))
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		_, err := NewLocator().Locate(context.Background(), Request{
			Version:  "2003",
			URL:      srv.URL + "/CentOS-7-x86_64-GenericCloud-{version}.qcow2",
			CacheDir: t.TempDir(),
			Checksum: "sha256:deadbeef",
		})
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})
}

func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewLocator().Probe(context.Background(), url)
	assert.ErrorIs(t, err, ErrUnavailable)
}
