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

// Package image resolves the base image a provisioning run starts from.
//
// A base image is either a local file matching a version-tagged glob in a search root, or a remote
// file on a mirror. Remote images are probed before any download is attempted and nothing is ever
// retried: the caller decides whether to retry the whole run.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-retryablehttp"
)

// VersionPlaceholder is substituted by the requested version in patterns and URLs.
const VersionPlaceholder = "{version}"

var (
	ErrNotFound        = errors.New("image not found")
	ErrUnavailable     = errors.New("image mirror unavailable")
	ErrVersionRequired = errors.New("version is required")
	ErrInvalidRequest  = errors.New("exactly one of a local search root or a remote URL is required")
	ErrDownload        = errors.New("failed to download image")
)

// Request describes the image to resolve.
type Request struct {
	// Version is the version tag (e.g. "6.7").
	Version string

	// SearchRoot is a local directory. Pattern is matched against its entries.
	SearchRoot string
	// Pattern is a glob such as "VMware-VMvisor-Installer-{version}*.x86_64.iso".
	Pattern string

	// URL is a remote URL template such as "https://mirror/CentOS-7-x86_64-GenericCloud-{version}.qcow2".
	URL string
	// CacheDir receives remote downloads.
	CacheDir string

	// Checksum is an optional "sha256:<hex>" or "sha512:<hex>" value.
	Checksum string
}

// Locator resolves a Request to exactly one ImageSource.
type Locator struct {
	client *retryablehttp.Client
}

// NewLocator returns a Locator whose HTTP client never retries.
func NewLocator() *Locator {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = slogLeveledLogger{}
	// surface the real response to the caller instead of a generic "giving up" error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Locator{client: client}
}

// Locate resolves req. It fails with ErrNotFound when zero or several local candidates match, and
// with ErrUnavailable when the remote probe does not succeed.
func (l *Locator) Locate(ctx context.Context, req Request) (types.ImageSource, error) {
	if req.Version == "" {
		return types.ImageSource{}, ErrVersionRequired
	}

	local := req.SearchRoot != ""
	remote := req.URL != ""
	if local == remote {
		return types.ImageSource{}, ErrInvalidRequest
	}

	var (
		src types.ImageSource
		err error
	)
	if local {
		src, err = locateLocal(req)
	} else {
		src, err = l.locateRemote(ctx, req)
	}
	if err != nil {
		return types.ImageSource{}, err
	}

	if req.Checksum != "" {
		if err := VerifyChecksum(src.Path, req.Checksum); err != nil {
			return types.ImageSource{}, err
		}
		src.Checksum = req.Checksum
	}

	slog.Info("resolved base image", "version", src.Version, "origin", src.Origin, "path", src.Path)
	return src, nil
}

func locateLocal(req Request) (types.ImageSource, error) {
	pattern := strings.ReplaceAll(req.Pattern, VersionPlaceholder, req.Version)
	if pattern == "" {
		return types.ImageSource{}, fmt.Errorf("%w: empty pattern", ErrNotFound)
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return types.ImageSource{}, fmt.Errorf("%w: invalid pattern %q: %v", ErrNotFound, pattern, err)
	}

	entries, err := os.ReadDir(req.SearchRoot)
	if err != nil {
		return types.ImageSource{}, fmt.Errorf("%w: reading %s: %v", ErrNotFound, req.SearchRoot, err)
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if g.Match(e.Name()) {
			matches = append(matches, filepath.Join(req.SearchRoot, e.Name()))
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return types.ImageSource{}, fmt.Errorf("%w: no file in %s matches %q", ErrNotFound, req.SearchRoot, pattern)
	case 1:
		return types.ImageSource{
			Version: req.Version,
			Origin:  types.OriginLocal,
			Path:    matches[0],
		}, nil
	default:
		return types.ImageSource{}, fmt.Errorf("%w: %d files in %s match %q: %s",
			ErrNotFound, len(matches), req.SearchRoot, pattern, strings.Join(matches, ", "))
	}
}

func (l *Locator) locateRemote(ctx context.Context, req Request) (types.ImageSource, error) {
	url := strings.ReplaceAll(req.URL, VersionPlaceholder, req.Version)

	if err := l.Probe(ctx, url); err != nil {
		return types.ImageSource{}, err
	}

	cacheDir := req.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	dest := filepath.Join(cacheDir, path.Base(url))

	if _, err := os.Stat(dest); err == nil {
		slog.Debug("image already cached", "path", dest)
	} else if err := l.Download(ctx, url, dest); err != nil {
		return types.ImageSource{}, err
	}

	return types.ImageSource{
		Version: req.Version,
		Origin:  types.OriginRemote,
		URL:     url,
		Path:    dest,
	}, nil
}

// Probe checks that url answers a HEAD (or GET when HEAD is not allowed) with a success status.
func (l *Locator) Probe(ctx context.Context, url string) error {
	status, err := l.probe(ctx, http.MethodHead, url)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = l.probe(ctx, http.MethodGet, url)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: %s: HTTP %d", ErrUnavailable, url, status)
	}
	return nil
}

func (l *Locator) probe(ctx context.Context, method, url string) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// slogLeveledLogger routes retryablehttp logs to slog.
type slogLeveledLogger struct{}

func (slogLeveledLogger) Error(msg string, kv ...interface{}) { slog.Error(msg, kv...) }
func (slogLeveledLogger) Info(msg string, kv ...interface{})  { slog.Debug(msg, kv...) }
func (slogLeveledLogger) Debug(msg string, kv ...interface{}) { slog.Debug(msg, kv...) }
func (slogLeveledLogger) Warn(msg string, kv ...interface{})  { slog.Warn(msg, kv...) }
