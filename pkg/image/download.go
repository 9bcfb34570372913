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
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

// Download fetches url into dest. Data is written to dest+".part" and renamed once complete, so an
// interrupted download never leaves a truncated image at dest.
func (l *Locator) Download(ctx context.Context, url, dest string) error {
	partPath := dest + ".part"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", ErrUnavailable, url, resp.StatusCode)
	}

	out, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	slog.Info("downloading image", "url", url, "dest", dest, "size", resp.ContentLength)
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("%w: writing %s: %v", ErrDownload, partPath, err)
	}

	if resp.ContentLength > 0 && n != resp.ContentLength {
		_ = os.Remove(partPath)
		return fmt.Errorf("%w: size mismatch: expected %d, got %d", ErrDownload, resp.ContentLength, n)
	}

	if err := os.Rename(partPath, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return nil
}

// VerifyChecksum checks the file at path against a "<algorithm>:<hex>" checksum.
// Supported algorithms: "sha256", "sha512".
func VerifyChecksum(path, checksum string) error {
	algorithm, expected, ok := strings.Cut(checksum, ":")
	if !ok {
		return fmt.Errorf("invalid checksum %q: expected <algorithm>:<hex>", checksum)
	}

	var h hash.Hash
	switch algorithm {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for verification: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	actual := fmt.Sprintf("%x", h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, path, expected, actual)
	}
	return nil
}
