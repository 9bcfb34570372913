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

package inject

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
)

// RepoDir is the guest directory repository definitions are written to.
const RepoDir = "etc/yum.repos.d"

var repoNameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var allowedRepoSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
	"file":  true,
}

func renderRepoDefinitions(cfg types.ProvisioningConfig) (*types.ArtifactSet, error) {
	set := types.NewArtifactSet()
	for _, repo := range cfg.Repos {
		content, err := RepoFile(repo)
		if err != nil {
			return nil, err
		}
		if err := set.Add(types.Artifact{
			RelativePath: path.Join(RepoDir, repo.Name+".repo"),
			Content:      []byte(content),
			Mode:         0o644,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRender, err)
		}
	}
	return set, nil
}

// ValidateRepo checks that the repository name is a safe file name and that its base URL is an
// absolute URL with a supported scheme.
func ValidateRepo(repo types.RepoDefinition) error {
	if !repoNameRegex.MatchString(repo.Name) || repo.Name == "." || repo.Name == ".." {
		return fmt.Errorf("%w: invalid repository name %q", ErrRender, repo.Name)
	}
	if err := singleLine("baseURL", repo.BaseURL); err != nil {
		return err
	}

	u, err := url.Parse(repo.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: repository %s: invalid base URL: %v", ErrRender, repo.Name, err)
	}
	if !u.IsAbs() || !allowedRepoSchemes[u.Scheme] {
		return fmt.Errorf("%w: repository %s: base URL must be an absolute http, https, ftp or file URL", ErrRender, repo.Name)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("%w: repository %s: base URL has no host", ErrRender, repo.Name)
	}
	return nil
}

// RepoFile renders a yum repository definition.
func RepoFile(repo types.RepoDefinition) (string, error) {
	if err := ValidateRepo(repo); err != nil {
		return "", err
	}

	gpgcheck := 0
	if repo.GPGCheck {
		gpgcheck = 1
	}

	b := new(strings.Builder)
	fmt.Fprintf(b, "[%s]\n", repo.Name)
	fmt.Fprintf(b, "name=%s\n", repo.Name)
	fmt.Fprintf(b, "baseurl=%s\n", repo.BaseURL)
	b.WriteString("enabled=1\n")
	fmt.Fprintf(b, "gpgcheck=%d\n", gpgcheck)
	return b.String(), nil
}
