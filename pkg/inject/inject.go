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

// Package inject renders the files written into an image before it is repackaged: the installer
// answer file with its embedded first-boot script, the network configuration of a disk image guest,
// and package repository definitions.
//
// Rendering is pure: the same ProvisioningConfig and Options always produce the same bytes. Every
// value interpolated into shell code is quoted, and every produced script is parsed before it is
// returned.
package inject

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"mvdan.cc/sh/v3/syntax"
)

var ErrRender = errors.New("failed to render artifact")

// Kind selects the template rendered by Render.
type Kind string

const (
	// KindAnswerFile renders KS.CFG, the unattended installer answer file.
	KindAnswerFile Kind = "answer-file"
	// KindRepoDefinitions renders one etc/yum.repos.d/<name>.repo file per repository.
	KindRepoDefinitions Kind = "repo-definitions"
	// KindGuestNetwork renders the ifcfg file of the primary interface of a disk image guest.
	KindGuestNetwork Kind = "guest-network"
)

// Render renders the artifacts of kind from cfg.
func Render(kind Kind, cfg types.ProvisioningConfig, opts Options) (*types.ArtifactSet, error) {
	opts = opts.withDefaults()

	switch kind {
	case KindAnswerFile:
		return renderAnswerFile(cfg, opts)
	case KindRepoDefinitions:
		return renderRepoDefinitions(cfg)
	case KindGuestNetwork:
		return renderGuestNetwork(cfg, opts)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrRender, kind)
	}
}

// quote returns s as a single POSIX shell word.
func quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("%w: cannot quote %q: %v", ErrRender, s, err)
	}
	return q, nil
}

// validateScript parses script as a POSIX shell program.
func validateScript(name, script string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(script), name); err != nil {
		return fmt.Errorf("%w: generated %s script does not parse: %v", ErrRender, name, err)
	}
	return nil
}

// singleLine rejects values that would split a line-oriented directive.
func singleLine(field, value string) error {
	if strings.ContainsAny(value, "\r\n\x00") {
		return fmt.Errorf("%w: %s must be a single line", ErrRender, field)
	}
	return nil
}
