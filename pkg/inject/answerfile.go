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
	"net/netip"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
)

// AnswerFilePath is the path of the answer file at the root of the installer tree.
const AnswerFilePath = "KS.CFG"

var installTargetRegex = regexp.MustCompile(`^--(firstdisk(=[A-Za-z0-9_.,:-]+)?|disk=[A-Za-z0-9_.:/-]+)$`)

func renderAnswerFile(cfg types.ProvisioningConfig, opts Options) (*types.ArtifactSet, error) {
	content, err := AnswerFile(cfg, opts)
	if err != nil {
		return nil, err
	}

	set := types.NewArtifactSet()
	if err := set.Add(types.Artifact{
		RelativePath: AnswerFilePath,
		Content:      []byte(content),
		Mode:         0o644,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return set, nil
}

// AnswerFile renders the kickstart answer file with its %post and %firstboot sections.
func AnswerFile(cfg types.ProvisioningConfig, opts Options) (string, error) {
	opts = opts.withDefaults()

	hash := cfg.RootPasswordHash
	if hash == "" || strings.ContainsAny(hash, " \t\r\n\x00") {
		return "", fmt.Errorf("%w: root password hash must be a non-empty token", ErrRender)
	}
	if !installTargetRegex.MatchString(opts.InstallTarget) {
		return "", fmt.Errorf("%w: invalid install target %q", ErrRender, opts.InstallTarget)
	}

	network, err := networkDirective(cfg)
	if err != nil {
		return "", err
	}

	post, err := postScript(opts)
	if err != nil {
		return "", err
	}

	firstBoot, err := FirstBootScript(cfg, opts)
	if err != nil {
		return "", err
	}

	b := new(strings.Builder)
	b.WriteString("vmaccepteula\n")
	fmt.Fprintf(b, "rootpw --iscrypted %s\n", hash)
	fmt.Fprintf(b, "install %s --overwritevmfs\n", opts.InstallTarget)
	b.WriteString(network)
	b.WriteString("reboot\n\n")
	b.WriteString("%post --interpreter=busybox\n")
	b.WriteString(post)
	b.WriteString("\n%firstboot --interpreter=busybox\n")
	b.WriteString(firstBoot)
	return b.String(), nil
}

// networkDirective renders the commented network line. The guest configures its network from the
// metadata volume at first boot, the line only documents the intended address.
func networkDirective(cfg types.ProvisioningConfig) (string, error) {
	n := cfg.Network
	if n.Address == "" {
		return "#network --bootproto=dhcp --device=vmnic0\n", nil
	}

	for field, value := range map[string]string{
		"address": n.Address,
		"netmask": n.Netmask,
		"gateway": n.Gateway,
	} {
		if _, err := netip.ParseAddr(value); err != nil {
			return "", fmt.Errorf("%w: invalid network %s %q: %v", ErrRender, field, value, err)
		}
	}
	if err := singleLine("hostname", cfg.Hostname); err != nil {
		return "", err
	}

	line := fmt.Sprintf("#network --bootproto=static --device=vmnic0 --ip=%s --netmask=%s --gateway=%s",
		n.Address, n.Netmask, n.Gateway)
	if cfg.Hostname != "" {
		line += " --hostname=" + cfg.Hostname
	}
	return line + "\n", nil
}

func postScript(opts Options) (string, error) {
	b := new(strings.Builder)
	b.WriteString("printf '%s\\n' 'post-install: answer file applied'\n")
	for _, cmd := range opts.PostCommands {
		b.WriteString(cmd)
		b.WriteString("\n")
	}

	script := b.String()
	if err := validateScript("post", script); err != nil {
		return "", err
	}
	return script, nil
}
