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

package repack

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
)

var (
	timeoutRegex       = regexp.MustCompile(`(?m)^([ \t]*timeout=)[0-9]+`)
	kernelOptRegex     = regexp.MustCompile(`(?m)^([ \t]*kernelopt=)([^\r\n]*)`)
	legacyTimeoutRegex = regexp.MustCompile(`(?m)^([ \t]*TIMEOUT[ \t]+)[0-9]+`)
)

// PatchBootConfig sets every "timeout=<n>" line to timeout and appends kernelArg to the
// "kernelopt=" line unless it is already one of its options. Both markers must be present.
func PatchBootConfig(content []byte, timeout int, kernelArg string) ([]byte, error) {
	if !timeoutRegex.Match(content) {
		return nil, fmt.Errorf("%w: no timeout= line", ErrPatch)
	}
	if !kernelOptRegex.Match(content) {
		return nil, fmt.Errorf("%w: no kernelopt= line", ErrPatch)
	}

	out := timeoutRegex.ReplaceAll(content, []byte("${1}"+strconv.Itoa(timeout)))

	out = kernelOptRegex.ReplaceAllFunc(out, func(line []byte) []byte {
		m := kernelOptRegex.FindSubmatch(line)
		prefix, opts := m[1], bytes.TrimRight(m[2], " \t")
		for _, f := range bytes.Fields(opts) {
			if string(f) == kernelArg {
				return line
			}
		}
		patched := append([]byte{}, prefix...)
		patched = append(patched, opts...)
		if len(opts) > 0 {
			patched = append(patched, ' ')
		}
		return append(patched, kernelArg...)
	})
	return out, nil
}

// PatchLegacyConfig sets every ISOLINUX "TIMEOUT <n>" directive to timeout.
func PatchLegacyConfig(content []byte, timeout int) ([]byte, error) {
	if !legacyTimeoutRegex.Match(content) {
		return nil, fmt.Errorf("%w: no TIMEOUT directive", ErrPatch)
	}
	return legacyTimeoutRegex.ReplaceAll(content, []byte("${1}"+strconv.Itoa(timeout))), nil
}
