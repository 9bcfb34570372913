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

package execcontext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	utilexec "k8s.io/utils/exec"
)

// ErrEmptyCommand is returned when Run is called without a command name.
var ErrEmptyCommand = errors.New("empty command")

// CommandError describes a failed external tool invocation.
type CommandError struct {
	// Cmd is the formatted command line.
	Cmd string
	// ExitStatus is -1 when the process did not exit normally.
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command %s failed (exit status %d): %v", e.Cmd, e.ExitStatus, e.Err)
	}
	return fmt.Sprintf("command %s failed (exit status %d): %v: %s", e.Cmd, e.ExitStatus, e.Err, stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner runs external tools and returns their standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*runner)

// WithTimeout bounds every command with the given timeout in addition to the caller's context.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *runner) {
		r.timeout = d
	}
}

// WithExecutor replaces the process executor. Used by tests.
func WithExecutor(e utilexec.Interface) RunnerOption {
	return func(r *runner) {
		r.executor = e
	}
}

// NewRunner returns a Runner applying execCtx to every command.
func NewRunner(execCtx Context, opts ...RunnerOption) Runner {
	r := &runner{
		execCtx:  execCtx,
		executor: utilexec.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runner struct {
	execCtx  Context
	executor utilexec.Interface
	timeout  time.Duration
}

func (r *runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name == "" {
		return nil, ErrEmptyCommand
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	argv := Argv(r.execCtx, append([]string{name}, args...)...)
	cmd := r.executor.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SetEnv(append(os.Environ(), EnvList(r.execCtx)...))

	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	formatted := FormatCmd(r.execCtx, append([]string{name}, args...)...)
	slog.Debug("running command", "cmd", formatted)

	if err := cmd.Run(); err != nil {
		status := -1
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return stdout.Bytes(), &CommandError{
			Cmd:        formatted,
			ExitStatus: status,
			Stderr:     stderr.String(),
			Err:        err,
		}
	}

	return stdout.Bytes(), nil
}
