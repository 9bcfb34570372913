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

// Package gracefulshutdown ties a run to SIGINT/SIGTERM. A signal cancels the run context; the
// process exits only after the run returned, so that mounts and guest-session locks released on
// the way out are never leaked.
package gracefulshutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitInterrupted is the exit code of a run cancelled by a signal.
const ExitInterrupted = 130

type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit returns a GracefulShutdown cancelled by signals, SIGTERM and SIGINT by default.
func NewWithExit(name string, exitFunc func(int), signals ...os.Signal) *GracefulShutdown {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGTERM, os.Interrupt}
	}
	ctx, cancel := signal.NotifyContext(context.Background(), signals...)
	return &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		exitFunc: exitFunc,
	}
}

func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// Run calls fn with the shutdown context and returns its error. fn keeps running after a signal
// until it returns on its own.
func (s *GracefulShutdown) Run(fn func(ctx context.Context) error) error {
	return fn(s.ctx)
}

// Shutdown stops listening for signals and exits with the code matching err. Only the first call
// has any effect.
func (s *GracefulShutdown) Shutdown(err error) {
	s.once.Do(func() {
		code := ExitCode(err, s.ctx.Err() != nil)
		s.cancel()

		switch code {
		case 0:
			slog.Info(fmt.Sprintf("%s finished", s.name))
		case ExitInterrupted:
			slog.Warn(fmt.Sprintf("%s interrupted", s.name), "error", err.Error())
		default:
			slog.Error(fmt.Sprintf("%s failed", s.name), "error", err.Error())
		}
		s.exitFunc(code)
	})
}

// ExitCode returns 0 for a nil error, ExitInterrupted when the run was interrupted, and 1
// otherwise.
func ExitCode(err error, interrupted bool) int {
	switch {
	case err == nil:
		return 0
	case interrupted:
		return ExitInterrupted
	default:
		return 1
	}
}
