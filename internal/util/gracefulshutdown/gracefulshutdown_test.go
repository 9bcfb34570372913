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

package gracefulshutdown_test

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/imagesmith/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	codes []int
}

func (r *exitRecorder) exit(code int) {
	r.codes = append(r.codes, code)
}

func TestShutdown_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		cancel bool
		want   int
	}{
		{name: "success", want: 0},
		{name: "failure", err: errors.New("stage mount failed"), want: 1},
		{name: "interrupted", err: context.Canceled, cancel: true, want: gracefulshutdown.ExitInterrupted},
		{name: "success after signal", cancel: true, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &exitRecorder{}
			gs := gracefulshutdown.NewWithExit("imagesmith", rec.exit, syscall.SIGUSR1)
			if tt.cancel {
				gs.CancelFunc()()
			}

			gs.Shutdown(tt.err)
			gs.Shutdown(errors.New("ignored"))

			assert.Equal(t, []int{tt.want}, rec.codes)
		})
	}
}

func TestRun_WaitsForReleaseAfterSignal(t *testing.T) {
	rec := &exitRecorder{}
	gs := gracefulshutdown.NewWithExit("imagesmith", rec.exit, syscall.SIGUSR1)

	released := false
	err := gs.Run(func(ctx context.Context) error {
		defer func() { released = true }()
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("signal not delivered")
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, released)

	gs.Shutdown(err)
	assert.Equal(t, []int{gracefulshutdown.ExitInterrupted}, rec.codes)
}
