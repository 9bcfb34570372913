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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Flow names a pipeline.
type Flow string

const (
	FlowInstaller Flow = "installer"
	FlowSysprep   Flow = "sysprep"
	FlowPromote   Flow = "promote"
)

// Stage names a step of a flow.
type Stage string

const (
	StageLock      Stage = "lock"
	StageLocate    Stage = "locate"
	StageMount     Stage = "mount"
	StageInject    Stage = "inject"
	StageRepackage Stage = "repackage"
	StageDeploy    Stage = "deploy"
	StageWait      Stage = "wait"
	StagePromote   Stage = "promote"
)

// StageError reports the stage a run failed in. Err keeps the sentinel of the failing component,
// e.g. repack.ErrPatch, and the CommandError of the failing tool.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stage runs fn as stage of flow, records its metrics and wraps its error in a StageError.
func (p *Pipeline) stage(ctx context.Context, flow Flow, stage Stage, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Err: err}
	}

	slog.Info("starting stage", "flow", flow, "stage", stage)
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	p.metrics.observeStage(flow, stage, d, err)

	if err != nil {
		slog.Error("stage failed", "flow", flow, "stage", stage, "duration", d.String(), "error", err.Error())
		return &StageError{Stage: stage, Err: err}
	}
	slog.Info("stage done", "flow", flow, "stage", stage, "duration", d.String())
	return nil
}

// withRelease returns err, or the release error when the run succeeded so far. A release error
// never hides the error that aborted the run.
func withRelease(err error, stage Stage, rerr error) error {
	if rerr == nil {
		return err
	}
	if err == nil {
		return &StageError{Stage: stage, Err: rerr}
	}
	slog.Error("release failed", "stage", stage, "error", rerr.Error())
	return err
}
