// Package models contains shared data models used across the pipeline codebase.
package models

import (
	"context"

	"github.com/google/uuid"
)

// StageExecutor is the contract every external stage collaborator implements.
// The engine never calls a concrete analyzer, detector or transcoder directly;
// it always goes through this interface.
type StageExecutor interface {
	// Execute runs one attempt of a stage. report may be called with the
	// stage-local progress (0-100); executors that never call it are treated
	// as jumping from 0 to 100 on success.
	Execute(ctx context.Context, jc JobContext, report ProgressFunc) (map[string]any, error)
}

// ProgressFunc receives stage-local progress from an executor.
type ProgressFunc func(localProgress int)

// JobContext is the input handed to a stage executor.
type JobContext struct {
	JobID   uuid.UUID      `json:"job_id"`
	Stage   string         `json:"stage"`
	Attempt int            `json:"attempt"`
	File    FileDescriptor `json:"file"`
	// Results holds the result metadata of every stage completed so far,
	// keyed by stage name (e.g. detected languages feed content scanning).
	Results map[string]map[string]any `json:"results"`
}

// ExecutorFunc adapts a plain function to StageExecutor.
type ExecutorFunc func(ctx context.Context, jc JobContext, report ProgressFunc) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, jc JobContext, report ProgressFunc) (map[string]any, error) {
	return f(ctx, jc, report)
}
