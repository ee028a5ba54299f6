package mock

import (
	"context"
	"sync/atomic"

	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/executor"
	"github.com/cleanwave/pipeline/pkg/models"
)

// MockExecutor satisfies models.StageExecutor for testing.
type MockExecutor struct {
	Stage       string
	ExecuteFunc func(ctx context.Context, jc models.JobContext, report models.ProgressFunc) (map[string]any, error)

	calls atomic.Int64
}

func (m *MockExecutor) Execute(ctx context.Context, jc models.JobContext, report models.ProgressFunc) (map[string]any, error) {
	m.calls.Add(1)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, jc, report)
	}
	return nil, nil
}

// Calls is how many times Execute ran.
func (m *MockExecutor) Calls() int {
	return int(m.calls.Load())
}

// NewMockExecutor returns a MockExecutor that reports 50% then succeeds with meta.
func NewMockExecutor(stage string, meta map[string]any) *MockExecutor {
	return &MockExecutor{
		Stage: stage,
		ExecuteFunc: func(_ context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
			report(50)
			return meta, nil
		},
	}
}

// NewFailingExecutor returns a MockExecutor that always returns the given error.
func NewFailingExecutor(stage string, err error) *MockExecutor {
	return &MockExecutor{
		Stage: stage,
		ExecuteFunc: func(_ context.Context, _ models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
			return nil, err
		},
	}
}

// NewTimeoutExecutor returns a MockExecutor that blocks until context is cancelled.
func NewTimeoutExecutor(stage string) *MockExecutor {
	return &MockExecutor{
		Stage: stage,
		ExecuteFunc: func(ctx context.Context, _ models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
			<-ctx.Done()
			return nil, executor.ErrExecutorTimeout
		},
	}
}

// NewBlockingExecutor returns a MockExecutor that waits for release before succeeding.
func NewBlockingExecutor(stage string, release <-chan struct{}) *MockExecutor {
	return &MockExecutor{
		Stage: stage,
		ExecuteFunc: func(ctx context.Context, _ models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// NewPipeline returns succeeding executors for every stage of cat, with the
// well-known result keys filled in.
func NewPipeline(cat *catalog.Catalog) map[string]*MockExecutor {
	execs := make(map[string]*MockExecutor)
	for _, name := range cat.Names() {
		var meta map[string]any
		switch name {
		case catalog.StageLanguageDetect:
			meta = map[string]any{models.MetaLanguages: []string{"English", "Spanish"}}
		case catalog.StageTransform:
			meta = map[string]any{models.MetaOutputLocator: "mock/clean_track.mp3"}
		case catalog.StagePreview:
			meta = map[string]any{models.MetaPreviewLocator: "mock/preview_track.mp3"}
		}
		execs[name] = NewMockExecutor(name, meta)
	}
	return execs
}

// AsExecutors converts a mock pipeline into the map the engine expects.
func AsExecutors(execs map[string]*MockExecutor) map[string]models.StageExecutor {
	out := make(map[string]models.StageExecutor, len(execs))
	for name, e := range execs {
		out[name] = e
	}
	return out
}

// Compile-time check that MockExecutor implements StageExecutor.
var _ models.StageExecutor = (*MockExecutor)(nil)
