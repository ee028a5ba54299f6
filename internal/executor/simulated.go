package executor

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/pkg/models"
)

// simulatedSteps is how many step delays each built-in stage takes.
var simulatedSteps = map[string]int{
	catalog.StageUpload:         1,
	catalog.StageAnalyze:        4,
	catalog.StageLanguageDetect: 6,
	catalog.StageContentScan:    8,
	catalog.StageTransform:      6,
	catalog.StagePreview:        4,
}

// DetectedLanguages is what the simulated language detector always reports.
var DetectedLanguages = []string{"English", "Spanish"}

// Simulated stands in for a real worker: it sleeps through a fixed number of
// steps, reporting progress after each, then returns canned results.
type Simulated struct {
	stage string
	steps int
	delay time.Duration
}

// NewSimulated creates a simulated executor for stage. Stages outside the
// default catalog take a single step.
func NewSimulated(stage string, stepDelay time.Duration) *Simulated {
	steps, ok := simulatedSteps[stage]
	if !ok {
		steps = 1
	}
	return &Simulated{stage: stage, steps: steps, delay: stepDelay}
}

func (s *Simulated) Execute(ctx context.Context, jc models.JobContext, report models.ProgressFunc) (map[string]any, error) {
	for i := 1; i <= s.steps; i++ {
		if s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(i * 100 / s.steps)
	}
	return s.result(jc), nil
}

func (s *Simulated) result(jc models.JobContext) map[string]any {
	name := path.Base(jc.File.OriginalName)
	switch s.stage {
	case catalog.StageUpload:
		return map[string]any{"stored_at": jc.File.Locator}
	case catalog.StageAnalyze:
		return map[string]any{
			"format":     strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."),
			"size_bytes": jc.File.Size,
		}
	case catalog.StageLanguageDetect:
		return map[string]any{models.MetaLanguages: append([]string(nil), DetectedLanguages...)}
	case catalog.StageContentScan:
		langs := DetectedLanguages
		if detected, ok := jc.Results[catalog.StageLanguageDetect][models.MetaLanguages]; ok {
			if l, ok := detected.([]string); ok {
				langs = l
			}
		}
		return map[string]any{"flagged_segments": 0, "languages_scanned": len(langs)}
	case catalog.StageTransform:
		return map[string]any{models.MetaOutputLocator: path.Join(jc.JobID.String(), "clean_"+name)}
	case catalog.StagePreview:
		return map[string]any{models.MetaPreviewLocator: path.Join(jc.JobID.String(), "preview_"+name)}
	default:
		return nil
	}
}

var _ models.StageExecutor = (*Simulated)(nil)
