// Package progress maps a job's stage history to an overall 0-100 value.
package progress

import (
	"math"

	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/pkg/models"
)

// Aggregate computes overall progress from the most recent record of every
// catalog stage. A completed (or skipped) stage contributes its full weight, a
// running stage contributes weight*localProgress/100, anything else nothing.
// Records for names not in the catalog are ignored.
func Aggregate(history []models.StageRecord, cat *catalog.Catalog) int {
	total := cat.TotalWeight()
	if total <= 0 {
		return 0
	}

	latest := make(map[string]models.StageRecord, len(history))
	for _, rec := range history {
		latest[rec.Name] = rec
	}

	var sum float64
	for _, def := range cat.Stages() {
		rec, ok := latest[def.Name]
		if !ok {
			continue
		}
		switch rec.Status {
		case models.StageCompleted, models.StageSkipped:
			sum += def.Weight
		case models.StageRunning:
			sum += def.Weight * float64(clamp(rec.LocalProgress)) / 100
		}
	}

	return clamp(int(math.Round(sum / total * 100)))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
