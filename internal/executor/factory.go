// Package executor provides the stage executors the engine calls into.
package executor

import (
	"fmt"

	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/config"
	"github.com/cleanwave/pipeline/pkg/models"
)

// NewExecutors builds one executor per catalog stage based on config.
// Called once at server startup.
func NewExecutors(cfg config.ExecutorConfig, cat *catalog.Catalog) (map[string]models.StageExecutor, error) {
	execs := make(map[string]models.StageExecutor, len(cat.Names()))
	switch cfg.Mode {
	case "simulated":
		for _, def := range cat.Stages() {
			execs[def.Name] = NewSimulated(def.Name, cfg.StepDelay)
		}
	case "http":
		client := NewHTTPClient(cfg.BaseURL, cfg.Timeout)
		for _, def := range cat.Stages() {
			execs[def.Name] = client.Stage(def.Name)
		}
	default:
		return nil, fmt.Errorf("unknown executor mode %q: must be one of simulated, http", cfg.Mode)
	}
	return execs, nil
}
