package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/events"
	"github.com/cleanwave/pipeline/internal/store"
	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
)

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Counter records completed jobs for the stats endpoint.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// ArtifactRemover deletes everything stored for a job once it expires.
type ArtifactRemover interface {
	Delete(ctx context.Context, jobID uuid.UUID) error
}

// Options configures an Engine. Catalog, Executors, Store and Publisher are required.
type Options struct {
	Catalog   *catalog.Catalog
	Executors map[string]models.StageExecutor
	Store     store.Store
	Publisher events.Publisher
	Counter   Counter
	Artifacts ArtifactRemover
	Logger    *slog.Logger

	MaxRetries     int
	RetryDelay     time.Duration
	RetryBackoff   string
	MaxRetryDelay  time.Duration
	StageTimeout   time.Duration
	JobTTL         time.Duration
	DisabledStages []string
	// MaxFileSize in bytes; zero disables the check.
	MaxFileSize int64

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o *Options) validate() error {
	if o.Catalog == nil {
		return fmt.Errorf("engine: catalog is required")
	}
	if o.Store == nil {
		return fmt.Errorf("engine: store is required")
	}
	if o.Publisher == nil {
		return fmt.Errorf("engine: publisher is required")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("engine: max retries must not be negative")
	}
	if o.StageTimeout <= 0 {
		return fmt.Errorf("engine: stage timeout must be positive")
	}
	if o.JobTTL <= 0 {
		return fmt.Errorf("engine: job TTL must be positive")
	}
	switch o.RetryBackoff {
	case "", BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("engine: unknown retry backoff %q", o.RetryBackoff)
	}

	disabled := make(map[string]bool, len(o.DisabledStages))
	for _, name := range o.DisabledStages {
		if _, ok := o.Catalog.Lookup(name); !ok {
			return fmt.Errorf("engine: disabled stage %q is not in the catalog", name)
		}
		disabled[name] = true
	}
	for _, def := range o.Catalog.Stages() {
		if disabled[def.Name] {
			continue
		}
		if o.Executors[def.Name] == nil {
			return fmt.Errorf("engine: no executor for stage %q", def.Name)
		}
	}
	return nil
}

// retryDelay returns the wait before retry number n (1-based).
func (o *Options) retryDelay(n int) time.Duration {
	var b backoff.BackOff
	if o.RetryBackoff == BackoffFixed {
		b = backoff.NewConstantBackOff(o.RetryDelay)
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = o.RetryDelay
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxInterval = o.MaxRetryDelay
		if exp.MaxInterval < o.RetryDelay {
			exp.MaxInterval = o.RetryDelay
		}
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}

	d := o.RetryDelay
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
