// Package artifacts removes the files produced for a job once it expires.
package artifacts

import (
	"context"
	"fmt"

	"github.com/cleanwave/pipeline/internal/config"
	"github.com/google/uuid"
)

// Store deletes every artifact belonging to a job. Deleting a job that has no
// artifacts is not an error.
type Store interface {
	Delete(ctx context.Context, jobID uuid.UUID) error
}

// New constructs the artifact store selected by config.
func New(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch cfg.Driver {
	case "local":
		return NewLocalStore(cfg.Dir), nil
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifacts driver %q: must be one of local, s3", cfg.Driver)
	}
}
