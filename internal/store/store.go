package store

import (
	"context"
	"errors"
	"time"

	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// MutateFunc changes a job in place. Returning an error aborts the update and
// leaves the stored job untouched. A mutator that sets UpdatedAt keeps its
// timestamp; otherwise the store stamps the current time.
type MutateFunc func(job *models.Job) error

// Store is the job repository. All job mutation goes through Update, which
// serializes read-modify-write per job so concurrent writers cannot lose updates.
// Implementations must be safe for concurrent use and must never hand out
// references to their internal state.
type Store interface {
	Ping(ctx context.Context) error

	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Update(ctx context.Context, id uuid.UUID, mutate MutateFunc) (*models.Job, error)
	// SweepExpired deletes every job whose ExpiresAt is at or before now and
	// returns the removed ids.
	SweepExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// ListUnfinished returns jobs in the created or running state, oldest first.
	ListUnfinished(ctx context.Context) ([]*models.Job, error)
}
