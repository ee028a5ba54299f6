package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore keeps each job's artifacts under <root>/<jobID>.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Dir is the directory holding jobID's artifacts.
func (s *LocalStore) Dir(jobID uuid.UUID) string {
	return filepath.Join(s.root, jobID.String())
}

func (s *LocalStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(jobID)); err != nil {
		return fmt.Errorf("removing artifacts for %s: %w", jobID, err)
	}
	return nil
}

var _ Store = (*LocalStore)(nil)
