// Package engine drives jobs through the stage catalog: it sequences stages,
// applies the retry policy, keeps progress in step with the stage history and
// emits lifecycle events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cleanwave/pipeline/internal/cache"
	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/progress"
	"github.com/cleanwave/pipeline/internal/store"
	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

var supportedExtensions = map[string]bool{
	"mp3": true, "wav": true, "flac": true, "m4a": true, "aac": true, "ogg": true,
}

// Engine owns job sequencing. Every job mutation goes through Store.Update.
type Engine struct {
	opts     Options
	catalog  *catalog.Catalog
	disabled map[string]bool
	logger   *slog.Logger

	// dispatch starts a driving task; tests may replace it.
	dispatch func(fn func())

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[uuid.UUID]*run

	// locks orders commit-then-publish sections per job.
	locks jobLocks
}

// run is the in-process handle of one driving task.
type run struct {
	once      sync.Once
	cancelled chan struct{}
}

func (r *run) signal() {
	r.once.Do(func() { close(r.cancelled) })
}

// New validates opts and returns an idle Engine.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RetryBackoff == "" {
		opts.RetryBackoff = BackoffExponential
	}

	disabled := make(map[string]bool, len(opts.DisabledStages))
	for _, name := range opts.DisabledStages {
		disabled[name] = true
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		catalog:  opts.Catalog,
		disabled: disabled,
		logger:   opts.Logger,
		dispatch: func(fn func()) { go fn() },
		ctx:      ctx,
		stop:     stop,
		active:   make(map[uuid.UUID]*run),
	}, nil
}

// Catalog is the stage catalog the engine drives jobs through.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Submit validates the descriptor, persists a new job and schedules it. It
// returns as soon as the job is stored.
func (e *Engine) Submit(ctx context.Context, file models.FileDescriptor) (*models.Job, error) {
	if err := e.validateFile(&file); err != nil {
		return nil, err
	}

	now := e.opts.Now()
	job := &models.Job{
		ID:           uuid.New(),
		Status:       models.JobStatusCreated,
		File:         file,
		StageHistory: []models.StageRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(e.opts.JobTTL),
	}
	if err := e.opts.Store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	e.logger.Info("job submitted",
		"job_id", job.ID,
		"file", file.OriginalName,
		"size", file.Size,
	)
	e.start(job.ID)
	return job, nil
}

// Get returns the current state of a job.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := e.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return job, nil
}

// Cancel stops a created or running job. Cancelling a finished job is a
// no-op: the job is returned unchanged and no event is emitted.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		now := e.opts.Now()
		if rec, ok := j.RunningRecord(); ok {
			rec.Status = models.StageFailed
			rec.Error = "cancelled"
			rec.EndedAt = &now
		}
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		return nil
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		e.logger.Info("cancel ignored", "job_id", id, "reason", err)
		return e.Get(ctx, id)
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	e.signal(id)
	e.logger.Info("job cancelled", "job_id", id)
	e.publish(models.Event{
		Type:     models.EventCancelled,
		JobID:    id,
		Progress: job.OverallProgress,
		Message:  "job cancelled",
	})
	return job, nil
}

// MarkEntitled records a confirmed payment. It never affects stage
// progression. On failed or cancelled jobs it is a logged no-op.
func (e *Engine) MarkEntitled(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := e.update(ctx, id, func(j *models.Job) error {
		if j.Status == models.JobStatusFailed || j.Status == models.JobStatusCancelled {
			return ErrAlreadyTerminal
		}
		j.IsEntitled = true
		return nil
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		e.logger.Info("entitlement ignored", "job_id", id, "reason", err)
		return e.Get(ctx, id)
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	e.logger.Info("job entitled", "job_id", id, "status", job.Status)
	return job, nil
}

// AuthorizeDownload returns the output locator when the job is both completed
// and entitled.
func (e *Engine) AuthorizeDownload(ctx context.Context, id uuid.UUID) (string, error) {
	job, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusCompleted {
		return "", fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	if !job.IsEntitled {
		return "", ErrPaymentRequired
	}
	return job.OutputLocator(), nil
}

// Resume restarts driving for every unfinished job found in the store. A
// record left running by a crash is closed as failed and costs one retry.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	jobs, err := e.opts.Store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished jobs: %w", err)
	}

	resumed := 0
	for _, job := range jobs {
		if e.isActive(job.ID) {
			continue
		}
		_, err := e.update(ctx, job.ID, func(j *models.Job) error {
			now := e.opts.Now()
			for i := range j.StageHistory {
				if j.StageHistory[i].Status == models.StageRunning {
					j.StageHistory[i].Status = models.StageFailed
					j.StageHistory[i].Error = "interrupted"
					j.StageHistory[i].EndedAt = &now
				}
			}
			return nil
		})
		if err != nil {
			e.logger.Error("failed to resume job", "job_id", job.ID, "error", err)
			continue
		}
		e.start(job.ID)
		resumed++
	}

	if resumed > 0 {
		e.logger.Info("resumed unfinished jobs", "count", resumed)
	}
	return resumed, nil
}

// Close stops all driving tasks and waits for them to exit or for ctx to end.
// Jobs left running are picked up by Resume on the next start.
func (e *Engine) Close(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start launches the driving task for id unless one is already running.
func (e *Engine) start(id uuid.UUID) {
	e.mu.Lock()
	if _, ok := e.active[id]; ok {
		e.mu.Unlock()
		return
	}
	r := &run{cancelled: make(chan struct{})}
	e.active[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.dispatch(func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, id)
			e.mu.Unlock()
		}()
		e.drive(id, r)
	})
}

func (e *Engine) signal(id uuid.UUID) {
	e.mu.Lock()
	r := e.active[id]
	e.mu.Unlock()
	if r != nil {
		r.signal()
	}
}

func (e *Engine) isActive(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

func (e *Engine) validateFile(file *models.FileDescriptor) error {
	file.Locator = strings.TrimSpace(file.Locator)
	if file.Locator == "" {
		return fmt.Errorf("%w: file locator is required", ErrInvalidInput)
	}
	if file.OriginalName == "" {
		file.OriginalName = path.Base(file.Locator)
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(file.OriginalName)), ".")
	if !supportedExtensions[ext] {
		return fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, ext)
	}
	if file.Size < 0 {
		return fmt.Errorf("%w: file size must not be negative", ErrInvalidInput)
	}
	if e.opts.MaxFileSize > 0 && file.Size > e.opts.MaxFileSize {
		return fmt.Errorf("%w: file size %d exceeds limit of %d bytes", ErrInvalidInput, file.Size, e.opts.MaxFileSize)
	}
	return nil
}

// update runs mutate through the store and stamps UpdatedAt with the engine clock.
func (e *Engine) update(ctx context.Context, id uuid.UUID, mutate store.MutateFunc) (*models.Job, error) {
	return e.opts.Store.Update(ctx, id, func(j *models.Job) error {
		if err := mutate(j); err != nil {
			return err
		}
		j.UpdatedAt = e.opts.Now()
		return nil
	})
}

func (e *Engine) publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.opts.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.opts.Publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event",
			"job_id", ev.JobID,
			"type", ev.Type,
			"error", err,
		)
	}
}

func (e *Engine) recordCompletion(jobID uuid.UUID) {
	if e.opts.Counter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := e.opts.Counter.IncrWithExpiry(ctx, cache.CompletedCountKey(e.opts.Now()), cache.CompletedTTL); err != nil {
		e.logger.Warn("failed to count completed job", "job_id", jobID, "error", err)
	}
}

// refreshProgress recomputes the aggregate while keeping it a high-water mark,
// so a failed attempt never lowers what subscribers have already seen.
func (e *Engine) refreshProgress(j *models.Job) {
	j.OverallProgress = max(j.OverallProgress, progress.Aggregate(j.StageHistory, e.catalog))
}

func (e *Engine) description(stage string) string {
	def, _ := e.catalog.Lookup(stage)
	return def.Description
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
