package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
)

// outcome is what an executor attempt produced.
type outcome struct {
	result map[string]any
	err    error
}

// drive runs the job's stages in catalog order until it reaches a terminal
// state, is removed, or the engine shuts down.
func (e *Engine) drive(id uuid.UUID, r *run) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("panic while driving job", "error", rec, "job_id", id)
			e.failJob(id, "", fmt.Sprintf("internal error: %v", rec))
		}
	}()

	for {
		if e.ctx.Err() != nil {
			return
		}
		job, err := e.opts.Store.Get(e.ctx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Warn("stopped driving job", "job_id", id, "error", mapStoreErr(err))
			}
			return
		}
		if job.Status.Terminal() {
			return
		}

		stage, attempt, lastErr, done := e.nextStep(job)
		switch {
		case done:
			e.completeJob(id)
			return
		case e.disabled[stage]:
			if !e.skipStage(id, stage) {
				return
			}
		case attempt > e.opts.MaxRetries:
			e.failJob(id, stage, lastErr)
			return
		default:
			if !e.runAttempt(job, stage, attempt, r) {
				return
			}
		}
	}
}

// nextStep finds the first catalog stage that still needs work and the retry
// count its next attempt would carry.
func (e *Engine) nextStep(job *models.Job) (stage string, attempt int, lastErr string, done bool) {
	for _, def := range e.catalog.Stages() {
		rec, ok := job.LatestRecord(def.Name)
		if !ok {
			return def.Name, 0, "", false
		}
		if rec.Status.Done() {
			continue
		}
		if rec.Status == models.StageFailed {
			return def.Name, rec.RetryCount + 1, rec.Error, false
		}
		return def.Name, rec.RetryCount, "", false
	}
	return "", 0, "", true
}

// runAttempt executes one attempt of stage. It returns false when driving
// should stop.
func (e *Engine) runAttempt(job *models.Job, stage string, attempt int, r *run) bool {
	id := job.ID
	unlock := e.locks.lock(id)
	defer unlock()

	started, err := e.update(e.ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		if j.RunningCount() > 0 {
			return fmt.Errorf("%w: stage already running", ErrInvalidTransition)
		}
		now := e.opts.Now()
		j.Status = models.JobStatusRunning
		j.StageHistory = append(j.StageHistory, models.StageRecord{
			Name:       stage,
			Status:     models.StageRunning,
			StartedAt:  &now,
			RetryCount: attempt,
		})
		return nil
	})
	if err != nil {
		e.logStop(id, "begin stage", err)
		return false
	}

	e.logger.Info("stage started", "job_id", id, "stage", stage, "attempt", attempt+1)
	e.publish(models.Event{
		Type:        models.EventProgress,
		JobID:       id,
		Stage:       stage,
		Progress:    started.OverallProgress,
		Description: e.description(stage),
	})
	unlock()

	res := e.execute(started, stage, attempt)
	if e.ctx.Err() != nil {
		// Shutting down: leave the record running for Resume.
		return false
	}
	if res.err == nil {
		return e.completeStage(id, stage, attempt, res.result)
	}
	return e.failAttempt(id, stage, attempt, res.err, r)
}

// execute calls the stage executor bounded by the stage timeout. On timeout
// the executor is abandoned and its late result discarded.
func (e *Engine) execute(job *models.Job, stage string, attempt int) outcome {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.StageTimeout)
	defer cancel()

	jc := models.JobContext{
		JobID:   job.ID,
		Stage:   stage,
		Attempt: attempt,
		File:    job.File,
		Results: job.Results(),
	}
	report := func(local int) {
		e.reportProgress(job.ID, stage, attempt, local)
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("%w: panic: %v", ErrStageExecutor, rec)}
			}
		}()
		result, err := e.opts.Executors[stage].Execute(ctx, jc, report)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome{err: fmt.Errorf("%w after %s", ErrStageTimeout, e.opts.StageTimeout)}
		}
		if res.err != nil && !errors.Is(res.err, ErrStageExecutor) {
			res.err = fmt.Errorf("%w: %v", ErrStageExecutor, res.err)
		}
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome{err: fmt.Errorf("%w after %s", ErrStageTimeout, e.opts.StageTimeout)}
		}
		return outcome{err: ctx.Err()}
	}
}

// reportProgress applies a stage-local progress report. Reports that would
// lower local progress, or that come from an attempt no longer running, are
// ignored.
func (e *Engine) reportProgress(id uuid.UUID, stage string, attempt, local int) {
	local = min(max(local, 0), 100)
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(e.ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return errStale
		}
		rec, ok := j.RunningRecord()
		if !ok || rec.Name != stage || rec.RetryCount != attempt || local <= rec.LocalProgress {
			return errStale
		}
		rec.LocalProgress = local
		e.refreshProgress(j)
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			e.logger.Warn("failed to record stage progress", "job_id", id, "stage", stage, "error", err)
		}
		return
	}

	e.publish(models.Event{
		Type:        models.EventProgress,
		JobID:       id,
		Stage:       stage,
		Progress:    job.OverallProgress,
		Description: e.description(stage),
	})
}

func (e *Engine) completeStage(id uuid.UUID, stage string, attempt int, result map[string]any) bool {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(e.ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		rec, ok := j.RunningRecord()
		if !ok || rec.Name != stage || rec.RetryCount != attempt {
			return errStale
		}
		now := e.opts.Now()
		rec.Status = models.StageCompleted
		rec.LocalProgress = 100
		rec.EndedAt = &now
		rec.ResultMetadata = models.CloneMetadata(result)
		e.refreshProgress(j)
		return nil
	})
	if errors.Is(err, errStale) {
		return true
	}
	if err != nil {
		e.logStop(id, "complete stage", err)
		return false
	}

	e.logger.Info("stage completed", "job_id", id, "stage", stage, "progress", job.OverallProgress)
	e.publish(models.Event{
		Type:        models.EventProgress,
		JobID:       id,
		Stage:       stage,
		Progress:    job.OverallProgress,
		Description: e.description(stage),
		Metadata:    result,
	})
	return true
}

// failAttempt closes the running record as failed. When attempts remain it
// waits out the retry delay; otherwise the job fails.
func (e *Engine) failAttempt(id uuid.UUID, stage string, attempt int, cause error, r *run) bool {
	exhausted := attempt >= e.opts.MaxRetries
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(e.ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		rec, ok := j.RunningRecord()
		if !ok || rec.Name != stage || rec.RetryCount != attempt {
			return errStale
		}
		now := e.opts.Now()
		rec.Status = models.StageFailed
		rec.Error = cause.Error()
		rec.EndedAt = &now
		if exhausted {
			markFailed(j, stage, attempt+1, cause.Error(), now)
		}
		return nil
	})
	if errors.Is(err, errStale) {
		return true
	}
	if err != nil {
		e.logStop(id, "fail stage", err)
		return false
	}

	if exhausted {
		e.logger.Error("job failed",
			"job_id", id,
			"stage", stage,
			"attempts", attempt+1,
			"error", cause,
		)
		e.publish(models.Event{
			Type:     models.EventError,
			JobID:    id,
			Stage:    stage,
			Progress: job.OverallProgress,
			Message:  *job.Error,
		})
		return false
	}

	delay := e.opts.retryDelay(attempt + 1)
	e.logger.Warn("stage attempt failed, retrying",
		"job_id", id,
		"stage", stage,
		"attempt", attempt+1,
		"retry_in", delay,
		"error", cause,
	)
	e.publish(models.Event{
		Type:        models.EventProgress,
		JobID:       id,
		Stage:       stage,
		Progress:    job.OverallProgress,
		Description: e.description(stage),
		Message:     fmt.Sprintf("retrying %s (attempt %d of %d)", stage, attempt+2, e.opts.MaxRetries+1),
	})
	unlock()

	e.wait(r, delay)
	return true
}

// wait blocks for d unless the job is cancelled or the engine stops first.
func (e *Engine) wait(r *run, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.cancelled:
	case <-e.ctx.Done():
	}
}

func (e *Engine) skipStage(id uuid.UUID, stage string) bool {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(e.ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		now := e.opts.Now()
		j.Status = models.JobStatusRunning
		j.StageHistory = append(j.StageHistory, models.StageRecord{
			Name:      stage,
			Status:    models.StageSkipped,
			StartedAt: &now,
			EndedAt:   &now,
		})
		e.refreshProgress(j)
		return nil
	})
	if errors.Is(err, errStale) {
		return true
	}
	if err != nil {
		e.logStop(id, "skip stage", err)
		return false
	}

	e.logger.Info("stage skipped", "job_id", id, "stage", stage)
	e.publish(models.Event{
		Type:        models.EventProgress,
		JobID:       id,
		Stage:       stage,
		Progress:    job.OverallProgress,
		Description: e.description(stage),
		Message:     "stage disabled",
	})
	return true
}

func (e *Engine) completeJob(id uuid.UUID) {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(e.ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		if _, _, _, done := e.nextStep(j); !done {
			return fmt.Errorf("%w: stages remain", ErrInvalidTransition)
		}
		now := e.opts.Now()
		j.Status = models.JobStatusCompleted
		j.CompletedAt = &now
		e.refreshProgress(j)
		return nil
	})
	if err != nil {
		e.logStop(id, "complete job", err)
		return
	}

	e.recordCompletion(id)
	e.logger.Info("job completed", "job_id", id, "output", job.OutputLocator())
	e.publish(models.Event{
		Type:          models.EventCompleted,
		JobID:         id,
		Progress:      job.OverallProgress,
		OutputLocator: job.OutputLocator(),
		Metadata:      completionMetadata(job),
	})
}

// failJob drives a job to failed outside of a running attempt, e.g. after a
// resumed job's last attempt was interrupted.
func (e *Engine) failJob(id uuid.UUID, stage, lastErr string) {
	unlock := e.locks.lock(id)
	defer unlock()

	job, err := e.update(context.Background(), id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		now := e.opts.Now()
		for i := range j.StageHistory {
			if j.StageHistory[i].Status == models.StageRunning {
				j.StageHistory[i].Status = models.StageFailed
				j.StageHistory[i].Error = lastErr
				j.StageHistory[i].EndedAt = &now
			}
		}
		markFailed(j, stage, e.opts.MaxRetries+1, lastErr, now)
		return nil
	})
	if err != nil {
		e.logStop(id, "fail job", err)
		return
	}

	e.logger.Error("job failed", "job_id", id, "stage", stage, "error", *job.Error)
	e.publish(models.Event{
		Type:     models.EventError,
		JobID:    id,
		Stage:    stage,
		Progress: job.OverallProgress,
		Message:  *job.Error,
	})
}

func markFailed(j *models.Job, stage string, attempts int, lastErr string, now time.Time) {
	var msg string
	if stage == "" {
		msg = fmt.Sprintf("%s: %s", ErrStageExhausted, lastErr)
	} else {
		msg = fmt.Sprintf("%s: %s failed after %d attempts: %s", ErrStageExhausted, stage, attempts, lastErr)
	}
	j.Status = models.JobStatusFailed
	j.Error = &msg
	j.CompletedAt = &now
}

func completionMetadata(job *models.Job) map[string]any {
	meta := map[string]any{}
	if preview := job.PreviewLocator(); preview != "" {
		meta[models.MetaPreviewLocator] = preview
	}
	if langs := job.Languages(); len(langs) > 0 {
		meta[models.MetaLanguages] = langs
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// logStop records why a driving step ended early. Cancellation, removal and
// stale writes are expected and logged quietly.
func (e *Engine) logStop(id uuid.UUID, step string, err error) {
	err = mapStoreErr(err)
	switch {
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, errStale), errors.Is(err, context.Canceled):
		e.logger.Debug("stopped driving job", "job_id", id, "step", step, "reason", err)
	case errors.Is(err, ErrNotFound):
		e.logger.Info("job removed while driving", "job_id", id, "step", step)
	default:
		e.logger.Error("failed to update job", "job_id", id, "step", step, "error", err)
	}
}
