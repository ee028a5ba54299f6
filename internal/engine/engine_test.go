package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/store"
	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.events...)
}

func (p *recordingPublisher) ofType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range p.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCounter struct {
	mu   sync.Mutex
	keys map[string]int64
}

func (c *fakeCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string]int64{}
	}
	c.keys[key]++
	return c.keys[key], nil
}

func (c *fakeCounter) total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, v := range c.keys {
		n += v
	}
	return n
}

type fakeArtifacts struct {
	mu      sync.Mutex
	deleted []uuid.UUID
}

func (a *fakeArtifacts) Delete(_ context.Context, id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, id)
	return nil
}

// checkingStore fails the test if any update leaves more than one running record.
type checkingStore struct {
	*store.MemoryStore
	t *testing.T
}

func (s *checkingStore) Update(ctx context.Context, id uuid.UUID, mutate store.MutateFunc) (*models.Job, error) {
	job, err := s.MemoryStore.Update(ctx, id, mutate)
	if err == nil {
		assert.LessOrEqual(s.t, job.RunningCount(), 1, "more than one running stage record")
	}
	return job, err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- helpers ---

func succeed(meta map[string]any) models.StageExecutor {
	return models.ExecutorFunc(func(_ context.Context, _ models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
		return meta, nil
	})
}

func defaultExecutors() map[string]models.StageExecutor {
	execs := make(map[string]models.StageExecutor)
	for _, name := range catalog.Default().Names() {
		execs[name] = succeed(nil)
	}
	execs[catalog.StageLanguageDetect] = succeed(map[string]any{models.MetaLanguages: []string{"English", "Spanish"}})
	execs[catalog.StageTransform] = succeed(map[string]any{models.MetaOutputLocator: "out/clean_track.mp3"})
	execs[catalog.StagePreview] = succeed(map[string]any{models.MetaPreviewLocator: "out/preview_track.mp3"})
	return execs
}

type harness struct {
	engine    *Engine
	store     store.Store
	publisher *recordingPublisher
	counter   *fakeCounter
	artifacts *fakeArtifacts
}

func newHarness(t *testing.T, configure func(o *Options)) *harness {
	t.Helper()
	h := &harness{
		store:     &checkingStore{MemoryStore: store.NewMemoryStore(), t: t},
		publisher: &recordingPublisher{},
		counter:   &fakeCounter{},
		artifacts: &fakeArtifacts{},
	}
	opts := Options{
		Catalog:      catalog.Default(),
		Executors:    defaultExecutors(),
		Store:        h.store,
		Publisher:    h.publisher,
		Counter:      h.counter,
		Artifacts:    h.artifacts,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRetries:   3,
		RetryBackoff: BackoffFixed,
		StageTimeout: 5 * time.Second,
		JobTTL:       time.Hour,
	}
	if configure != nil {
		configure(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	h.engine = e
	return h
}

func validFile() models.FileDescriptor {
	return models.FileDescriptor{Locator: "uploads/track.mp3", OriginalName: "track.mp3", MimeType: "audio/mpeg", Size: 1024}
}

func (h *harness) waitForStatus(t *testing.T, id uuid.UUID, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.engine.Get(context.Background(), id)
		return err == nil && job.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return job
}

func (h *harness) waitForRunningStage(t *testing.T, id uuid.UUID, stage string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.engine.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec, ok := job.RunningRecord()
		return ok && rec.Name == stage
	}, 5*time.Second, 5*time.Millisecond, "stage %s never started", stage)
}

func recordsNamed(job *models.Job, name string) []models.StageRecord {
	var out []models.StageRecord
	for _, rec := range job.StageHistory {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

// --- construction ---

func TestNew_Validation(t *testing.T) {
	base := func() Options {
		return Options{
			Catalog:      catalog.Default(),
			Executors:    defaultExecutors(),
			Store:        store.NewMemoryStore(),
			Publisher:    &recordingPublisher{},
			StageTimeout: time.Second,
			JobTTL:       time.Hour,
		}
	}

	tests := []struct {
		name   string
		mutate func(o *Options)
		errMsg string
	}{
		{"missing executor", func(o *Options) { delete(o.Executors, catalog.StageAnalyze) }, `no executor for stage "analyze"`},
		{"unknown disabled stage", func(o *Options) { o.DisabledStages = []string{"mastering"} }, "not in the catalog"},
		{"negative retries", func(o *Options) { o.MaxRetries = -1 }, "max retries"},
		{"bad backoff", func(o *Options) { o.RetryBackoff = "linear" }, "unknown retry backoff"},
		{"zero timeout", func(o *Options) { o.StageTimeout = 0 }, "stage timeout"},
		{"missing store", func(o *Options) { o.Store = nil }, "store is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base()
			tt.mutate(&opts)
			_, err := New(opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("disabled stage needs no executor", func(t *testing.T) {
		opts := base()
		delete(opts.Executors, catalog.StagePreview)
		opts.DisabledStages = []string{catalog.StagePreview}
		_, err := New(opts)
		assert.NoError(t, err)
	})
}

func TestRetryDelay(t *testing.T) {
	exp := Options{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second, RetryBackoff: BackoffExponential}
	assert.Equal(t, 100*time.Millisecond, exp.retryDelay(1))
	assert.Equal(t, 200*time.Millisecond, exp.retryDelay(2))
	assert.Equal(t, 400*time.Millisecond, exp.retryDelay(3))
	assert.Equal(t, time.Second, exp.retryDelay(5))

	fixed := Options{RetryDelay: 100 * time.Millisecond, RetryBackoff: BackoffFixed}
	assert.Equal(t, 100*time.Millisecond, fixed.retryDelay(1))
	assert.Equal(t, 100*time.Millisecond, fixed.retryDelay(4))
}

// --- submission ---

func TestSubmit_DrivesJobToCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, validFile())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCreated, job.Status)
	assert.Equal(t, job.CreatedAt.Add(time.Hour), job.ExpiresAt)

	done := h.waitForStatus(t, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, done.OverallProgress)
	assert.NotNil(t, done.CompletedAt)
	require.Len(t, done.StageHistory, 6)
	for i, name := range catalog.Default().Names() {
		assert.Equal(t, name, done.StageHistory[i].Name)
		assert.Equal(t, models.StageCompleted, done.StageHistory[i].Status)
		assert.Equal(t, 100, done.StageHistory[i].LocalProgress)
	}
	assert.Equal(t, []string{"English", "Spanish"}, done.Languages())
	assert.Equal(t, "out/clean_track.mp3", done.OutputLocator())

	require.Eventually(t, func() bool { return len(h.publisher.ofType(models.EventCompleted)) == 1 }, time.Second, 5*time.Millisecond)
	completed := h.publisher.ofType(models.EventCompleted)[0]
	assert.Equal(t, "out/clean_track.mp3", completed.OutputLocator)
	assert.Equal(t, "out/preview_track.mp3", completed.Metadata[models.MetaPreviewLocator])
	assert.Equal(t, int64(1), h.counter.total())
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxFileSize = 10 * 1024 * 1024 })

	tests := []struct {
		name string
		file models.FileDescriptor
	}{
		{"empty locator", models.FileDescriptor{Locator: "  ", OriginalName: "a.mp3"}},
		{"unsupported type", models.FileDescriptor{Locator: "uploads/a.exe", OriginalName: "a.exe"}},
		{"no extension", models.FileDescriptor{Locator: "uploads/a"}},
		{"negative size", models.FileDescriptor{Locator: "uploads/a.wav", Size: -1}},
		{"too large", models.FileDescriptor{Locator: "uploads/a.flac", Size: 11 * 1024 * 1024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Submit(context.Background(), tt.file)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	jobs, err := h.store.ListUnfinished(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not create jobs")
}

func TestSubmit_NameDefaultsToLocatorBase(t *testing.T) {
	h := newHarness(t, nil)
	job, err := h.engine.Submit(context.Background(), models.FileDescriptor{Locator: "uploads/abc/Song.OGG", Size: 1})
	require.NoError(t, err)
	assert.Equal(t, "Song.OGG", job.File.OriginalName)
}

// --- progress ---

func TestProgress_WeightedScenario(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageLanguageDetect] = models.ExecutorFunc(
			func(ctx context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
				report(40)
				<-release
				return nil, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.engine.Get(context.Background(), job.ID)
		return err == nil && j.OverallProgress == 30
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)
}

func TestProgress_DecreasingReportsIgnored(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageAnalyze] = models.ExecutorFunc(
			func(ctx context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
				report(60)
				report(20)
				report(250)
				<-release
				return nil, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.engine.Get(context.Background(), job.ID)
		if err != nil {
			return false
		}
		rec, ok := j.RunningRecord()
		return ok && rec.Name == catalog.StageAnalyze && rec.LocalProgress == 100
	}, 5*time.Second, 5*time.Millisecond)

	j, err := h.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, j.OverallProgress)

	close(release)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)
}

func TestProgress_ExecutorSeesPriorResults(t *testing.T) {
	seen := make(chan map[string]map[string]any, 1)
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageContentScan] = models.ExecutorFunc(
			func(_ context.Context, jc models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
				seen <- jc.Results
				return nil, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	results := <-seen
	assert.Equal(t, []string{"English", "Spanish"}, results[catalog.StageLanguageDetect][models.MetaLanguages])
}

// --- retries ---

func TestRetry_FailsTwiceThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageLanguageDetect] = models.ExecutorFunc(
			func(_ context.Context, jc models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
				mu.Lock()
				defer mu.Unlock()
				calls++
				if calls <= 2 {
					return nil, errors.New("detector unavailable")
				}
				return map[string]any{models.MetaLanguages: []string{"English"}}, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	done := h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	detect := recordsNamed(done, catalog.StageLanguageDetect)
	require.Len(t, detect, 3)
	assert.Equal(t, models.StageFailed, detect[0].Status)
	assert.Equal(t, models.StageFailed, detect[1].Status)
	assert.Equal(t, models.StageCompleted, detect[2].Status)
	for i, rec := range detect {
		assert.Equal(t, i, rec.RetryCount)
	}
	assert.Contains(t, detect[0].Error, "detector unavailable")
	assert.Empty(t, detect[2].Error)
	assert.Len(t, done.StageHistory, 8)
	assert.Empty(t, h.publisher.ofType(models.EventError), "retryable failures must not surface as error events")
}

func TestRetry_ExhaustedFailsJob(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageAnalyze] = models.ExecutorFunc(
			func(context.Context, models.JobContext, models.ProgressFunc) (map[string]any, error) {
				return nil, errors.New("corrupt header")
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	failed := h.waitForStatus(t, job.ID, models.JobStatusFailed)

	analyze := recordsNamed(failed, catalog.StageAnalyze)
	require.Len(t, analyze, 4)
	for _, rec := range analyze {
		assert.Equal(t, models.StageFailed, rec.Status)
	}
	assert.Equal(t, catalog.StageAnalyze, failed.StageHistory[len(failed.StageHistory)-1].Name)
	assert.Len(t, failed.StageHistory, 5)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, ErrStageExhausted.Error())
	assert.Contains(t, *failed.Error, "corrupt header")
	assert.NotNil(t, failed.CompletedAt)

	require.Eventually(t, func() bool { return len(h.publisher.ofType(models.EventError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, *failed.Error, h.publisher.ofType(models.EventError)[0].Message)

	// Nothing else is appended after the job failed.
	time.Sleep(20 * time.Millisecond)
	again, err := h.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, again.StageHistory, 5)
}

func TestRetry_NeverLowersProgress(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageContentScan] = models.ExecutorFunc(
			func(_ context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
				mu.Lock()
				attempts++
				n := attempts
				mu.Unlock()
				if n == 1 {
					report(80)
					return nil, errors.New("lexicon timeout")
				}
				report(10)
				return nil, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	last := 0
	for _, ev := range h.publisher.all() {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress went backwards at %s/%s", ev.Type, ev.Stage)
		last = ev.Progress
	}
	assert.Equal(t, 100, last)
}

func TestRetry_StageTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.MaxRetries = 1
		o.StageTimeout = 20 * time.Millisecond
		o.Executors[catalog.StageUpload] = models.ExecutorFunc(
			func(ctx context.Context, _ models.JobContext, _ models.ProgressFunc) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	failed := h.waitForStatus(t, job.ID, models.JobStatusFailed)

	upload := recordsNamed(failed, catalog.StageUpload)
	require.Len(t, upload, 2)
	for _, rec := range upload {
		assert.Contains(t, rec.Error, ErrStageTimeout.Error())
	}
}

func TestRetry_ExecutorPanicIsRetryable(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageTransform] = models.ExecutorFunc(
			func(context.Context, models.JobContext, models.ProgressFunc) (map[string]any, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n == 1 {
					panic("codec exploded")
				}
				return map[string]any{models.MetaOutputLocator: "out/x.mp3"}, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	done := h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	transform := recordsNamed(done, catalog.StageTransform)
	require.Len(t, transform, 2)
	assert.Contains(t, transform[0].Error, "codec exploded")
}

// --- disabled stages ---

func TestDisabledStageIsSkipped(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		delete(o.Executors, catalog.StagePreview)
		o.DisabledStages = []string{catalog.StagePreview}
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	done := h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	preview := recordsNamed(done, catalog.StagePreview)
	require.Len(t, preview, 1)
	assert.Equal(t, models.StageSkipped, preview[0].Status)
	assert.Equal(t, 100, done.OverallProgress)
}

// --- cancellation ---

func TestCancel_BeforeAnyStageStarts(t *testing.T) {
	h := newHarness(t, nil)
	var pending []func()
	h.engine.dispatch = func(fn func()) { pending = append(pending, fn) }

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	require.Len(t, pending, 1)
	pending[0]()

	final, err := h.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Equal(t, 0, final.OverallProgress)
	assert.Empty(t, final.StageHistory)

	evs := h.publisher.all()
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventCancelled, evs[0].Type)
	assert.Equal(t, job.ID, evs[0].JobID)
}

func TestCancel_TerminalJobIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	done := h.waitForStatus(t, job.ID, models.JobStatusCompleted)
	require.Eventually(t, func() bool { return len(h.publisher.ofType(models.EventCompleted)) == 1 }, time.Second, 5*time.Millisecond)
	before := len(h.publisher.all())

	for i := 0; i < 2; i++ {
		got, err := h.engine.Cancel(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.Equal(t, done.StageHistory, got.StageHistory)
	}
	assert.Len(t, h.publisher.all(), before, "no event for a no-op cancel")
	assert.Empty(t, h.publisher.ofType(models.EventCancelled))
}

func TestCancel_InFlightResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageAnalyze] = models.ExecutorFunc(
			func(_ context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
				<-release
				report(90)
				return map[string]any{"bitrate": 320}, nil
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	h.waitForRunningStage(t, job.ID, catalog.StageAnalyze)

	cancelled, err := h.engine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	frozen := cancelled.OverallProgress
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))

	final, err := h.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Equal(t, frozen, final.OverallProgress)
	analyze := recordsNamed(final, catalog.StageAnalyze)
	require.Len(t, analyze, 1)
	assert.Equal(t, models.StageFailed, analyze[0].Status)
	assert.Equal(t, "cancelled", analyze[0].Error)
	assert.Len(t, final.StageHistory, 2)
	assert.Zero(t, final.RunningCount())
	assert.Len(t, h.publisher.ofType(models.EventCancelled), 1)
	assert.Empty(t, h.publisher.ofType(models.EventCompleted))
}

func TestCancel_InterruptsRetryWait(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.RetryDelay = time.Hour
		o.Executors[catalog.StageUpload] = models.ExecutorFunc(
			func(context.Context, models.JobContext, models.ProgressFunc) (map[string]any, error) {
				return nil, errors.New("disk full")
			})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := h.engine.Get(context.Background(), job.ID)
		return err == nil && len(j.StageHistory) == 1 && j.StageHistory[0].Status == models.StageFailed
	}, 5*time.Second, 5*time.Millisecond)

	_, err = h.engine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !h.engine.isActive(job.ID) },
		2*time.Second, 5*time.Millisecond, "driver should leave the retry wait on cancel")

	final, err := h.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, final.StageHistory, 1, "no retry after cancel")
}

// --- entitlement and download ---

func TestMarkEntitled_WhileRunning(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageContentScan] = models.ExecutorFunc(
			func(context.Context, models.JobContext, models.ProgressFunc) (map[string]any, error) {
				<-release
				return nil, nil
			})
	})
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, validFile())
	require.NoError(t, err)
	h.waitForRunningStage(t, job.ID, catalog.StageContentScan)

	entitled, err := h.engine.MarkEntitled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, entitled.IsEntitled)
	assert.Equal(t, models.JobStatusRunning, entitled.Status)

	_, err = h.engine.AuthorizeDownload(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	close(release)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	locator, err := h.engine.AuthorizeDownload(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "out/clean_track.mp3", locator)
}

func TestAuthorizeDownload_RequiresPayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job, err := h.engine.Submit(ctx, validFile())
	require.NoError(t, err)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	_, err = h.engine.AuthorizeDownload(ctx, job.ID)
	assert.ErrorIs(t, err, ErrPaymentRequired)

	_, err = h.engine.MarkEntitled(ctx, job.ID)
	require.NoError(t, err)
	_, err = h.engine.AuthorizeDownload(ctx, job.ID)
	assert.NoError(t, err)
}

func TestMarkEntitled_FailedJobIsNoop(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.MaxRetries = 0
		o.Executors[catalog.StageUpload] = models.ExecutorFunc(
			func(context.Context, models.JobContext, models.ProgressFunc) (map[string]any, error) {
				return nil, errors.New("unreadable")
			})
	})
	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	h.waitForStatus(t, job.ID, models.JobStatusFailed)

	got, err := h.engine.MarkEntitled(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEntitled)
}

func TestUnknownJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := uuid.New()

	_, err := h.engine.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.engine.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.engine.MarkEntitled(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.engine.AuthorizeDownload(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- resume ---

func seedRunningJob(t *testing.T, s store.Store, history []models.StageRecord) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		Status:       models.JobStatusRunning,
		File:         validFile(),
		StageHistory: history,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, s.Create(context.Background(), job))
	return job.ID
}

func TestResume_ClosesInterruptedRecord(t *testing.T) {
	h := newHarness(t, nil)
	id := seedRunningJob(t, h.store, []models.StageRecord{
		{Name: catalog.StageUpload, Status: models.StageCompleted, LocalProgress: 100},
		{Name: catalog.StageAnalyze, Status: models.StageRunning, LocalProgress: 50},
	})

	n, err := h.engine.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := h.waitForStatus(t, id, models.JobStatusCompleted)
	analyze := recordsNamed(done, catalog.StageAnalyze)
	require.Len(t, analyze, 2)
	assert.Equal(t, models.StageFailed, analyze[0].Status)
	assert.Equal(t, "interrupted", analyze[0].Error)
	assert.Equal(t, 1, analyze[1].RetryCount)
	assert.Equal(t, models.StageCompleted, analyze[1].Status)
	assert.Len(t, recordsNamed(done, catalog.StageUpload), 1, "completed stages are not replayed")
}

func TestResume_InterruptOnLastAttemptFailsJob(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRetries = 0 })
	id := seedRunningJob(t, h.store, []models.StageRecord{
		{Name: catalog.StageUpload, Status: models.StageRunning},
	})

	_, err := h.engine.Resume(context.Background())
	require.NoError(t, err)

	failed := h.waitForStatus(t, id, models.JobStatusFailed)
	require.Len(t, failed.StageHistory, 1)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "interrupted")
}

// --- expiry ---

func TestSweep_RemovesExpiredJobsAndArtifacts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	h := newHarness(t, func(o *Options) { o.Now = clock.Now })
	ctx := context.Background()

	old, err := h.engine.Submit(ctx, validFile())
	require.NoError(t, err)
	h.waitForStatus(t, old.ID, models.JobStatusCompleted)

	clock.Advance(30 * time.Minute)
	fresh, err := h.engine.Submit(ctx, validFile())
	require.NoError(t, err)
	h.waitForStatus(t, fresh.ID, models.JobStatusCompleted)

	removed, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	clock.Advance(31 * time.Minute)
	removed, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old.ID}, removed)
	assert.Equal(t, []uuid.UUID{old.ID}, h.artifacts.deleted)

	_, err = h.engine.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.engine.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// --- concurrency ---

func TestManyJobsProgressIndependently(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageContentScan] = models.ExecutorFunc(
			func(_ context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
				for p := 10; p <= 100; p += 30 {
					report(p)
				}
				return nil, nil
			})
	})

	ids := make([]uuid.UUID, 20)
	for i := range ids {
		job, err := h.engine.Submit(context.Background(), validFile())
		require.NoError(t, err)
		ids[i] = job.ID
	}
	for _, id := range ids {
		done := h.waitForStatus(t, id, models.JobStatusCompleted)
		assert.Len(t, done.StageHistory, 6)
	}

	byJob := map[uuid.UUID]int{}
	for _, ev := range h.publisher.all() {
		assert.GreaterOrEqual(t, ev.Progress, byJob[ev.JobID])
		byJob[ev.JobID] = ev.Progress
	}
}

// cancelAfterProgressStore cancels the job from another goroutine right after
// the first stage-local progress write commits, and stalls that writer so the
// cancel gets a chance to run before the progress event is published.
type cancelAfterProgressStore struct {
	*store.MemoryStore
	once   sync.Once
	cancel func(id uuid.UUID)
}

func (s *cancelAfterProgressStore) Update(ctx context.Context, id uuid.UUID, mutate store.MutateFunc) (*models.Job, error) {
	job, err := s.MemoryStore.Update(ctx, id, mutate)
	if err != nil {
		return job, err
	}
	if rec, ok := job.RunningRecord(); ok && rec.LocalProgress == 50 {
		s.once.Do(func() {
			go s.cancel(id)
			time.Sleep(50 * time.Millisecond)
		})
	}
	return job, err
}

func TestCancel_NoProgressEventAfterCancelled(t *testing.T) {
	st := &cancelAfterProgressStore{MemoryStore: store.NewMemoryStore()}
	h := newHarness(t, func(o *Options) {
		o.Store = st
		o.Executors[catalog.StageUpload] = models.ExecutorFunc(
			func(ctx context.Context, _ models.JobContext, report models.ProgressFunc) (map[string]any, error) {
				report(50)
				<-ctx.Done()
				return nil, ctx.Err()
			})
	})
	h.store = st
	st.cancel = func(id uuid.UUID) {
		_, err := h.engine.Cancel(context.Background(), id)
		assert.NoError(t, err)
	}

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	h.waitForStatus(t, job.ID, models.JobStatusCancelled)
	require.Eventually(t, func() bool {
		return len(h.publisher.ofType(models.EventCancelled)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	evs := h.publisher.all()
	last := evs[len(evs)-1]
	assert.Equal(t, models.EventCancelled, last.Type, "events after cancel: %+v", evs)
	assert.Zero(t, h.engine.locks.size())
}

func TestUpdatedAtFollowsEngineClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)}
	h := newHarness(t, func(o *Options) { o.Now = clock.Now })

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), job.UpdatedAt)

	done := h.waitForStatus(t, job.ID, models.JobStatusCompleted)
	assert.Equal(t, clock.Now(), done.UpdatedAt)

	clock.Advance(time.Minute)
	entitled, err := h.engine.MarkEntitled(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), entitled.UpdatedAt)
}

func TestCompletedResultIsNotSharedWithExecutor(t *testing.T) {
	langs := []string{"English", "Spanish"}
	h := newHarness(t, func(o *Options) {
		o.Executors[catalog.StageLanguageDetect] = succeed(map[string]any{models.MetaLanguages: langs})
	})

	job, err := h.engine.Submit(context.Background(), validFile())
	require.NoError(t, err)
	h.waitForStatus(t, job.ID, models.JobStatusCompleted)

	langs[0] = "MUTATED"
	got, err := h.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"English", "Spanish"}, got.Languages())
}
