package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"video-overlay/internal/database"
	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
	"video-overlay/internal/workers"
)

var log = logging.Component("jobs")

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrFinished is returned when cancelling a job that already ended.
	ErrFinished = errors.New("job already finished")
	// ErrNoOutput is returned when a job has no output to serve.
	ErrNoOutput = errors.New("job has no output")
	// ErrShuttingDown is returned by Submit after Cleanup.
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// persistStep is the progress change, in percent, between job store writes.
const persistStep = 5

// Runner executes one pipeline over an opened source.
type Runner func(ctx context.Context, src *source.Source, transform overlay.Transformer, cfg pipeline.Config, onProgress func(pipeline.Progress)) (*pipeline.Result, error)

// CoordinatorRunner runs jobs through copies of template, each with its
// own transform, config and progress callback.
func CoordinatorRunner(template pipeline.Coordinator) Runner {
	return func(ctx context.Context, src *source.Source, transform overlay.Transformer, cfg pipeline.Config, onProgress func(pipeline.Progress)) (*pipeline.Result, error) {
		c := template
		c.Transform = transform
		c.Config = cfg
		c.OnProgress = onProgress
		return c.RunSource(ctx, src)
	}
}

// Store persists job history. *database.Database implements it.
type Store interface {
	CreateJob(ctx context.Context, job *database.Job) error
	UpdateJobProgress(ctx context.Context, id, state string, progress float64, decoded, encoded int) error
	CompleteJob(ctx context.Context, id, outputPath string, outputSize int64, decoded, encoded int) error
	FailJob(ctx context.Context, id, state, kind, message string) error
	GetJob(ctx context.Context, id string) (*database.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*database.Job, error)
	CountJobsByState(ctx context.Context) (map[string]int, error)
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	FailStaleJobs(ctx context.Context, reason string) (int64, error)
	SetLastPrune(ctx context.Context, t time.Time) error
	LastPrune(ctx context.Context) time.Time
}

// Pauser gates the start of runs under memory pressure. *memory.Monitor
// implements it.
type Pauser interface {
	WaitIfPaused(ctx context.Context) error
}

// Options configures a Manager.
type Options struct {
	Sources   pipeline.SourceOpener
	Run       Runner
	Store     Store  // optional
	Memory    Pauser // optional
	OutputDir string
	// Concurrency bounds simultaneous runs; zero uses workers.ForCPU.
	Concurrency int
	// Defaults fills unset per-request pipeline settings.
	Defaults  pipeline.Config
	Retention time.Duration
}

type entry struct {
	job    *Job
	cancel context.CancelCauseFunc
	done   chan struct{}

	cacheKey      string
	persisted     float64
	persistedStep string
}

// Manager runs transcode jobs in the background with bounded concurrency,
// caches their outputs by content, and records them in the job store.
type Manager struct {
	sources   pipeline.SourceOpener
	run       Runner
	store     Store
	memory    Pauser
	outputDir string
	defaults  pipeline.Config
	retention time.Duration
	slots     chan struct{}

	mu       sync.RWMutex
	jobs     map[string]*entry
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a Manager. Jobs left queued or running by a previous
// process are marked failed in the store.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Sources == nil || opts.Run == nil {
		return nil, errors.New("job manager needs a source opener and a runner")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("job manager needs an output directory")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = workers.ForCPU(0)
	}

	if opts.Store != nil {
		n, err := opts.Store.FailStaleJobs(ctx, "interrupted by restart")
		if err != nil {
			return nil, fmt.Errorf("failed to recover job history: %w", err)
		}
		if n > 0 {
			log.Warn("Marked %d interrupted job(s) as failed", n)
		}
	}

	log.Info("Job manager ready: %d concurrent run(s), outputs in %s", concurrency, opts.OutputDir)
	return &Manager{
		sources:   opts.Sources,
		run:       opts.Run,
		store:     opts.Store,
		memory:    opts.Memory,
		outputDir: opts.OutputDir,
		defaults:  opts.Defaults,
		retention: opts.Retention,
		slots:     make(chan struct{}, concurrency),
		jobs:      make(map[string]*entry),
		stop:      make(chan struct{}),
	}, nil
}

// Submit validates req and queues a job for it.
func (m *Manager) Submit(ctx context.Context, req Request) (*Job, error) {
	opts, err := req.Overlay.Normalize()
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source is required", overlay.ErrInvalidOptions)
	}

	name := req.Name
	if name == "" {
		name = req.Source
	}
	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Source:    name,
		Overlay:   opts,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancelCause(context.Background())
	e := &entry{job: job, cancel: cancel, done: make(chan struct{})}
	m.jobs[job.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.CreateJob(ctx, job.record()); err != nil {
			log.Warn("Failed to record job %s: %v", job.ID, err)
		}
	}

	metrics.JobsSubmitted.Inc()
	log.Info("Job %s queued for %s", job.ID, name)

	go m.execute(runCtx, e, req, m.configFor(req))
	return m.snapshot(e), nil
}

func (m *Manager) configFor(req Request) pipeline.Config {
	cfg := m.defaults
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.KeyFrameInterval > 0 {
		cfg.KeyFrameInterval = req.KeyFrameInterval
	}
	if req.Bitrate > 0 {
		cfg.Bitrate = req.Bitrate
	}
	return cfg
}

func (m *Manager) execute(ctx context.Context, e *entry, req Request, cfg pipeline.Config) {
	defer m.wg.Done()
	defer close(e.done)
	defer e.cancel(nil)
	if req.Temporary {
		defer func() {
			if err := os.Remove(req.Source); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to remove upload %s: %v", req.Source, err)
			}
		}()
	}

	jobLog := log.With("job", e.job.ID)

	metrics.JobsQueued.Inc()
	select {
	case m.slots <- struct{}{}:
		metrics.JobsQueued.Dec()
	case <-ctx.Done():
		metrics.JobsQueued.Dec()
		m.finish(e, context.Cause(ctx))
		return
	}
	defer func() { <-m.slots }()

	if m.memory != nil {
		if err := m.memory.WaitIfPaused(ctx); err != nil {
			m.finish(e, err)
			return
		}
	}

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()
	m.setRunning(e)

	src, err := m.sources.Open(ctx, req.Source)
	if err != nil {
		m.finish(e, pipeline.NewError(pipeline.ErrSourceUnavailable, "open source", err))
		return
	}

	key, err := cacheKey(src, e.job.Overlay, cfg)
	if err != nil {
		_ = src.Close()
		m.finish(e, pipeline.NewError(pipeline.ErrSourceUnavailable, "hash source", err))
		return
	}
	e.cacheKey = key

	if size, ok := m.cachedOutput(ctx, key); ok {
		_ = src.Close()
		metrics.JobCacheHits.Inc()
		jobLog.Info("Reusing cached output %s", key)
		m.complete(e, m.outputPath(key), size, true, nil)
		return
	}
	metrics.JobCacheMisses.Inc()

	transform, err := overlay.New(e.job.Overlay)
	if err != nil {
		_ = src.Close()
		m.finish(e, pipeline.NewError(pipeline.ErrTransformFailure, "configure overlay", err))
		return
	}
	defer transform.Close()

	result, err := m.run(ctx, src, transform, cfg, func(p pipeline.Progress) { m.progress(e, p) })
	if err != nil {
		m.finish(e, err)
		return
	}

	path, err := m.writeOutput(key, e.job.ID, result.Output)
	if err != nil {
		m.finish(e, pipeline.NewError(pipeline.ErrMuxFailure, "store output", err))
		return
	}
	metrics.JobOutputBytes.Observe(float64(len(result.Output)))
	jobLog.Info("Complete: %d frames in %v, %d bytes", result.FramesEncoded, result.Duration.Round(time.Millisecond), len(result.Output))
	m.complete(e, path, int64(len(result.Output)), false, result)
}

func (m *Manager) setRunning(e *entry) {
	m.mu.Lock()
	e.job.State = StateRunning
	e.job.UpdatedAt = time.Now()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateJobProgress(context.Background(), e.job.ID, string(StateRunning), 0, 0, 0); err != nil {
			log.Debug("Failed to persist job %s start: %v", e.job.ID, err)
		}
	}
}

func (m *Manager) progress(e *entry, p pipeline.Progress) {
	m.mu.Lock()
	if e.job.State.Terminal() {
		m.mu.Unlock()
		return
	}
	e.job.applyProgress(p)
	persist := e.job.Progress-e.persisted >= persistStep || e.job.Stage != e.persistedStep
	if persist {
		e.persisted = e.job.Progress
		e.persistedStep = e.job.Stage
	}
	job := *e.job
	m.mu.Unlock()

	if persist && m.store != nil {
		if err := m.store.UpdateJobProgress(context.Background(), job.ID, string(StateRunning), job.Progress, job.FramesDecoded, job.FramesEncoded); err != nil {
			log.Debug("Failed to persist job %s progress: %v", job.ID, err)
		}
	}
}

func (m *Manager) complete(e *entry, path string, size int64, cached bool, result *pipeline.Result) {
	now := time.Now()
	m.mu.Lock()
	job := e.job
	job.State = StateComplete
	job.Stage = pipeline.StateComplete.String()
	job.Progress = 100
	job.Cached = cached
	job.OutputSize = size
	job.outputPath = path
	job.UpdatedAt = now
	job.CompletedAt = &now
	if result != nil {
		job.FramesDecoded = result.FramesDecoded
		job.FramesEncoded = result.FramesEncoded
		job.ChunksMuxed = result.ChunksMuxed
	}
	decoded, encoded := job.FramesDecoded, job.FramesEncoded
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.CompleteJob(context.Background(), job.ID, path, size, decoded, encoded); err != nil {
			log.Warn("Failed to persist completion of job %s: %v", job.ID, err)
		}
	}
}

// finish records a failed or cancelled job. err is never nil.
func (m *Manager) finish(e *entry, err error) {
	state, kind := StateFailed, pipeline.KindLabel(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrShuttingDown) {
		state, kind = StateCancelled, "cancelled"
	}

	now := time.Now()
	m.mu.Lock()
	job := e.job
	job.State = state
	job.Error = err.Error()
	job.ErrorKind = kind
	job.UpdatedAt = now
	job.CompletedAt = &now
	m.mu.Unlock()

	if state == StateCancelled {
		log.Info("Job %s cancelled", job.ID)
	} else {
		log.Error("Job %s failed (%s): %v", job.ID, kind, err)
	}

	if m.store != nil {
		if storeErr := m.store.FailJob(context.Background(), job.ID, string(state), kind, job.Error); storeErr != nil {
			log.Warn("Failed to persist failure of job %s: %v", job.ID, storeErr)
		}
	}
}

func (m *Manager) snapshot(e *entry) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job := *e.job
	return &job
}

// Get returns a job by ID, falling back to the store for jobs from earlier
// processes.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if ok {
		return m.snapshot(e), nil
	}

	if m.store == nil {
		return nil, ErrNotFound
	}
	rec, err := m.store.GetJob(ctx, id)
	if errors.Is(err, database.ErrJobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns up to limit jobs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]*Job, error) {
	seen := make(map[string]bool)
	var list []*Job

	m.mu.RLock()
	for id, e := range m.jobs {
		job := *e.job
		list = append(list, &job)
		seen[id] = true
	}
	m.mu.RUnlock()

	if m.store != nil {
		recs, err := m.store.ListJobs(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if !seen[rec.ID] {
				list = append(list, fromRecord(rec))
			}
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Cancel stops a queued or running job. The job reaches the cancelled
// state once its pipeline has released all resources.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	e, ok := m.jobs[id]
	var state State
	if ok {
		state = e.job.State
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if state.Terminal() {
		return ErrFinished
	}
	e.cancel(context.Canceled)
	return nil
}

// Wait blocks until the job finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return m.Get(ctx, id)
	}

	select {
	case <-e.done:
		return m.snapshot(e), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OutputPath returns the file holding a complete job's output.
func (m *Manager) OutputPath(ctx context.Context, id string) (string, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State != StateComplete || job.outputPath == "" {
		return "", ErrNoOutput
	}
	if _, err := os.Stat(job.outputPath); err != nil {
		return "", ErrNoOutput
	}
	return job.outputPath, nil
}

// Cleanup cancels every queued and running job and waits for them to
// release their resources. Submit fails afterwards.
func (m *Manager) Cleanup() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	m.closed = true
	for id, e := range m.jobs {
		if !e.job.State.Terminal() {
			log.Info("Cancelling job %s for shutdown", id)
			e.cancel(ErrShuttingDown)
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}
