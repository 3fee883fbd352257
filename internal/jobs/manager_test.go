package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"video-overlay/internal/database"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSources serves in-memory sources by name.
type fakeSources struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeSources) Open(_ context.Context, ref string) (*source.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[ref]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", ref, os.ErrNotExist)
	}
	return source.FromBytes(ref, data), nil
}

// fakeRunner produces "out:<source bytes>" and reports progress. When gate
// is set, each run blocks until it receives or the context ends.
type fakeRunner struct {
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	gate    chan struct{}
	started chan string
	err     error
}

func (f *fakeRunner) run(ctx context.Context, src *source.Source, transform overlay.Transformer, _ pipeline.Config, onProgress func(pipeline.Progress)) (*pipeline.Result, error) {
	defer src.Close()
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if _, ok := transform.(*overlay.Text); !ok {
		return nil, fmt.Errorf("unexpected transformer %T", transform)
	}
	onProgress(pipeline.Progress{State: pipeline.StateStreaming, Percent: 50, FramesDecoded: 5, FramesEncoded: 4})
	if f.started != nil {
		f.started <- src.Name
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	var buf bytes.Buffer
	buf.WriteString("out:")
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, err
	}
	return &pipeline.Result{Output: buf.Bytes(), FramesDecoded: 10, FramesEncoded: 10, ChunksMuxed: 10}, nil
}

type harness struct {
	manager *Manager
	runner  *fakeRunner
	sources *fakeSources
	dir     string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		runner:  &fakeRunner{},
		sources: &fakeSources{files: map[string][]byte{"a.mp4": []byte("AAAA"), "b.mp4": []byte("BBBB")}},
		dir:     t.TempDir(),
	}
	if opts.Sources == nil {
		opts.Sources = h.sources
	}
	if opts.Run == nil {
		opts.Run = h.runner.run
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(h.dir, "out")
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 2
	}

	m, err := NewManager(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	h.manager = m
	t.Cleanup(m.Cleanup)
	return h
}

func (h *harness) submitAndWait(t *testing.T, req Request) *Job {
	t.Helper()
	job, err := h.manager.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := h.manager.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	return done
}

func textRequest(src, text string) Request {
	return Request{Source: src, Overlay: overlay.Options{Text: text}}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	h := newHarness(t, Options{})

	job := h.submitAndWait(t, textRequest("a.mp4", "hello"))

	if job.State != StateComplete || job.Progress != 100 || job.Cached {
		t.Fatalf("job = %+v", job)
	}
	if job.FramesEncoded != 10 || job.ChunksMuxed != 10 {
		t.Errorf("counters = %d encoded, %d chunks", job.FramesEncoded, job.ChunksMuxed)
	}
	if job.Overlay.FontSize != overlay.DefaultFontSize {
		t.Errorf("overlay options not normalized: %+v", job.Overlay)
	}

	path, err := h.manager.OutputPath(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("OutputPath() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "out:AAAA" {
		t.Errorf("output = %q", data)
	}
	if job.OutputSize != int64(len(data)) {
		t.Errorf("OutputSize = %d, want %d", job.OutputSize, len(data))
	}
}

func TestIdenticalRequestReusesOutput(t *testing.T) {
	h := newHarness(t, Options{})

	first := h.submitAndWait(t, textRequest("a.mp4", "hello"))
	second := h.submitAndWait(t, textRequest("a.mp4", "hello"))
	third := h.submitAndWait(t, textRequest("a.mp4", "goodbye"))

	if first.Cached || !second.Cached || third.Cached {
		t.Errorf("cached flags = %v, %v, %v; want false, true, false", first.Cached, second.Cached, third.Cached)
	}
	if got := h.runner.calls.Load(); got != 2 {
		t.Errorf("runner called %d times, want 2", got)
	}
	if first.ID == second.ID {
		t.Error("cached job reused the original ID")
	}
}

func TestFailuresAreClassified(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		runErr   error
		wantKind string
	}{
		{"missing source", textRequest("missing.mp4", "x"), nil, "source_unavailable"},
		{"decode failure", textRequest("a.mp4", "x"), pipeline.NewError(pipeline.ErrDecodeFailure, "decode", errors.New("corrupt")), "decode_failure"},
		{"unclassified", textRequest("a.mp4", "x"), errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.runner.err = tt.runErr

			job := h.submitAndWait(t, tt.req)
			if job.State != StateFailed || job.ErrorKind != tt.wantKind || job.Error == "" {
				t.Errorf("job = %+v, want failed with kind %s", job, tt.wantKind)
			}
			if _, err := h.manager.OutputPath(context.Background(), job.ID); !errors.Is(err, ErrNoOutput) {
				t.Errorf("OutputPath() = %v, want ErrNoOutput", err)
			}
		})
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, Options{})

	if _, err := h.manager.Submit(context.Background(), Request{Overlay: overlay.Options{Text: "x"}}); err == nil {
		t.Error("Submit() accepted a request without a source")
	}
	bad := textRequest("a.mp4", "x")
	bad.Overlay.Color = "not-a-colour"
	if _, err := h.manager.Submit(context.Background(), bad); err == nil {
		t.Error("Submit() accepted an invalid color")
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, Options{})
	h.runner.gate = make(chan struct{})
	h.runner.started = make(chan string, 1)

	job, err := h.manager.Submit(context.Background(), textRequest("a.mp4", "x"))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-h.runner.started

	running, _ := h.manager.Get(context.Background(), job.ID)
	if running.State != StateRunning || running.Progress != 50 || running.Stage != "streaming" {
		t.Errorf("running job = %+v", running)
	}

	if err := h.manager.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	done, _ := h.manager.Wait(context.Background(), job.ID)
	if done.State != StateCancelled || done.ErrorKind != "cancelled" {
		t.Errorf("cancelled job = %+v", done)
	}

	if err := h.manager.Cancel(job.ID); !errors.Is(err, ErrFinished) {
		t.Errorf("second Cancel() = %v, want ErrFinished", err)
	}
	if err := h.manager.Cancel("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrNotFound", err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 1})
	h.runner.gate = make(chan struct{})
	h.runner.started = make(chan string, 2)

	first, _ := h.manager.Submit(context.Background(), textRequest("a.mp4", "1"))
	second, _ := h.manager.Submit(context.Background(), textRequest("b.mp4", "2"))

	<-h.runner.started
	select {
	case name := <-h.runner.started:
		t.Fatalf("second run %s started while the first held the only slot", name)
	case <-time.After(50 * time.Millisecond):
	}

	queued, _ := h.manager.Get(context.Background(), second.ID)
	if queued.State != StateQueued && queued.State != StateRunning {
		t.Errorf("second job state = %s", queued.State)
	}

	close(h.runner.gate)
	for _, id := range []string{first.ID, second.ID} {
		job, _ := h.manager.Wait(context.Background(), id)
		if job.State != StateComplete {
			t.Errorf("job %s = %s", id, job.State)
		}
	}
	if peak := h.runner.peak.Load(); peak != 1 {
		t.Errorf("peak concurrent runs = %d, want 1", peak)
	}
}

type gatedPauser struct {
	release chan struct{}
	waits   atomic.Int32
}

func (g *gatedPauser) WaitIfPaused(ctx context.Context) error {
	g.waits.Add(1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestMemoryPressureDelaysRuns(t *testing.T) {
	pauser := &gatedPauser{release: make(chan struct{})}
	h := newHarness(t, Options{Memory: pauser})

	job, _ := h.manager.Submit(context.Background(), textRequest("a.mp4", "x"))

	time.Sleep(30 * time.Millisecond)
	if h.runner.calls.Load() != 0 {
		t.Fatal("run started under memory pressure")
	}

	close(pauser.release)
	done, _ := h.manager.Wait(context.Background(), job.ID)
	if done.State != StateComplete || pauser.waits.Load() != 1 {
		t.Errorf("job = %s after %d waits", done.State, pauser.waits.Load())
	}
}

func TestTemporarySourceRemoved(t *testing.T) {
	dir := t.TempDir()
	upload := filepath.Join(dir, "upload.mp4")
	if err := os.WriteFile(upload, []byte("UPLOAD"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Options{Sources: source.Opener{}})

	job := h.submitAndWait(t, Request{Source: upload, Name: "clip.mp4", Temporary: true, Overlay: overlay.Options{Text: "x"}})

	if job.State != StateComplete || job.Source != "clip.mp4" {
		t.Errorf("job = %+v", job)
	}
	if _, err := os.Stat(upload); !os.IsNotExist(err) {
		t.Errorf("upload still present: %v", err)
	}
}

func TestCleanupCancelsAndRejects(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan string, 1)}
	h := newHarness(t, Options{Run: runner.run})

	job, _ := h.manager.Submit(context.Background(), textRequest("a.mp4", "x"))
	<-runner.started

	h.manager.Cleanup()

	done, _ := h.manager.Get(context.Background(), job.ID)
	if done.State != StateCancelled {
		t.Errorf("state after Cleanup = %s, want cancelled", done.State)
	}
	if _, err := h.manager.Submit(context.Background(), textRequest("a.mp4", "x")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit() after Cleanup = %v, want ErrShuttingDown", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.submitAndWait(t, textRequest("a.mp4", "1"))
	time.Sleep(5 * time.Millisecond)
	b := h.submitAndWait(t, textRequest("b.mp4", "2"))

	list, err := h.manager.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Errorf("List() order wrong: %v", list)
	}

	limited, _ := h.manager.List(context.Background(), 1)
	if len(limited) != 1 {
		t.Errorf("List(1) returned %d jobs", len(limited))
	}
}

func TestPruneAndClearCache(t *testing.T) {
	h := newHarness(t, Options{Retention: time.Hour})
	job := h.submitAndWait(t, textRequest("a.mp4", "x"))

	stats := h.manager.GetStats()
	if stats.CacheFiles != 1 || stats.CacheBytes != job.OutputSize || stats.JobsByState["complete"] != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}

	if removed := h.manager.Prune(context.Background(), time.Now()); removed != 0 {
		t.Errorf("Prune(now) removed %d outputs", removed)
	}
	if removed := h.manager.Prune(context.Background(), time.Now().Add(2*time.Hour)); removed != 1 {
		t.Errorf("Prune(+2h) removed %d outputs, want 1", removed)
	}
	if _, err := h.manager.Get(context.Background(), job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned job still visible: %v", err)
	}

	h.submitAndWait(t, textRequest("b.mp4", "x"))
	freed, err := h.manager.ClearCache()
	if err != nil {
		t.Fatalf("ClearCache() error: %v", err)
	}
	if freed != int64(len("out:BBBB")) {
		t.Errorf("ClearCache() freed %d bytes", freed)
	}
	if files, _ := h.manager.cacheUsage(); files != 0 {
		t.Errorf("%d outputs left after ClearCache", files)
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("database.New() error: %v", err)
	}
	defer db.Close()

	outDir := filepath.Join(dir, "out")
	h := newHarness(t, Options{Store: db, OutputDir: outDir})
	job := h.submitAndWait(t, textRequest("a.mp4", "persist me"))
	h.manager.Cleanup()

	// A job the previous process never finished.
	if err := db.CreateJob(context.Background(), &database.Job{ID: "orphan", Source: "b.mp4", State: database.JobRunning}); err != nil {
		t.Fatal(err)
	}

	restarted := newHarness(t, Options{Store: db, OutputDir: outDir})

	got, err := restarted.manager.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() after restart: %v", err)
	}
	if got.State != StateComplete || got.Overlay.Text != "persist me" || got.FramesEncoded != 10 {
		t.Errorf("restored job = %+v", got)
	}
	if _, err := restarted.manager.OutputPath(context.Background(), job.ID); err != nil {
		t.Errorf("OutputPath() after restart: %v", err)
	}

	orphan, _ := restarted.manager.Get(context.Background(), "orphan")
	if orphan.State != StateFailed || orphan.ErrorKind != "interrupted" {
		t.Errorf("orphan = %+v", orphan)
	}

	list, _ := restarted.manager.List(context.Background(), 0)
	if len(list) != 2 {
		t.Errorf("List() after restart returned %d jobs, want 2", len(list))
	}
}

func TestStartRetentionCatchesUp(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("database.New() error: %v", err)
	}
	defer db.Close()

	outDir := filepath.Join(dir, "out")
	h := newHarness(t, Options{Store: db, OutputDir: outDir, Retention: time.Hour})

	stale := filepath.Join(outDir, "stale.mp4")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	// The first tick is a day away, so only the catch-up pass can prune.
	h.manager.StartRetention(24 * time.Hour)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale output survived: %v", err)
	}
	if db.LastPrune(context.Background()).IsZero() {
		t.Error("no prune recorded")
	}
}

func TestCacheKey(t *testing.T) {
	cfg := pipeline.Config{BatchSize: 5}
	opts := overlay.Options{Text: "a"}

	src := source.FromBytes("x", []byte("payload"))
	k1, err := cacheKey(src, opts, cfg)
	if err != nil {
		t.Fatalf("cacheKey() error: %v", err)
	}
	if pos, _ := src.Seek(0, 1); pos != 0 {
		t.Errorf("source not rewound: offset %d", pos)
	}

	k2, _ := cacheKey(source.FromBytes("y", []byte("payload")), opts, cfg)
	k3, _ := cacheKey(source.FromBytes("x", []byte("payload")), opts, pipeline.Config{BatchSize: 6})
	k4, _ := cacheKey(source.FromBytes("x", []byte("other")), opts, cfg)

	if k1 != k2 {
		t.Error("key depends on the source name")
	}
	if k1 == k3 || k1 == k4 {
		t.Error("key ignores config or content")
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}
}
