package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
)

var log = logging.Component("memory")

// ErrStopped is returned by WaitIfPaused once the monitor has been stopped
// while a caller was waiting.
var ErrStopped = errors.New("memory monitor stopped")

// Config holds backpressure thresholds.
type Config struct {
	// LimitBytes is the soft heap limit. Zero falls back to GOMEMLIMIT.
	LimitBytes int64

	// HighWaterMark is the usage ratio below which a paused monitor resumes.
	HighWaterMark float64

	// CriticalWaterMark is the usage ratio at which new pipeline runs pause.
	CriticalWaterMark float64

	CheckInterval time.Duration
}

// DefaultConfig pauses new runs at 85% of the limit and resumes below 70%.
func DefaultConfig() Config {
	return Config{
		HighWaterMark:     0.7,
		CriticalWaterMark: 0.85,
		CheckInterval:     5 * time.Second,
	}
}

// Validate reports thresholds that would make the monitor flap or spin.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive, got %v", c.CheckInterval)
	}
	if c.HighWaterMark <= 0 || c.CriticalWaterMark > 1 {
		return fmt.Errorf("water marks must lie in (0, 1], got %.2f and %.2f", c.HighWaterMark, c.CriticalWaterMark)
	}
	if c.HighWaterMark >= c.CriticalWaterMark {
		return fmt.Errorf("high water mark %.2f must be below critical %.2f", c.HighWaterMark, c.CriticalWaterMark)
	}
	return nil
}

// Monitor samples heap usage and gates the start of new pipeline runs. A
// run in progress is never interrupted; only runs waiting to start block.
type Monitor struct {
	config    Config
	limit     int64
	readAlloc func() uint64

	mu       sync.RWMutex
	current  uint64
	paused   bool
	resumed  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. Without a limit from the config or
// GOMEMLIMIT the monitor never pauses.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes
	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < math.MaxInt64 {
			limit = goMemLimit
			log.Info("Using GOMEMLIMIT: %s", formatBytes(limit))
		}
	}
	if limit == 0 {
		log.Warn("No memory limit configured, backpressure disabled")
	}

	return &Monitor{
		config:    config,
		limit:     limit,
		readAlloc: heapAlloc,
		resumed:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Start begins periodic sampling.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go m.loop()
}

// Stop ends sampling and releases every waiter with ErrStopped.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopped:
			return
		}
	}
}

func (m *Monitor) sample() {
	alloc := m.readAlloc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = alloc
	if m.limit <= 0 {
		return
	}

	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	switch {
	case usage >= m.config.CriticalWaterMark && !m.paused:
		log.Warn("Heap at %.1f%% of limit, pausing new pipeline runs", usage*100)
		m.paused = true
		metrics.MemoryPaused.Set(1)
		metrics.MemoryGCPauses.Inc()
		go runtime.GC()
	case usage < m.config.HighWaterMark && m.paused:
		log.Info("Heap back to %.1f%% of limit, resuming pipeline runs", usage*100)
		m.paused = false
		metrics.MemoryPaused.Set(0)
		close(m.resumed)
		m.resumed = make(chan struct{})
	}
}

// WaitIfPaused blocks while the monitor is paused. It returns ctx.Err()
// when the context ends first, and ErrStopped when the monitor stops.
func (m *Monitor) WaitIfPaused(ctx context.Context) error {
	m.mu.RLock()
	if !m.paused {
		m.mu.RUnlock()
		return nil
	}
	resumed := m.resumed
	m.mu.RUnlock()

	log.Debug("Waiting for memory pressure to clear")
	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// IsPaused reports whether new runs are currently held back.
func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Usage returns the last sampled heap size, the limit, and their ratio.
func (m *Monitor) Usage() (current, limit int64, ratio float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current = math.MaxInt64
	if m.current <= math.MaxInt64 {
		current = int64(m.current)
	}
	if m.limit > 0 {
		ratio = float64(m.current) / float64(m.limit)
	}
	return current, m.limit, ratio
}
