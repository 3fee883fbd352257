package metrics

import (
	"context"
	"time"

	"video-overlay/internal/logging"
)

// StatsProvider reports the job and output cache totals exported as gauges.
type StatsProvider interface {
	GetStats() Stats
}

// Stats is a point-in-time snapshot of jobs and the output cache.
type Stats struct {
	JobsByState map[string]int
	CacheFiles  int
	CacheBytes  int64
}

// Collector refreshes the job and cache gauges on a fixed interval. Gauges
// are set from a fresh snapshot each time, so jobs pruned from history
// drop out of the counts.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{provider: provider, interval: interval}
}

// Start takes a first snapshot immediately and then one per interval
// until Stop.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop ends collection and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.refresh()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) refresh() {
	if c.provider == nil {
		return
	}
	s := c.provider.GetStats()

	for _, state := range JobStates {
		JobsByState.WithLabelValues(state).Set(float64(s.JobsByState[state]))
	}
	OutputCacheFiles.Set(float64(s.CacheFiles))
	OutputCacheBytes.Set(float64(s.CacheBytes))

	logging.Debug("Job gauges refreshed: %v, %d cached outputs (%d bytes)",
		s.JobsByState, s.CacheFiles, s.CacheBytes)
}
