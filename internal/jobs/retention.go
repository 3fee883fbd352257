package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"video-overlay/internal/metrics"
)

// Prune forgets finished jobs older than the retention period and removes
// outputs that have not been produced or reused since. It returns the
// number of output files removed.
func (m *Manager) Prune(ctx context.Context, now time.Time) int {
	if m.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.retention)

	m.mu.Lock()
	for id, e := range m.jobs {
		if e.job.State.Terminal() && e.job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.DeleteJobsBefore(ctx, cutoff); err != nil {
			log.Warn("Failed to prune job history: %v", err)
		}
		if err := m.store.SetLastPrune(ctx, now); err != nil {
			log.Debug("Failed to record prune time: %v", err)
		}
	}

	removed := 0
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, outputExt) || strings.HasSuffix(name, partialSuffix)) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.outputDir, name)); err != nil {
			log.Warn("Failed to remove expired output %s: %v", name, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("Removed %d expired output(s)", removed)
	}
	return removed
}

// StartRetention prunes on every interval until Cleanup. A pass runs at
// once when the last recorded one is older than interval, so restarts do
// not postpone pruning.
func (m *Manager) StartRetention(interval time.Duration) {
	if m.retention <= 0 || interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.store != nil {
			if now := time.Now(); now.Sub(m.store.LastPrune(context.Background())) >= interval {
				m.Prune(context.Background(), now)
			}
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.Prune(context.Background(), now)
			case <-m.stop:
				return
			}
		}
	}()
}

// GetStats implements metrics.StatsProvider.
func (m *Manager) GetStats() metrics.Stats {
	stats := metrics.Stats{JobsByState: make(map[string]int)}

	if m.store != nil {
		counts, err := m.store.CountJobsByState(context.Background())
		if err == nil {
			stats.JobsByState = counts
		} else {
			log.Debug("Failed to count jobs: %v", err)
		}
	} else {
		m.mu.RLock()
		for _, e := range m.jobs {
			stats.JobsByState[string(e.job.State)]++
		}
		m.mu.RUnlock()
	}

	stats.CacheFiles, stats.CacheBytes = m.cacheUsage()
	return stats
}
