package jobs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"video-overlay/internal/filesystem"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
)

const (
	outputExt     = ".mp4"
	partialSuffix = ".partial"
)

// cacheKey hashes the source bytes together with everything that affects
// the output, so identical requests map to the same file. The reader is
// rewound afterwards.
func cacheKey(src io.ReadSeeker, opts overlay.Options, cfg pipeline.Config) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, src); err != nil {
		return "", fmt.Errorf("failed to hash source: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind source: %w", err)
	}

	params, err := json.Marshal(struct {
		Overlay overlay.Options
		Config  pipeline.Config
	}{opts, cfg})
	if err != nil {
		return "", err
	}
	h.Write([]byte{0})
	h.Write(params)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manager) outputPath(key string) string {
	return filepath.Join(m.outputDir, key+outputExt)
}

// cachedOutput returns the size of an existing output for key and refreshes
// its modification time so retention keeps it.
func (m *Manager) cachedOutput(ctx context.Context, key string) (int64, bool) {
	path := m.outputPath(key)
	info, err := filesystem.StatWithRetry(ctx, path, filesystem.DefaultRetryConfig())
	if err != nil || info.Size() == 0 {
		return 0, false
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		log.Debug("Failed to touch cached output %s: %v", path, err)
	}
	return info.Size(), true
}

// writeOutput stores data under key atomically.
func (m *Manager) writeOutput(key, jobID string, data []byte) (string, error) {
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	final := m.outputPath(key)
	tmp := final + "." + jobID + partialSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to store output: %w", err)
	}
	return final, nil
}

// ClearCache removes every finished output and returns the bytes freed.
// Outputs being written by running jobs are left alone.
func (m *Manager) ClearCache() (int64, error) {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read output directory: %w", err)
	}

	var freed int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), outputExt) {
			continue
		}
		path := filepath.Join(m.outputDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			log.Warn("Failed to stat %s: %v", path, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn("Failed to remove %s: %v", path, err)
			continue
		}
		freed += info.Size()
	}

	log.Info("Cleared output cache: freed %d bytes", freed)
	return freed, nil
}

// cacheUsage counts finished outputs and their total size.
func (m *Manager) cacheUsage() (files int, size int64) {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), outputExt) {
			continue
		}
		if info, err := entry.Info(); err == nil {
			files++
			size += info.Size()
		}
	}
	return files, size
}
