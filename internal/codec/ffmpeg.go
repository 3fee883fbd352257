package codec

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"video-overlay/internal/av"
	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
)

var log = logging.Component("codec")

// FFmpeg runs decoders and encoders as ffmpeg child processes speaking raw
// H.264 and raw RGBA over pipes. It tracks every running process so
// Cleanup can stop them on shutdown.
type FFmpeg struct {
	path    string
	counter *av.FrameCounter

	processMu sync.Mutex
	processes map[int]*process
	nextID    int
}

// NewFFmpeg returns a factory using the ffmpeg binary at path. Decoded
// frames are counted on counter, which may be nil.
func NewFFmpeg(path string, counter *av.FrameCounter) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:      path,
		counter:   counter,
		processes: make(map[int]*process),
	}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.path); err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", f.path, err)
	}
	return nil
}

// NewDecoder implements Factory.
func (f *FFmpeg) NewDecoder(onFrame FrameFunc, onError ErrorFunc) Decoder {
	return &ffmpegDecoder{ff: f, onFrame: onFrame, onError: onError, done: make(chan struct{})}
}

// NewEncoder implements Factory.
func (f *FFmpeg) NewEncoder(onChunk ChunkFunc, onError ErrorFunc) Encoder {
	return &ffmpegEncoder{ff: f, onChunk: onChunk, onError: onError, done: make(chan struct{})}
}

// Running returns the number of live ffmpeg processes.
func (f *FFmpeg) Running() int {
	f.processMu.Lock()
	defer f.processMu.Unlock()
	return len(f.processes)
}

// Cleanup kills every running codec process.
func (f *FFmpeg) Cleanup() {
	f.processMu.Lock()
	defer f.processMu.Unlock()

	for id, p := range f.processes {
		if p.cmd.Process != nil {
			log.Info("Killing %s process %d", p.role, id)
			if err := p.cmd.Process.Kill(); err != nil {
				log.Warn("failed to kill %s process %d: %v", p.role, id, err)
			}
		}
	}
}

type process struct {
	id     int
	role   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
	owner    *FFmpeg
}

func (f *FFmpeg) start(role string, args []string) (*process, error) {
	base := []string{"-hide_banner", "-nostats", "-loglevel", "error"}
	cmd := exec.Command(f.path, append(base, args...)...)

	p := &process{role: role, cmd: cmd, owner: f}
	cmd.Stderr = &p.stderr

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	log.Debug("Starting %s: %s %s", role, f.path, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg %s: %w", role, err)
	}

	f.processMu.Lock()
	f.nextID++
	p.id = f.nextID
	f.processes[p.id] = p
	f.processMu.Unlock()
	metrics.CodecProcessesRunning.WithLabelValues(role).Inc()

	return p, nil
}

// wait reaps the process once. It must only be called after stdout has
// been read to the end or the process was killed.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
		}
		p.waitErr = err

		p.owner.processMu.Lock()
		delete(p.owner.processes, p.id)
		p.owner.processMu.Unlock()
		metrics.CodecProcessesRunning.WithLabelValues(p.role).Dec()
	})
	return p.waitErr
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
