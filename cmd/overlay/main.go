package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"video-overlay/internal/codec"
	"video-overlay/internal/demux"
	"video-overlay/internal/logging"
	"video-overlay/internal/mux"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
	"video-overlay/internal/workers"
)

// transcodeFunc runs one input through the pipeline.
type transcodeFunc func(ctx context.Context, input string, onProgress func(pipeline.Progress)) (*pipeline.Result, error)

type cli struct {
	stdout   io.Writer
	stderr   io.Writer
	terminal bool
	width    int

	// newTranscode builds the transcoder once flags are known.
	newTranscode func(opts *options) (transcodeFunc, func(), error)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, stopping...")
		cancel()
	}()

	c := &cli{
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		newTranscode: ffmpegTranscode,
	}
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		c.terminal = true
		c.width = 80
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			c.width = w
		}
	}

	code := c.run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

func (c *cli) run(ctx context.Context, args []string) int {
	opts, err := parseArgs(args, c.stderr)
	if err != nil {
		return 2
	}
	if logging.IsDebugEnabled() {
		logging.SetOutput(c.stderr)
	} else {
		logging.SetOutput(io.Discard)
	}

	transcode, cleanup, err := c.newTranscode(opts)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	outputs := outputPaths(opts.inputs, opts.output)
	if len(opts.inputs) > 1 && opts.output != "" {
		if err := os.MkdirAll(opts.output, 0o755); err != nil {
			fmt.Fprintf(c.stderr, "Error: creating output directory: %v\n", err)
			return 1
		}
	}

	names := make([]string, len(opts.inputs))
	for i, input := range opts.inputs {
		names[i] = inputName(input)
	}
	out := c.stdout
	if opts.quiet {
		out = io.Discard
	}
	progress := newBoard(out, names, c.terminal, c.width)

	// Inputs are independent: a failure is recorded and never cancels the
	// other runs.
	failed := make([]error, len(opts.inputs))
	var g errgroup.Group
	g.SetLimit(workers.ForCPU(len(opts.inputs)))
	for i, input := range opts.inputs {
		g.Go(func() error {
			err := transcodeOne(ctx, transcode, input, outputs[i], func(p pipeline.Progress) {
				progress.update(i, p)
			})
			progress.finish(i, outputs[i], err)
			failed[i] = err
			return nil
		})
	}
	_ = g.Wait()

	code := 0
	for i, err := range failed {
		if err == nil {
			continue
		}
		code = 1
		if errors.Is(err, context.Canceled) {
			continue
		}
		fmt.Fprintf(c.stderr, "%s: %v\n", opts.inputs[i], err)
	}
	return code
}

// transcodeOne runs input and writes the result to output through a
// temporary file so a failed run never leaves a partial file behind.
func transcodeOne(ctx context.Context, transcode transcodeFunc, input, output string, onProgress func(pipeline.Progress)) error {
	result, err := transcode(ctx, input, onProgress)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".overlay-*.tmp")
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(result.Output); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing output: %w", err)
	}
	if err := os.Rename(tmpName, output); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

// ffmpegTranscode wires the pipeline to an ffmpeg binary. Each input gets
// its own overlay renderer since font faces are not safe for concurrent use.
func ffmpegTranscode(opts *options) (transcodeFunc, func(), error) {
	engine := codec.NewFFmpeg(opts.ffmpeg, nil)
	if err := engine.Available(); err != nil {
		return nil, nil, err
	}
	sources := source.Opener{Options: source.DefaultOptions()}

	transcode := func(ctx context.Context, input string, onProgress func(pipeline.Progress)) (*pipeline.Result, error) {
		text, err := overlay.New(opts.overlay)
		if err != nil {
			return nil, err
		}
		defer func() { _ = text.Close() }()

		c := &pipeline.Coordinator{
			Sources:    sources,
			Demuxer:    demux.MP4{},
			Codecs:     engine,
			Transform:  text,
			NewMuxer:   func() mux.Muxer { return mux.NewFMP4() },
			Config:     opts.pipeline,
			OnProgress: onProgress,
		}
		return c.Run(ctx, input)
	}
	return transcode, engine.Cleanup, nil
}
