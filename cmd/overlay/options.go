package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"video-overlay/internal/codec"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
)

const outputSuffix = ".overlay.mp4"

// errUsage marks argument errors; the flag set has already printed help.
var errUsage = errors.New("usage error")

type options struct {
	overlay  overlay.Options
	pipeline pipeline.Config
	ffmpeg   string
	output   string
	inputs   []string
	quiet    bool
}

// optionalInt is a flag that stays nil unless set.
type optionalInt struct{ v **int }

func (o optionalInt) String() string {
	if o.v == nil || *o.v == nil {
		return ""
	}
	return strconv.Itoa(**o.v)
}

func (o optionalInt) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*o.v = overlay.Int(n)
	return nil
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("overlay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: overlay -text TEXT [flags] [-o OUTPUT] INPUT...")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Inputs are MP4 files or http(s) URLs.")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Flags:")
		fs.PrintDefaults()
	}

	o := &opts.overlay
	fs.StringVar(&o.Text, "text", "", "overlay `text`; \\n starts a new line")
	fs.StringVar(&o.Color, "color", overlay.DefaultColor, "text color: name, #rgb, #rrggbb or #rrggbbaa")
	fs.Float64Var(&o.FontSize, "size", overlay.DefaultFontSize, "font size in pixels")
	fs.StringVar(&o.Font, "font", overlay.DefaultFont, "font: regular, bold or mono")
	fs.Var(optionalInt{&o.X}, "x", fmt.Sprintf("left edge of the text (default %d)", overlay.DefaultX))
	fs.Var(optionalInt{&o.Y}, "y", fmt.Sprintf("top edge of the text (default %d)", overlay.DefaultY))
	fs.StringVar(&o.StrokeColor, "stroke-color", overlay.DefaultStrokeColor, "outline color")
	fs.Var(optionalInt{&o.StrokeWidth}, "stroke-width", fmt.Sprintf("outline width, 0 disables (default %d)", overlay.DefaultStrokeWidth))
	fs.IntVar(&o.Width, "width", 0, "output width; 0 keeps the source width or aspect")
	fs.IntVar(&o.Height, "height", 0, "output height; 0 keeps the source height or aspect")

	fs.IntVar(&opts.pipeline.BatchSize, "batch", pipeline.DefaultBatchSize, "frames per decode/encode batch")
	fs.IntVar(&opts.pipeline.KeyFrameInterval, "keyint", codec.DefaultKeyFrameInterval, "frames between key frames")
	fs.IntVar(&opts.pipeline.Bitrate, "bitrate", 0, "target bitrate in bits per second; 0 follows the source")
	fs.StringVar(&opts.ffmpeg, "ffmpeg", "ffmpeg", "ffmpeg binary")
	fs.StringVar(&opts.output, "o", "", "output file, or directory when several inputs are given")
	fs.BoolVar(&opts.quiet, "q", false, "no progress output")

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	opts.inputs = fs.Args()

	if len(opts.inputs) == 0 {
		fmt.Fprintln(stderr, "Error: no input given")
		fs.Usage()
		return nil, errUsage
	}
	if opts.overlay.Text == "" {
		fmt.Fprintln(stderr, "Error: -text is required")
		return nil, errUsage
	}
	if _, err := opts.overlay.Normalize(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, errUsage
	}
	if opts.pipeline.BatchSize < 1 || opts.pipeline.KeyFrameInterval < 1 || opts.pipeline.Bitrate < 0 {
		fmt.Fprintln(stderr, "Error: -batch and -keyint must be positive and -bitrate not negative")
		return nil, errUsage
	}
	opts.overlay.Text = strings.ReplaceAll(opts.overlay.Text, `\n`, "\n")
	return opts, nil
}

// inputName returns the base name of an input without its extension.
func inputName(input string) string {
	p := input
	if source.IsURL(input) {
		u, err := url.Parse(input)
		if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
			return "download"
		}
		p = path.Base(u.Path)
	}
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// outputPaths maps every input to the file it is written to.
func outputPaths(inputs []string, output string) []string {
	if len(inputs) == 1 {
		if output != "" {
			return []string{output}
		}
		return []string{inputName(inputs[0]) + outputSuffix}
	}

	dir := output
	if dir == "" {
		dir = "."
	}
	used := make(map[string]int)
	paths := make([]string, len(inputs))
	for i, input := range inputs {
		name := inputName(input)
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		paths[i] = filepath.Join(dir, name+outputSuffix)
	}
	return paths
}
