package overlay

import (
	"fmt"
	"image"
	"image/draw"
	"strings"

	"video-overlay/internal/av"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Transformer mutates frames between decode and encode. Transform consumes
// its input frame and returns the frame the caller now owns; timestamps and
// durations are preserved.
type Transformer interface {
	Transform(frame *av.Frame) (*av.Frame, error)
	OutputSize(srcW, srcH int) (int, int)
}

// Identity passes frames through untouched.
type Identity struct{}

func (Identity) Transform(frame *av.Frame) (*av.Frame, error) { return frame, nil }

func (Identity) OutputSize(srcW, srcH int) (int, int) { return srcW, srcH }

// Text draws outlined text and optionally rescales. It holds a font face
// and is not safe for concurrent use; create one per pipeline run.
type Text struct {
	opts   Options
	face   font.Face
	fill   *image.Uniform
	stroke *image.Uniform
	lines  []string
}

var fontData = map[string][]byte{
	FontRegular: goregular.TTF,
	FontBold:    gobold.TTF,
	FontMono:    gomono.TTF,
}

// New builds a Text transformer from options, applying defaults.
func New(opts Options) (*Text, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	t := &Text{opts: opts}
	if strings.TrimSpace(opts.Text) == "" {
		return t, nil
	}

	parsed, err := opentype.Parse(fontData[opts.Font])
	if err != nil {
		return nil, fmt.Errorf("failed to parse font %s: %w", opts.Font, err)
	}
	t.face, err = opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    opts.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}

	fill, _ := ParseColor(opts.Color)
	stroke, _ := ParseColor(opts.StrokeColor)
	t.fill = image.NewUniform(fill)
	t.stroke = image.NewUniform(stroke)
	t.lines = strings.Split(opts.Text, "\n")
	return t, nil
}

// OutputSize returns the size of frames Transform produces.
func (t *Text) OutputSize(srcW, srcH int) (int, int) {
	return t.opts.OutputSize(srcW, srcH)
}

// Transform draws the overlay. With no text and no size change the input
// frame is returned as is.
func (t *Text) Transform(frame *av.Frame) (*av.Frame, error) {
	if frame == nil || frame.Released() {
		return nil, av.ErrFrameReleased
	}

	w, h := t.OutputSize(frame.Width(), frame.Height())
	out := frame
	if w != frame.Width() || h != frame.Height() {
		out = frame.Derive(resize(frame.Image, w, h))
		_ = frame.Release()
	}

	if t.face != nil {
		t.Draw(out.Image)
	}
	return out, nil
}

// Draw renders the text onto dst in place. Each line is drawn in the
// stroke color at every offset within the stroke radius, then filled.
func (t *Text) Draw(dst draw.Image) {
	if t.face == nil {
		return
	}

	metrics := t.face.Metrics()
	lineHeight := metrics.Height
	if lineHeight == 0 {
		lineHeight = metrics.Ascent + metrics.Descent
	}

	origin := fixed.P(*t.opts.X, *t.opts.Y)
	origin.Y += metrics.Ascent
	radius := *t.opts.StrokeWidth

	drawer := &font.Drawer{Dst: dst, Face: t.face}
	for i, line := range t.lines {
		if line == "" {
			continue
		}
		dot := fixed.Point26_6{X: origin.X, Y: origin.Y + lineHeight*fixed.Int26_6(i)}

		if radius > 0 {
			drawer.Src = t.stroke
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					if (dx == 0 && dy == 0) || dx*dx+dy*dy > radius*radius {
						continue
					}
					drawer.Dot = dot.Add(fixed.P(dx, dy))
					drawer.DrawString(line)
				}
			}
		}

		drawer.Src = t.fill
		drawer.Dot = dot
		drawer.DrawString(line)
	}
}

// Close releases the font face.
func (t *Text) Close() error {
	if t.face == nil {
		return nil
	}
	return t.face.Close()
}

func resize(src *image.RGBA, w, h int) *image.RGBA {
	scaled := imaging.Resize(src, w, h, imaging.Lanczos)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	return dst
}
