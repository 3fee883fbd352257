package overlay

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

// ErrInvalidOptions is returned for options that cannot be rendered.
var ErrInvalidOptions = errors.New("invalid overlay options")

// Defaults applied by Normalize.
const (
	DefaultColor       = "white"
	DefaultStrokeColor = "black"
	DefaultFontSize    = 48
	DefaultStrokeWidth = 2
	DefaultX           = 50
	DefaultY           = 50
	DefaultFont        = FontRegular

	maxFontSize    = 1000
	maxStrokeWidth = 50
)

// Font families bundled with the binary.
const (
	FontRegular = "regular"
	FontBold    = "bold"
	FontMono    = "mono"
)

// Options describes the text drawn on every frame and an optional rescale.
// X and Y place the top-left corner of the text box in output pixels.
type Options struct {
	Text        string  `json:"text"`
	Color       string  `json:"color,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	Font        string  `json:"font,omitempty"`
	X           *int    `json:"x,omitempty"`
	Y           *int    `json:"y,omitempty"`
	StrokeColor string  `json:"strokeColor,omitempty"`
	StrokeWidth *int    `json:"strokeWidth,omitempty"` // 0 disables the outline
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
}

// Int returns a pointer to v, for the optional integer fields.
func Int(v int) *int {
	return &v
}

// Normalize fills defaults and validates the result.
func (o Options) Normalize() (Options, error) {
	if o.Color == "" {
		o.Color = DefaultColor
	}
	if o.StrokeColor == "" {
		o.StrokeColor = DefaultStrokeColor
	}
	if o.FontSize == 0 {
		o.FontSize = DefaultFontSize
	}
	if o.Font == "" {
		o.Font = DefaultFont
	}
	if o.X == nil {
		o.X = Int(DefaultX)
	}
	if o.Y == nil {
		o.Y = Int(DefaultY)
	}
	if o.StrokeWidth == nil {
		o.StrokeWidth = Int(DefaultStrokeWidth)
	}

	if _, err := ParseColor(o.Color); err != nil {
		return o, err
	}
	if _, err := ParseColor(o.StrokeColor); err != nil {
		return o, err
	}
	if o.FontSize < 0 || o.FontSize > maxFontSize {
		return o, fmt.Errorf("%w: font size %.1f", ErrInvalidOptions, o.FontSize)
	}
	switch o.Font {
	case FontRegular, FontBold, FontMono:
	default:
		return o, fmt.Errorf("%w: font %q", ErrInvalidOptions, o.Font)
	}
	if *o.StrokeWidth < 0 || *o.StrokeWidth > maxStrokeWidth {
		return o, fmt.Errorf("%w: stroke width %d", ErrInvalidOptions, *o.StrokeWidth)
	}
	if o.Width < 0 || o.Height < 0 {
		return o, fmt.Errorf("%w: negative output size", ErrInvalidOptions)
	}
	return o, nil
}

// OutputSize returns the encoded frame size for a source of srcW x srcH.
// A single requested dimension keeps the source aspect ratio. Both values
// are rounded down to even numbers, as 4:2:0 video requires.
func (o Options) OutputSize(srcW, srcH int) (int, int) {
	w, h := srcW, srcH
	switch {
	case o.Width > 0 && o.Height > 0:
		w, h = o.Width, o.Height
	case o.Width > 0 && srcW > 0:
		w, h = o.Width, o.Width*srcH/srcW
	case o.Height > 0 && srcH > 0:
		w, h = o.Height*srcW/srcH, o.Height
	}
	return max(w&^1, 2), max(h&^1, 2)
}

// ParseColor accepts #rgb, #rrggbb, #rrggbbaa, and SVG color names. The
// alpha channel is not premultiplied.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if c, ok := colornames.Map[s]; ok {
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}, nil
	}

	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return color.NRGBA{}, fmt.Errorf("%w: unknown color %q", ErrInvalidOptions, s)
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("%w: color %q", ErrInvalidOptions, s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: color %q", ErrInvalidOptions, s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
