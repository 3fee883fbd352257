package av

import (
	"errors"
	"image"
	"image/draw"
	"sync/atomic"
	"time"
)

// ErrFrameReleased is returned when a frame is released a second time.
var ErrFrameReleased = errors.New("frame already released")

// Frame is a decoded RGBA picture with its presentation time. A frame has
// exactly one owner at a time; the owner either hands it on (to a
// transformer, the batch buffer, or an encoder) or calls Release.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Duration
	Duration  time.Duration

	released atomic.Bool
	counter  *FrameCounter
}

// NewFrame wraps img as an owned frame. counter may be nil.
func NewFrame(img *image.RGBA, timestamp, duration time.Duration, counter *FrameCounter) *Frame {
	counter.acquire()
	return &Frame{
		Image:     img,
		Timestamp: timestamp,
		Duration:  duration,
		counter:   counter,
	}
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	return f.Image.Bounds().Dy()
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// Release returns the frame's resources. It must be called exactly once by
// the final owner; later calls return ErrFrameReleased.
func (f *Frame) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		f.counter.doubleRelease()
		return ErrFrameReleased
	}
	f.counter.release()
	f.Image = nil
	return nil
}

// Clone copies the pixels into a new, independently owned frame that shares
// the same counter.
func (f *Frame) Clone() *Frame {
	dst := image.NewRGBA(f.Image.Bounds())
	draw.Draw(dst, dst.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)
	return NewFrame(dst, f.Timestamp, f.Duration, f.counter)
}

// Derive returns a new owned frame carrying img and this frame's timing.
// The receiver is left untouched; the caller still owns it.
func (f *Frame) Derive(img *image.RGBA) *Frame {
	return NewFrame(img, f.Timestamp, f.Duration, f.counter)
}

// FrameCounter keeps running totals of frame acquisitions and releases so
// leaks and double releases can be observed. All methods are nil-safe.
type FrameCounter struct {
	acquired       atomic.Int64
	released       atomic.Int64
	doubleReleases atomic.Int64
}

func (c *FrameCounter) acquire() {
	if c != nil {
		c.acquired.Add(1)
	}
}

func (c *FrameCounter) release() {
	if c != nil {
		c.released.Add(1)
	}
}

func (c *FrameCounter) doubleRelease() {
	if c != nil {
		c.doubleReleases.Add(1)
	}
}

// Acquired returns the number of frames created.
func (c *FrameCounter) Acquired() int64 {
	if c == nil {
		return 0
	}
	return c.acquired.Load()
}

// ReleasedCount returns the number of successful releases.
func (c *FrameCounter) ReleasedCount() int64 {
	if c == nil {
		return 0
	}
	return c.released.Load()
}

// DoubleReleases returns the number of rejected second releases.
func (c *FrameCounter) DoubleReleases() int64 {
	if c == nil {
		return 0
	}
	return c.doubleReleases.Load()
}

// Live returns the number of frames acquired but not yet released.
func (c *FrameCounter) Live() int64 {
	return c.Acquired() - c.ReleasedCount()
}

// ReleaseAll releases every frame in frames, ignoring nil entries, and
// returns how many were released by this call.
func ReleaseAll(frames []*Frame) int {
	n := 0
	for _, f := range frames {
		if f == nil {
			continue
		}
		if f.Release() == nil {
			n++
		}
	}
	return n
}
