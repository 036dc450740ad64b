package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
)

// Model is a pre-trained, frozen sliding-window classifier for one object
// class. Detect returns boxes relative to img's bounds origin. Models carry
// no per-call state and may be shared across ticks.
type Model interface {
	// Detect runs the multi-scale window over img
	Detect(img *image.Gray, params DetectParams) []BoundingBox

	// IsLoaded reports whether the model holds a usable classifier
	IsLoaded() bool

	// Close releases model resources
	Close() error
}

// FrameSource supplies successive frames. Read blocks until a frame is
// available and returns ok=false once the stream is exhausted or ctx is done.
type FrameSource interface {
	Read(ctx context.Context) (frame *Frame, ok bool)

	// Release frees the capture handle. Safe to call more than once.
	Release() error
}

// SourceOpener opens the frame source when the controller starts streaming.
type SourceOpener func(ctx context.Context) (FrameSource, error)

// Renderer draws annotation primitives onto a display image.
type Renderer interface {
	DrawBox(img draw.Image, box BoundingBox, c color.RGBA)
	DrawLabel(img draw.Image, pos image.Point, text string)
}

// Display presents annotated frames and reports user cancellation.
type Display interface {
	// Show presents one annotated frame, blocking for the refresh
	Show(img image.Image) error

	// CancelRequested polls for a user-initiated stop
	CancelRequested() bool

	// Close releases the display surface
	Close() error
}

// TickHandler receives results from rendered ticks.
type TickHandler interface {
	OnTick(result *TickResult)
}

// TickHandlerFunc adapts a function to TickHandler.
type TickHandlerFunc func(result *TickResult)

// OnTick implements TickHandler.
func (f TickHandlerFunc) OnTick(result *TickResult) { f(result) }
