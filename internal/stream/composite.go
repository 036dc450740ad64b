package stream

import (
	"image"

	"go.uber.org/multierr"

	"objrec/internal/pipeline"
)

// Composite broadcasts frames to multiple displays.
// Cancellation requested on any of them stops the loop.
type Composite struct {
	displays []pipeline.Display
}

// NewComposite creates a display that broadcasts to every non-nil display.
func NewComposite(displays ...pipeline.Display) *Composite {
	c := &Composite{}
	for _, d := range displays {
		if d != nil {
			c.displays = append(c.displays, d)
		}
	}
	return c
}

// Show forwards the frame to all displays
func (c *Composite) Show(img image.Image) error {
	var err error
	for _, d := range c.displays {
		err = multierr.Append(err, d.Show(img))
	}
	return err
}

// CancelRequested reports whether any display asked to stop
func (c *Composite) CancelRequested() bool {
	for _, d := range c.displays {
		if d.CancelRequested() {
			return true
		}
	}
	return false
}

// Close closes every display
func (c *Composite) Close() error {
	var err error
	for _, d := range c.displays {
		err = multierr.Append(err, d.Close())
	}
	return err
}

var _ pipeline.Display = (*Composite)(nil)
