//go:build gocv

package stream

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"objrec/internal/pipeline"
)

const (
	keyEsc   = 27
	keyDelay = 5 // ms
)

// WindowDisplay shows frames in a native OpenCV window. ESC requests
// cancellation.
type WindowDisplay struct {
	window *gocv.Window
	logger *zap.Logger
	cancel atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewWindowDisplay opens a window titled title.
func NewWindowDisplay(title string, logger *zap.Logger) (pipeline.Display, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := gocv.NewWindow(title)
	if w == nil {
		return nil, errors.Errorf("open window %q", title)
	}
	return &WindowDisplay{window: w, logger: logger.Named("window")}, nil
}

// Show implements pipeline.Display. It also polls the keyboard, which is
// what lets the window repaint.
func (d *WindowDisplay) Show(img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return errors.Wrap(err, "convert frame")
	}
	defer mat.Close()

	d.window.IMShow(mat)
	if d.window.WaitKey(keyDelay)&0xFF == keyEsc {
		d.cancel.Store(true)
		d.logger.Info("escape pressed")
	}
	return nil
}

// CancelRequested implements pipeline.Display.
func (d *WindowDisplay) CancelRequested() bool {
	return d.cancel.Load()
}

// Close implements pipeline.Display.
func (d *WindowDisplay) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.window.Close()
	})
	return d.closeErr
}
