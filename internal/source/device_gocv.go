//go:build gocv

package source

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"objrec/internal/pipeline"
)

// captureSource reads an OpenCV VideoCapture.
type captureSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	clock   clock.Clock
	logger  *zap.Logger
	seq     uint64

	releaseOnce sync.Once
	releaseErr  error
}

// openDevice opens a capture device with OpenCV.
func openDevice(ctx context.Context, d Descriptor, opts Options, logger *zap.Logger) (pipeline.FrameSource, error) {
	capture, err := gocv.OpenVideoCapture(d.Index)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture device %d", d.Index)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Errorf("capture device %d is not available", d.Index)
	}
	if w, h, ok := strings.Cut(opts.CaptureSize, "x"); ok {
		if fw, err := strconv.Atoi(w); err == nil {
			capture.Set(gocv.VideoCaptureFrameWidth, float64(fw))
		}
		if fh, err := strconv.Atoi(h); err == nil {
			capture.Set(gocv.VideoCaptureFrameHeight, float64(fh))
		}
	}
	logger.Info("capture opened",
		zap.Float64("width", capture.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", capture.Get(gocv.VideoCaptureFrameHeight)))

	return &captureSource{
		capture: capture,
		mat:     gocv.NewMat(),
		clock:   opts.Clock,
		logger:  logger,
	}, nil
}

// Read implements pipeline.FrameSource.
func (s *captureSource) Read(ctx context.Context) (*pipeline.Frame, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	if ok := s.capture.Read(&s.mat); !ok {
		return nil, false
	}
	if s.mat.Empty() {
		// An empty grab still counts as a tick; Normalize rejects it.
		s.seq++
		return &pipeline.Frame{Seq: s.seq, Timestamp: s.clock.Now()}, true
	}
	img, err := s.mat.ToImage()
	if err != nil {
		s.logger.Warn("frame conversion failed", zap.Error(err))
		return nil, false
	}
	s.seq++
	return pipeline.NewFrame(img, s.seq, s.clock.Now()), true
}

// Release implements pipeline.FrameSource.
func (s *captureSource) Release() error {
	s.releaseOnce.Do(func() {
		s.releaseErr = multierr.Combine(s.mat.Close(), s.capture.Close())
		s.logger.Info("capture released", zap.Uint64("frames", s.seq))
	})
	return s.releaseErr
}
