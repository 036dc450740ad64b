//go:build !gocv

package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

// openDevice captures from a V4L2 device through ffmpeg.
func openDevice(ctx context.Context, d Descriptor, opts Options, logger *zap.Logger) (pipeline.FrameSource, error) {
	input, inputOpts := deviceInput(d, opts)
	return openFFmpeg(ctx, input, inputOpts, opts, logger)
}

func deviceInput(d Descriptor, opts Options) (string, []string) {
	inputOpts := []string{"-f", "v4l2"}
	if opts.CaptureSize != "" {
		inputOpts = append(inputOpts, "-video_size", opts.CaptureSize)
	}
	return fmt.Sprintf("/dev/video%d", d.Index), inputOpts
}
