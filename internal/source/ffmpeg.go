package source

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxFrameBytes = 16 << 20

// SplitJpeg is a bufio.SplitFunc yielding one JPEG image per token, from
// the Start Of Image marker to the End Of Image marker.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// ffmpegSource decodes an ffmpeg MJPEG pipe.
type ffmpegSource struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	scanner *bufio.Scanner
	clock   clock.Clock
	logger  *zap.Logger

	pending *pipeline.Frame
	seq     uint64

	releaseOnce sync.Once
}

// ffmpegArgs builds the decoder command line. Input options, if any, go
// before -i.
func ffmpegArgs(input string, inputOpts []string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, inputOpts...)
	return append(args, "-i", input, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

func openFFmpeg(ctx context.Context, input string, inputOpts []string, opts Options, logger *zap.Logger) (*ffmpegSource, error) {
	cmd := exec.CommandContext(ctx, opts.FFmpeg, ffmpegArgs(input, inputOpts)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg")
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	scanner.Split(SplitJpeg)

	s := &ffmpegSource{
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		scanner: scanner,
		clock:   opts.Clock,
		logger:  logger,
	}

	// A stream that cannot produce a first frame is not open.
	frame, ok := s.next(ctx)
	if !ok {
		s.Release()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "no frames"
		}
		return nil, errors.Errorf("open %s: %s", input, msg)
	}
	s.pending = frame
	logger.Info("capture opened", zap.Int("width", frame.Width), zap.Int("height", frame.Height))
	return s, nil
}

// Read implements pipeline.FrameSource.
func (s *ffmpegSource) Read(ctx context.Context) (*pipeline.Frame, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	if f := s.pending; f != nil {
		s.pending = nil
		return f, true
	}
	return s.next(ctx)
}

func (s *ffmpegSource) next(ctx context.Context) (*pipeline.Frame, bool) {
	for s.scanner.Scan() {
		if ctx.Err() != nil {
			return nil, false
		}
		img, err := imaging.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.seq++
		return pipeline.NewFrame(img, s.seq, s.clock.Now()), true
	}
	if err := s.scanner.Err(); err != nil {
		s.logger.Warn("capture read failed", zap.Error(err))
	}
	return nil, false
}

// Release implements pipeline.FrameSource.
func (s *ffmpegSource) Release() error {
	s.releaseOnce.Do(func() {
		s.stdout.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		// The process was killed on purpose; its exit status says nothing.
		s.cmd.Wait()
		s.logger.Info("capture released", zap.Uint64("frames", s.seq))
	})
	return nil
}
