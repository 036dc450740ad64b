// Package source opens the video streams that feed the detection loop:
// capture devices, network streams, video files and synthetic test scenes.
package source

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

// ErrUnknownSource is returned for descriptors that name no known source.
var ErrUnknownSource = errors.New("unknown video source")

// Kind classifies a source descriptor.
type Kind int

const (
	KindDevice Kind = iota
	KindNetwork
	KindFile
	KindSynth
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindNetwork:
		return "network"
	case KindFile:
		return "file"
	case KindSynth:
		return "synth"
	default:
		return "unknown"
	}
}

// Descriptor is a parsed video source string.
//
//	"0", "1"                      capture device index
//	"rtsp://...", "http://..."    network stream
//	"synth:bg=img.jpg:noise=0.1"  synthetic scene
//	anything else                 video file
type Descriptor struct {
	Raw    string
	Kind   Kind
	Index  int
	Target string
	Params map[string]string
}

// Parse classifies a source descriptor.
func Parse(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	d := Descriptor{Raw: s}
	switch {
	case s == "":
		return d, errors.Wrap(ErrUnknownSource, "empty descriptor")
	case isIndex(s):
		d.Kind = KindDevice
		d.Index, _ = strconv.Atoi(s)
	case s == "synth" || strings.HasPrefix(s, "synth:"):
		d.Kind = KindSynth
		d.Params = make(map[string]string)
		for _, kv := range strings.Split(s, ":")[1:] {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return d, errors.Wrapf(ErrUnknownSource, "synth parameter %q is not key=value", kv)
			}
			d.Params[k] = v
		}
	case isNetwork(s):
		d.Kind = KindNetwork
		d.Target = s
	default:
		d.Kind = KindFile
		d.Target = s
	}
	return d, nil
}

func isIndex(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isNetwork checks if target is an HTTP/RTSP URL
func isNetwork(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "rtsp://")
}

// Options configure how sources are opened.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock

	// FFmpeg is the ffmpeg binary, "ffmpeg" when empty
	FFmpeg string

	// CaptureSize is the requested device resolution, e.g. "640x480"
	CaptureSize string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	return o
}

// Open opens the source named by descriptor. The returned source has
// already produced its first frame, or Open fails.
func Open(ctx context.Context, descriptor string, opts Options) (pipeline.FrameSource, error) {
	opts = opts.withDefaults()
	d, err := Parse(descriptor)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.Named("source").With(zap.String("source", d.Raw), zap.Stringer("kind", d.Kind))

	switch d.Kind {
	case KindDevice:
		return openDevice(ctx, d, opts, logger)
	case KindNetwork:
		var inputOpts []string
		if strings.HasPrefix(d.Target, "rtsp://") {
			inputOpts = []string{"-rtsp_transport", "tcp"}
		}
		return openFFmpeg(ctx, d.Target, inputOpts, opts, logger)
	case KindFile:
		if _, err := os.Stat(d.Target); err != nil {
			return nil, errors.Wrap(err, "open video file")
		}
		return openFFmpeg(ctx, d.Target, nil, opts, logger)
	case KindSynth:
		return openSynth(d, opts, logger)
	}
	return nil, errors.Wrapf(ErrUnknownSource, "%q", descriptor)
}

// Opener returns a pipeline.SourceOpener that opens primary, falling back
// to fallback when primary cannot be opened.
func Opener(primary, fallback string, opts Options) pipeline.SourceOpener {
	opts = opts.withDefaults()
	return func(ctx context.Context) (pipeline.FrameSource, error) {
		src, err := Open(ctx, primary, opts)
		if err == nil || fallback == "" || ctx.Err() != nil {
			return src, err
		}
		opts.Logger.Warn("video source unavailable, using fallback",
			zap.String("source", primary),
			zap.String("fallback", fallback),
			zap.Error(err))

		src, ferr := Open(ctx, fallback, opts)
		if ferr != nil {
			return nil, multierr.Append(err, errors.Wrap(ferr, "fallback"))
		}
		return src, nil
	}
}
