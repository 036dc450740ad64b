package source

import (
	"context"
	"image"
	"image/color"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

const (
	defaultSynthWidth  = 640
	defaultSynthHeight = 480
)

// SynthConfig describes a synthetic scene: a still background plus
// optional gaussian noise.
type SynthConfig struct {
	Background string  // image path, black when empty
	Noise      float64 // noise std-dev as a fraction of full scale
	Width      int
	Height     int
	Frames     int // 0 means endless
	FPS        int // 0 means unpaced
	Seed       uint64
}

// ParseSynth reads synth parameters: bg, noise, size=WxH, frames, fps, seed.
func ParseSynth(params map[string]string) (SynthConfig, error) {
	cfg := SynthConfig{Width: defaultSynthWidth, Height: defaultSynthHeight, Seed: 1}
	for k, v := range params {
		var err error
		switch k {
		case "bg":
			cfg.Background = v
		case "noise":
			cfg.Noise, err = strconv.ParseFloat(v, 64)
			if err == nil && (cfg.Noise < 0 || cfg.Noise > 1) {
				err = errors.New("must be within 0..1")
			}
		case "size":
			w, h, ok := strings.Cut(v, "x")
			if !ok {
				err = errors.New("want WxH")
				break
			}
			if cfg.Width, err = strconv.Atoi(w); err != nil {
				break
			}
			cfg.Height, err = strconv.Atoi(h)
			if err == nil && (cfg.Width <= 0 || cfg.Height <= 0) {
				err = errors.New("must be positive")
			}
		case "frames":
			cfg.Frames, err = strconv.Atoi(v)
		case "fps":
			cfg.FPS, err = strconv.Atoi(v)
		case "seed":
			cfg.Seed, err = strconv.ParseUint(v, 10, 64)
		default:
			err = errors.New("unknown parameter")
		}
		if err != nil {
			return cfg, errors.Wrapf(ErrUnknownSource, "synth %s=%q: %v", k, v, err)
		}
	}
	return cfg, nil
}

// Synth is an in-process frame source rendering a synthetic scene.
type Synth struct {
	cfg    SynthConfig
	bg     *image.NRGBA
	rng    *rand.Rand
	clock  clock.Clock
	ticker *clock.Ticker
	logger *zap.Logger

	seq      uint64
	mu       sync.Mutex
	released bool
}

func openSynth(d Descriptor, opts Options, logger *zap.Logger) (*Synth, error) {
	cfg, err := ParseSynth(d.Params)
	if err != nil {
		return nil, err
	}
	return NewSynth(cfg, opts.Clock, logger)
}

// NewSynth builds a synthetic source. The background image is scaled to
// fill the configured frame size.
func NewSynth(cfg SynthConfig, clk clock.Clock, logger *zap.Logger) (*Synth, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var bg *image.NRGBA
	if cfg.Background != "" {
		img, err := imaging.Open(cfg.Background)
		if err != nil {
			return nil, errors.Wrap(err, "synth background")
		}
		bg = imaging.Fill(img, cfg.Width, cfg.Height, imaging.Center, imaging.Linear)
	} else {
		bg = imaging.New(cfg.Width, cfg.Height, color.Black)
	}

	s := &Synth{
		cfg:    cfg,
		bg:     bg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		clock:  clk,
		logger: logger,
	}
	if cfg.FPS > 0 {
		s.ticker = clk.Ticker(time.Second / time.Duration(cfg.FPS))
	}
	logger.Info("synthetic source opened",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Float64("noise", cfg.Noise),
		zap.Int("frames", cfg.Frames))
	return s, nil
}

// Read implements pipeline.FrameSource.
func (s *Synth) Read(ctx context.Context) (*pipeline.Frame, bool) {
	s.mu.Lock()
	done := s.released || (s.cfg.Frames > 0 && s.seq >= uint64(s.cfg.Frames))
	s.mu.Unlock()
	if done || ctx.Err() != nil {
		return nil, false
	}

	if s.ticker != nil {
		select {
		case <-s.ticker.C:
		case <-ctx.Done():
			return nil, false
		}
	}

	img := imaging.Clone(s.bg)
	if s.cfg.Noise > 0 {
		s.addNoise(img)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return pipeline.NewFrame(img, s.seq, s.clock.Now()), true
}

func (s *Synth) addNoise(img *image.NRGBA) {
	sigma := s.cfg.Noise * 255
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i+c]) + s.rng.NormFloat64()*sigma
			img.Pix[i+c] = uint8(min(max(v, 0), 255))
		}
	}
}

// Release implements pipeline.FrameSource.
func (s *Synth) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.logger.Info("synthetic source released", zap.Uint64("frames", s.seq))
	return nil
}
