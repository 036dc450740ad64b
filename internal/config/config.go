package config

import (
	"bytes"
	"image/color"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks every configuration problem found at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Display backends.
const (
	DisplayMJPEG  = "mjpeg"
	DisplayWindow = "window"
)

// Size is a width/height pair in pixels.
type Size struct {
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// IsZero reports whether neither dimension is set.
func (s Size) IsZero() bool { return s.W == 0 && s.H == 0 }

// String formats the size as "WxH", empty when zero.
func (s Size) String() string {
	if s.IsZero() {
		return ""
	}
	return strconv.Itoa(s.W) + "x" + strconv.Itoa(s.H)
}

// ParseSize parses "WxH" with both dimensions positive.
func ParseSize(v string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(v), "x")
	if !ok {
		return Size{}, errors.Wrapf(ErrInvalidConfig, "size %q is not WxH", v)
	}
	sw, errW := strconv.Atoi(w)
	sh, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || sw <= 0 || sh <= 0 {
		return Size{}, errors.Wrapf(ErrInvalidConfig, "size %q is not WxH", v)
	}
	return Size{W: sw, H: sh}, nil
}

// DetectorConfig describes one object class.
type DetectorConfig struct {
	Label        string  `yaml:"label"`
	Model        string  `yaml:"model"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSize      Size    `yaml:"min_size"`
	MaxSize      Size    `yaml:"max_size"`
	Nested       bool    `yaml:"nested"`
	Parent       string  `yaml:"parent"`
	Color        string  `yaml:"color"`
}

// PipelineConfig is the complete startup configuration. It is built once and
// handed by value to the components that need it.
type PipelineConfig struct {
	Source      string           `yaml:"source"`
	Fallback    string           `yaml:"fallback"`
	Display     string           `yaml:"display"`
	HTTPAddr    string           `yaml:"http"`
	GRPCAddr    string           `yaml:"grpc"`
	JPEGQuality int              `yaml:"jpeg_quality"`
	CaptureSize Size             `yaml:"capture_size"` // camera resolution, zero keeps the device default
	Detectors   []DetectorConfig `yaml:"detectors"`
}

// Default returns the stock five-class pipeline. Model paths are left empty
// and must be supplied for every primary class.
func Default() PipelineConfig {
	return PipelineConfig{
		Source:      "0",
		Fallback:    "synth:noise=0.0",
		Display:     DisplayMJPEG,
		HTTPAddr:    "localhost:8080",
		JPEGQuality: 85,
		Detectors: []DetectorConfig{
			{Label: "Face", ScaleFactor: 1.25, MinNeighbors: 4, MinSize: Size{30, 30}, Color: "#ff00ff"},
			{Label: "Smile", ScaleFactor: 1.23, MinNeighbors: 60, MinSize: Size{30, 30}, Color: "#00ffff"},
			{Label: "WallClock", ScaleFactor: 1.2, MinNeighbors: 10, MinSize: Size{5, 5}, Color: "#00ffff"},
			{Label: "NumberPlate", ScaleFactor: 1.01, MinNeighbors: 15, MinSize: Size{3, 3}, Color: "#ffffff"},
			{Label: "Eye", ScaleFactor: 1.25, MinNeighbors: 4, MinSize: Size{30, 30}, Nested: true, Parent: "Face", Color: "#00ff00"},
		},
	}
}

// Load reads a YAML file on top of Default. A detectors list in the file
// replaces the default list entirely.
func Load(path string) (PipelineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *PipelineConfig) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (c PipelineConfig) Clone() PipelineConfig {
	c.Detectors = append([]DetectorConfig(nil), c.Detectors...)
	return c
}

// WithModelPaths returns a copy with model paths overridden by label.
// Labels match case-insensitively; an unknown label is an error.
func (c PipelineConfig) WithModelPaths(paths map[string]string) (PipelineConfig, error) {
	out := c.Clone()
	var errs error
	for label, path := range paths {
		i := out.index(label)
		if i < 0 {
			errs = multierr.Append(errs, errors.Wrapf(ErrInvalidConfig, "model override for unknown detector %q", label))
			continue
		}
		out.Detectors[i].Model = path
	}
	return out, errs
}

func (c PipelineConfig) index(label string) int {
	for i, d := range c.Detectors {
		if strings.EqualFold(d.Label, label) {
			return i
		}
	}
	return -1
}

// Enabled returns the detectors that take part in the pipeline: every
// primary detector, plus nested detectors that have a model path.
func (c PipelineConfig) Enabled() []DetectorConfig {
	out := make([]DetectorConfig, 0, len(c.Detectors))
	for _, d := range c.Detectors {
		if d.Nested && d.Model == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Disabled returns the labels of nested detectors left without a model.
func (c PipelineConfig) Disabled() []string {
	var out []string
	for _, d := range c.Detectors {
		if d.Nested && d.Model == "" {
			out = append(out, d.Label)
		}
	}
	return out
}

// Validate reports every configuration problem at once. A primary detector
// without a model path is always an error; there is no fallback model.
func (c PipelineConfig) Validate() error {
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidConfig, format, args...))
	}

	if c.Source == "" {
		fail("video source is required")
	}
	switch c.Display {
	case DisplayMJPEG, DisplayWindow:
	default:
		fail("unknown display %q", c.Display)
	}
	if c.Display == DisplayMJPEG && c.HTTPAddr == "" {
		fail("mjpeg display needs an http address")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		fail("jpeg quality must be within 1..100, got %d", c.JPEGQuality)
	}
	if !c.CaptureSize.IsZero() && (c.CaptureSize.W <= 0 || c.CaptureSize.H <= 0) {
		fail("capture_size must have both dimensions positive, got %dx%d", c.CaptureSize.W, c.CaptureSize.H)
	}
	if len(c.Detectors) == 0 {
		fail("no detectors configured")
	}

	labels := make(map[string]bool)
	primaries := make(map[string]bool)
	for _, d := range c.Detectors {
		if !d.Nested {
			primaries[d.Label] = true
		}
	}

	for _, d := range c.Detectors {
		if d.Label == "" {
			fail("detector label cannot be empty")
			continue
		}
		key := strings.ToLower(d.Label)
		if labels[key] {
			fail("detector %q configured twice", d.Label)
		}
		labels[key] = true

		if !d.Nested && d.Model == "" {
			fail("detector %q: model path is required", d.Label)
		}
		if d.ScaleFactor <= 1.0 {
			fail("detector %q: scale_factor must be > 1, got %v", d.Label, d.ScaleFactor)
		}
		if d.MinNeighbors < 0 {
			fail("detector %q: min_neighbors must be >= 0, got %d", d.Label, d.MinNeighbors)
		}
		if d.MinSize.W < 0 || d.MinSize.H < 0 || d.MaxSize.W < 0 || d.MaxSize.H < 0 {
			fail("detector %q: window sizes cannot be negative", d.Label)
		}
		if d.Nested {
			if d.Parent == "" {
				fail("nested detector %q: parent is required", d.Label)
			} else if !primaries[d.Parent] {
				fail("nested detector %q: parent %q is not a primary detector", d.Label, d.Parent)
			}
		} else if d.Parent != "" {
			fail("detector %q: only nested detectors may name a parent", d.Label)
		}
		if _, err := ParseColor(d.Color); err != nil {
			fail("detector %q: %v", d.Label, err)
		}
	}
	return errs
}

// ParseColor parses "#rrggbb" or "rrggbb". An empty string yields white.
func ParseColor(s string) (color.RGBA, error) {
	if s == "" {
		return color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return color.RGBA{}, errors.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, errors.Errorf("invalid color %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
