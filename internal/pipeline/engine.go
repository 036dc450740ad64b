package pipeline

import (
	"image"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine runs an ordered set of detector specs over normalized frames.
// Primary specs scan the whole frame; nested specs scan inside each detection
// of their parent spec.
type Engine struct {
	specs   []DetectorSpec
	primary []DetectorSpec
	nested  []DetectorSpec
	logger  *zap.Logger
}

// NewEngine validates specs and builds an engine. Every model must already be
// loaded; a model that is not is reported as a ModelLoadError.
func NewEngine(specs []DetectorSpec, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(specs) == 0 {
		return nil, errors.New("no detectors registered")
	}

	e := &Engine{
		specs:  append([]DetectorSpec(nil), specs...),
		logger: logger.Named("engine"),
	}

	primaries := make(map[string]bool)
	seen := make(map[string]bool)
	for _, s := range specs {
		if s.Label == "" {
			return nil, errors.New("detector label cannot be empty")
		}
		if seen[s.Label] {
			return nil, errors.Errorf("detector %q already registered", s.Label)
		}
		seen[s.Label] = true

		if s.Model == nil || !s.Model.IsLoaded() {
			return nil, &ModelLoadError{Label: s.Label, Err: errors.New("model not loaded")}
		}
		if s.ScaleFactor <= 1.0 {
			return nil, errors.Errorf("detector %q: scale factor must be > 1, got %v", s.Label, s.ScaleFactor)
		}
		if s.MinNeighbors < 0 {
			return nil, errors.Errorf("detector %q: min neighbors must be >= 0, got %d", s.Label, s.MinNeighbors)
		}

		if s.Nested {
			e.nested = append(e.nested, s)
			continue
		}
		if s.Parent != "" {
			return nil, errors.Errorf("detector %q: only nested detectors may name a parent", s.Label)
		}
		primaries[s.Label] = true
		e.primary = append(e.primary, s)
	}

	for _, s := range e.nested {
		if !primaries[s.Parent] {
			return nil, errors.Errorf("nested detector %q: parent %q is not a primary detector", s.Label, s.Parent)
		}
	}

	return e, nil
}

// Specs returns the registered specs in registration order.
func (e *Engine) Specs() []DetectorSpec {
	return append([]DetectorSpec(nil), e.specs...)
}

// Detect runs every primary spec over img, then every nested spec inside the
// detections of its parent. Calling Detect twice on identical input yields
// identical results.
func (e *Engine) Detect(img *image.Gray) (*ResultSet, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.Wrap(ErrInvalidFrame, "empty normalized image")
	}
	img = rebase(img)

	rs := &ResultSet{}
	parents := make(map[string][]*Detection)

	for _, spec := range e.primary {
		for _, box := range run(spec, img) {
			d := &Detection{Box: box, Label: spec.Label}
			rs.add(d)
			parents[spec.Label] = append(parents[spec.Label], d)
		}
	}

	for _, spec := range e.nested {
		for _, parent := range parents[spec.Parent] {
			region := crop(img, parent.Box)
			if region == nil {
				continue
			}
			for _, box := range run(spec, region) {
				rs.add(&Detection{
					Box:    box.Translate(parent.Box.X1, parent.Box.Y1),
					Label:  spec.Label,
					Parent: parent,
				})
			}
		}
	}

	if ce := e.logger.Check(zap.DebugLevel, "detect"); ce != nil {
		ce.Write(zap.Int("detections", rs.Len()), zap.Any("counts", rs.Counts()))
	}
	return rs, nil
}

// Close releases every model.
func (e *Engine) Close() error {
	var err error
	for _, s := range e.specs {
		err = multierr.Append(err, s.Model.Close())
	}
	return err
}

// run invokes the spec's model and keeps only the non-degenerate part of each
// box that lies inside img.
func run(spec DetectorSpec, img *image.Gray) []BoundingBox {
	raw := spec.Model.Detect(img, spec.Params())
	if len(raw) == 0 {
		return nil
	}
	out := make([]BoundingBox, 0, len(raw))
	for _, b := range raw {
		b = b.Clamp(img.Rect)
		if b.Empty() {
			continue
		}
		out = append(out, b)
	}
	return out
}

// crop returns the part of img under box, rebased to (0,0). It shares pixel
// memory with img. Nil when the region is empty.
func crop(img *image.Gray, box BoundingBox) *image.Gray {
	r := box.Rect().Intersect(img.Rect)
	if r.Empty() {
		return nil
	}
	return rebase(img.SubImage(r).(*image.Gray))
}

func rebase(img *image.Gray) *image.Gray {
	if img.Rect.Min == (image.Point{}) {
		return img
	}
	return &image.Gray{
		Pix:    img.Pix,
		Stride: img.Stride,
		Rect:   image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy()),
	}
}
