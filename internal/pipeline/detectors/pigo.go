package detectors

import (
	"encoding/binary"
	"image"
	"math"

	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"

	"objrec/internal/pipeline"
)

const (
	// shiftFactor moves the scan window by this fraction of its size.
	shiftFactor = 0.1
	// iouThreshold merges raw hits into one cluster above this overlap.
	iouThreshold = 0.2

	pigoHeaderLen = 8
	maxTreeDepth  = 16
)

func init() {
	DefaultRegistry.MustRegister(Format{
		Name: "pigo",
		Match: func(path string, data []byte) bool {
			return validatePigo(data) == nil
		},
		Load: func(path string, data []byte) (pipeline.Model, error) {
			return LoadPigo(data)
		},
	})
}

// PigoModel is a pixel-intensity-comparison cascade.
type PigoModel struct {
	classifier *pigo.Pigo
	trees      int
}

// LoadPigo unpacks a binary pigo cascade.
func LoadPigo(data []byte) (m *PigoModel, err error) {
	if err := validatePigo(data); err != nil {
		return nil, err
	}
	// Unpack indexes the packet without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, errors.Errorf("corrupt cascade: %v", r)
		}
	}()

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "unpack cascade")
	}
	return &PigoModel{
		classifier: classifier,
		trees:      int(binary.LittleEndian.Uint32(data[pigoHeaderLen+4:])),
	}, nil
}

// validatePigo checks that data holds exactly the trees its header declares.
func validatePigo(data []byte) error {
	if len(data) < pigoHeaderLen+8 {
		return errors.New("cascade too short")
	}
	depth := binary.LittleEndian.Uint32(data[pigoHeaderLen:])
	trees := binary.LittleEndian.Uint32(data[pigoHeaderLen+4:])
	if depth == 0 || depth > maxTreeDepth {
		return errors.Errorf("tree depth %d out of range", depth)
	}
	if trees == 0 {
		return errors.New("cascade has no trees")
	}

	leaves := 1 << depth
	perTree := (4*leaves - 4) + 4*leaves + 4
	want := pigoHeaderLen + 8 + int(trees)*perTree
	if int(trees) > (len(data)-pigoHeaderLen-8)/perTree || want != len(data) {
		return errors.Errorf("cascade declares %d trees of depth %d, file has %d bytes", trees, depth, len(data))
	}
	return nil
}

// IsLoaded implements pipeline.Model.
func (m *PigoModel) IsLoaded() bool {
	return m != nil && m.classifier != nil && m.trees > 0
}

// Close implements pipeline.Model.
func (m *PigoModel) Close() error { return nil }

// Detect implements pipeline.Model. The pigo window is square, so the
// larger side of MinSize and the smaller side of MaxSize bound the scan.
func (m *PigoModel) Detect(img *image.Gray, p pipeline.DetectParams) []pipeline.BoundingBox {
	b := img.Bounds()
	rows, cols := b.Dy(), b.Dx()

	minSize := max(p.MinSize.W, p.MinSize.H, 1)
	maxSize := min(rows, cols)
	if p.MaxSize.W > 0 && p.MaxSize.H > 0 {
		maxSize = min(maxSize, p.MaxSize.W, p.MaxSize.H)
	}
	if minSize > maxSize || p.ScaleFactor <= 1 {
		return nil
	}

	params := pigo.CascadeParams{
		ShiftFactor: shiftFactor,
		// one scale per call; the progression is driven below
		ScaleFactor: 2,
		ImageParams: pigo.ImageParams{
			Pixels: img.Pix,
			Rows:   rows,
			Cols:   cols,
			Dim:    img.Stride,
		},
	}

	var raw []pigo.Detection
	last := 0
	for s := float64(minSize); s <= float64(maxSize); s *= p.ScaleFactor {
		size := int(s)
		if size == last {
			continue
		}
		last = size
		params.MinSize, params.MaxSize = size, size
		raw = append(raw, m.classifier.RunCascade(params, 0)...)
	}
	if len(raw) == 0 {
		return nil
	}

	dets := raw
	if p.MinNeighbors > 0 {
		dets = m.group(raw, p.MinNeighbors)
	}

	boxes := make([]pipeline.BoundingBox, 0, len(dets))
	for _, d := range dets {
		x, y := b.Min.X+d.Col-d.Scale/2, b.Min.Y+d.Row-d.Scale/2
		boxes = append(boxes, pipeline.Box(x, y, x+d.Scale, y+d.Scale))
	}
	return boxes
}

// group clusters overlapping hits and keeps clusters backed by more than
// minNeighbors raw hits.
func (m *PigoModel) group(raw []pigo.Detection, minNeighbors int) []pigo.Detection {
	clusters := m.classifier.ClusterDetections(append([]pigo.Detection(nil), raw...), iouThreshold)

	out := clusters[:0]
	for _, c := range clusters {
		n := 0
		for _, r := range raw {
			if iou(c, r) > iouThreshold {
				n++
			}
		}
		if n > minNeighbors {
			out = append(out, c)
		}
	}
	return out
}

func iou(a, b pigo.Detection) float64 {
	r1, c1, s1 := float64(a.Row), float64(a.Col), float64(a.Scale)
	r2, c2, s2 := float64(b.Row), float64(b.Col), float64(b.Scale)

	overRow := math.Max(0, math.Min(r1+s1/2, r2+s2/2)-math.Max(r1-s1/2, r2-s2/2))
	overCol := math.Max(0, math.Min(c1+s1/2, c2+s2/2)-math.Max(c1-s1/2, c2-s2/2))
	return overRow * overCol / (s1*s1 + s2*s2 - overRow*overCol)
}

var _ pipeline.Model = (*PigoModel)(nil)
