//go:build gocv

package detectors

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"objrec/internal/pipeline"
)

// cascadeScaleImage is CASCADE_SCALE_IMAGE.
const cascadeScaleImage = 2

func init() {
	DefaultRegistry.MustRegister(Format{
		Name: "haar",
		Match: func(path string, data []byte) bool {
			return isXML(data) || hasExt(path, ".xml")
		},
		Load: func(path string, data []byte) (pipeline.Model, error) {
			return LoadHaar(path)
		},
	})
}

// HaarModel is an OpenCV Haar/LBP cascade.
type HaarModel struct {
	classifier gocv.CascadeClassifier
	loaded     bool
	mu         sync.Mutex
}

// LoadHaar loads an OpenCV XML cascade.
func LoadHaar(path string) (*HaarModel, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, errors.Errorf("opencv could not read cascade %s", path)
	}
	return &HaarModel{classifier: classifier, loaded: true}, nil
}

// IsLoaded implements pipeline.Model.
func (m *HaarModel) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Close implements pipeline.Model.
func (m *HaarModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}
	m.loaded = false
	return m.classifier.Close()
}

// Detect implements pipeline.Model.
func (m *HaarModel) Detect(img *image.Gray, p pipeline.DetectParams) []pipeline.BoundingBox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}

	b := img.Bounds()
	// ImageGrayToMatGray expects tightly packed rows.
	if img.Stride != b.Dx() {
		packed := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			copy(packed.Pix[y*packed.Stride:], img.Pix[y*img.Stride:y*img.Stride+b.Dx()])
		}
		img = packed
	}

	mat, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil
	}
	defer mat.Close()

	rects := m.classifier.DetectMultiScaleWithParams(mat,
		p.ScaleFactor,
		p.MinNeighbors,
		cascadeScaleImage,
		image.Pt(p.MinSize.W, p.MinSize.H),
		image.Pt(p.MaxSize.W, p.MaxSize.H),
	)

	boxes := make([]pipeline.BoundingBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, pipeline.BoxFromRect(r.Add(b.Min)))
	}
	return boxes
}

var _ pipeline.Model = (*HaarModel)(nil)
