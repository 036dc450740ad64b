package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// BoundingBox is an axis-aligned pixel rectangle. X2 and Y2 are exclusive,
// matching image.Rectangle.
type BoundingBox struct {
	X1 int `json:"x1"` // Left
	Y1 int `json:"y1"` // Top
	X2 int `json:"x2"` // Right
	Y2 int `json:"y2"` // Bottom
}

// Box builds a BoundingBox from its corners.
func Box(x1, y1, x2, y2 int) BoundingBox {
	return BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// BoxFromRect converts an image.Rectangle.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Rect returns the box as an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Width of the box in pixels.
func (b BoundingBox) Width() int { return b.X2 - b.X1 }

// Height of the box in pixels.
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }

// Empty reports whether the box has no area.
func (b BoundingBox) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// Contains reports whether o lies entirely within b.
func (b BoundingBox) Contains(o BoundingBox) bool {
	return b.X1 <= o.X1 && o.X2 <= b.X2 && b.Y1 <= o.Y1 && o.Y2 <= b.Y2
}

// Translate shifts the box by (dx, dy).
func (b BoundingBox) Translate(dx, dy int) BoundingBox {
	return BoundingBox{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// Clamp intersects the box with bounds. The result may be empty.
func (b BoundingBox) Clamp(bounds image.Rectangle) BoundingBox {
	return BoxFromRect(b.Rect().Intersect(bounds))
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is a labeled box found in one frame. Parent is set only for
// nested detections and points at the primary detection whose region was
// searched.
type Detection struct {
	Box    BoundingBox `json:"box"`
	Label  string      `json:"label"`
	Parent *Detection  `json:"-"`
}

// Nested reports whether the detection came from a nested pass.
func (d *Detection) Nested() bool {
	return d.Parent != nil
}

// Size is a width/height pair used for minimum and maximum window sizes.
type Size struct {
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

// DetectParams are the per-call tuning parameters handed to a Model.
type DetectParams struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      Size
	MaxSize      Size // zero means unbounded
}

// DetectorSpec binds a model to its label and tuning parameters. Specs are
// built once at startup and never mutated afterwards.
type DetectorSpec struct {
	Label        string
	Model        Model
	ScaleFactor  float64
	MinNeighbors int
	MinSize      Size
	MaxSize      Size

	// Nested specs run inside every detection produced by the spec
	// labelled Parent.
	Nested bool
	Parent string

	// Color is used when annotating the display frame.
	Color color.RGBA
}

// Params returns the spec's tuning parameters.
func (s DetectorSpec) Params() DetectParams {
	return DetectParams{
		ScaleFactor:  s.ScaleFactor,
		MinNeighbors: s.MinNeighbors,
		MinSize:      s.MinSize,
		MaxSize:      s.MaxSize,
	}
}

// Frame is one captured color image.
type Frame struct {
	Image     image.Image
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// NewFrame wraps an image, deriving the frame size from its bounds.
func NewFrame(img image.Image, seq uint64, ts time.Time) *Frame {
	f := &Frame{Image: img, Seq: seq, Timestamp: ts}
	if img != nil {
		f.Width = img.Bounds().Dx()
		f.Height = img.Bounds().Dy()
	}
	return f
}

// ResultSet is the ordered collection of detections for one frame: primary
// detections in registration order, then nested detections.
type ResultSet struct {
	Detections []*Detection
}

// Len returns the number of detections.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Detections)
}

// Empty reports whether no detection was produced.
func (rs *ResultSet) Empty() bool {
	return rs.Len() == 0
}

// Counts returns the number of detections per label.
func (rs *ResultSet) Counts() map[string]int {
	counts := make(map[string]int)
	if rs == nil {
		return counts
	}
	for _, d := range rs.Detections {
		counts[d.Label]++
	}
	return counts
}

func (rs *ResultSet) add(d *Detection) {
	rs.Detections = append(rs.Detections, d)
}

// TickResult is published after every rendered tick.
type TickResult struct {
	SessionID string
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Results   *ResultSet
	Elapsed   time.Duration
}
