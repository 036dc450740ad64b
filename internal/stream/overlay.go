package stream

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"objrec/internal/pipeline"
)

// Overlay draws detection boxes and labels in place.
type Overlay struct {
	Thickness int
	Face      font.Face
	Text      color.Color
	Shadow    color.Color
}

// NewOverlay returns the default overlay: 2px boxes, white 7x13 text on a
// dark drop shadow.
func NewOverlay() *Overlay {
	return &Overlay{
		Thickness: 2,
		Face:      basicfont.Face7x13,
		Text:      color.White,
		Shadow:    color.Black,
	}
}

// DrawBox implements pipeline.Renderer. Edges are drawn inward from the box
// bounds and clipped to the image.
func (o *Overlay) DrawBox(img draw.Image, box pipeline.BoundingBox, c color.RGBA) {
	r := box.Rect().Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := max(o.Thickness, 1)

	edges := []image.Rectangle{
		image.Rect(box.X1, box.Y1, box.X2, box.Y1+t), // top
		image.Rect(box.X1, box.Y2-t, box.X2, box.Y2), // bottom
		image.Rect(box.X1, box.Y1, box.X1+t, box.Y2), // left
		image.Rect(box.X2-t, box.Y1, box.X2, box.Y2), // right
	}
	for _, e := range edges {
		e = e.Intersect(r)
		if !e.Empty() {
			draw.Draw(img, e, src, image.Point{}, draw.Src)
		}
	}
}

// DrawLabel implements pipeline.Renderer. pos is the text baseline origin;
// it is pulled inside the image when it falls outside.
func (o *Overlay) DrawLabel(img draw.Image, pos image.Point, text string) {
	b := img.Bounds()
	ascent := o.Face.Metrics().Ascent.Ceil()
	if pos.Y < b.Min.Y+ascent {
		pos.Y = b.Min.Y + ascent
	}
	if pos.X < b.Min.X {
		pos.X = b.Min.X
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(o.Shadow),
		Face: o.Face,
		Dot:  fixed.P(pos.X+1, pos.Y+1),
	}
	d.DrawString(text)

	d.Src = image.NewUniform(o.Text)
	d.Dot = fixed.P(pos.X, pos.Y)
	d.DrawString(text)
}

var _ pipeline.Renderer = (*Overlay)(nil)
