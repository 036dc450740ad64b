package pipeline

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

// labelOffset is how far above the box top-left the label baseline sits.
const labelOffset = 10

// Annotate draws every detection of rs onto a copy of src and returns the
// copy. The copy is rebased to (0,0), the same frame of reference as the
// normalized image the detections came from. src is left untouched.
func Annotate(r Renderer, src image.Image, rs *ResultSet, colors map[string]color.RGBA) draw.Image {
	vis := imaging.Clone(src)
	if rs == nil {
		return vis
	}
	for _, d := range rs.Detections {
		r.DrawBox(vis, d.Box, colors[d.Label])
		r.DrawLabel(vis, image.Pt(d.Box.X1, d.Box.Y1-labelOffset), " # "+d.Label)
	}
	return vis
}

// SpecColors maps each spec label to its annotation color.
func SpecColors(specs []DetectorSpec) map[string]color.RGBA {
	colors := make(map[string]color.RGBA, len(specs))
	for _, s := range specs {
		colors[s.Label] = s.Color
	}
	return colors
}
