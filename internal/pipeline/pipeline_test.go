package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModel returns fixed boxes and records the size of every image it saw.
type stubModel struct {
	mu     sync.Mutex
	boxes  []BoundingBox
	calls  int
	sizes  []image.Point
	loaded bool
	closed int
}

func newStubModel(boxes ...BoundingBox) *stubModel {
	return &stubModel{boxes: boxes, loaded: true}
}

func (m *stubModel) Detect(img *image.Gray, params DetectParams) []BoundingBox {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.sizes = append(m.sizes, img.Bounds().Size())
	return append([]BoundingBox(nil), m.boxes...)
}

func (m *stubModel) IsLoaded() bool { return m.loaded }

func (m *stubModel) Close() error {
	m.closed++
	return nil
}

func spec(label string, m Model) DetectorSpec {
	return DetectorSpec{Label: label, Model: m, ScaleFactor: 1.25, MinNeighbors: 4, MinSize: Size{W: 30, H: 30}}
}

func nestedSpec(label, parent string, m Model) DetectorSpec {
	s := spec(label, m)
	s.Nested = true
	s.Parent = parent
	return s
}

func grayImage(w, h int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, w, h))
}

// stubSource yields the queued frames, then reports exhaustion.
type stubSource struct {
	frames   []*Frame
	reads    int
	releases int
}

func (s *stubSource) Read(ctx context.Context) (*Frame, bool) {
	s.reads++
	if len(s.frames) == 0 {
		return nil, false
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true
}

func (s *stubSource) Release() error {
	s.releases++
	return nil
}

type stubDisplay struct {
	shown       []image.Image
	cancelAfter int
	showErr     error
	closes      int
}

func (d *stubDisplay) Show(img image.Image) error {
	if d.showErr != nil {
		return d.showErr
	}
	d.shown = append(d.shown, img)
	return nil
}

func (d *stubDisplay) CancelRequested() bool {
	return d.cancelAfter > 0 && len(d.shown) >= d.cancelAfter
}

func (d *stubDisplay) Close() error {
	d.closes++
	return nil
}

type drawCall struct {
	box   BoundingBox
	color color.RGBA
	pos   image.Point
	text  string
}

type stubRenderer struct {
	boxes  []drawCall
	labels []drawCall
}

func (r *stubRenderer) DrawBox(img draw.Image, box BoundingBox, c color.RGBA) {
	r.boxes = append(r.boxes, drawCall{box: box, color: c})
}

func (r *stubRenderer) DrawLabel(img draw.Image, pos image.Point, text string) {
	r.labels = append(r.labels, drawCall{pos: pos, text: text})
}

func colorFrames(n, w, h int) []*Frame {
	frames := make([]*Frame, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 200, G: 100, B: 50, A: 255}), image.Point{}, draw.Src)
		frames[i] = NewFrame(img, uint64(i+1), time.Unix(0, 0))
	}
	return frames
}

func opener(src FrameSource, calls *int) SourceOpener {
	return func(ctx context.Context) (FrameSource, error) {
		*calls++
		return src, nil
	}
}

func TestEqualizeHist(t *testing.T) {
	t.Run("two levels spread to full range", func(t *testing.T) {
		img := grayImage(4, 2)
		for i := range img.Pix {
			if i%2 == 0 {
				img.Pix[i] = 40
			} else {
				img.Pix[i] = 100
			}
		}
		EqualizeHist(img)
		for i, v := range img.Pix {
			if i%2 == 0 {
				assert.Equal(t, uint8(0), v)
			} else {
				assert.Equal(t, uint8(255), v)
			}
		}
	})

	t.Run("uniform image is unchanged", func(t *testing.T) {
		img := grayImage(3, 3)
		for i := range img.Pix {
			img.Pix[i] = 77
		}
		EqualizeHist(img)
		for _, v := range img.Pix {
			assert.Equal(t, uint8(77), v)
		}
	})

	t.Run("output is monotonic", func(t *testing.T) {
		img := grayImage(16, 16)
		for i := range img.Pix {
			img.Pix[i] = uint8(i / 4)
		}
		EqualizeHist(img)
		for i := 1; i < len(img.Pix); i++ {
			assert.GreaterOrEqual(t, img.Pix[i], img.Pix[i-1])
		}
		assert.Equal(t, uint8(255), img.Pix[len(img.Pix)-1])
	})

	t.Run("sub image only touches its bounds", func(t *testing.T) {
		img := grayImage(4, 4)
		for i := range img.Pix {
			img.Pix[i] = uint8(10 * (i % 4))
		}
		sub := img.SubImage(image.Rect(0, 0, 2, 2)).(*image.Gray)
		EqualizeHist(sub)
		assert.Equal(t, uint8(20), img.Pix[2])
		assert.Equal(t, uint8(30), img.Pix[3])
	})
}

func TestGrayscale(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(5, 5, 9, 8))
	draw.Draw(rgba, rgba.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	gray := Grayscale(rgba)
	assert.Equal(t, image.Rect(0, 0, 4, 3), gray.Bounds())
	for _, v := range gray.Pix {
		assert.Equal(t, uint8(255), v)
	}

	ycc := image.NewYCbCr(image.Rect(0, 0, 4, 2), image.YCbCrSubsampleRatio420)
	for i := range ycc.Y {
		ycc.Y[i] = uint8(i)
	}
	gray = Grayscale(ycc)
	assert.Equal(t, ycc.Y[:4], gray.Pix[:4])
	assert.Equal(t, ycc.Y[ycc.YStride:ycc.YStride+4], gray.Pix[gray.Stride:gray.Stride+4])
}

func TestNormalize(t *testing.T) {
	_, err := Normalize(nil)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	empty := NewFrame(image.NewRGBA(image.Rect(0, 0, 0, 0)), 1, time.Now())
	_, err = Normalize(empty)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	frame := colorFrames(1, 8, 6)[0]
	gray, err := Normalize(frame)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), gray.Bounds())
}

func TestNewEngineValidation(t *testing.T) {
	unloaded := newStubModel()
	unloaded.loaded = false

	tests := []struct {
		name  string
		specs []DetectorSpec
		load  bool
	}{
		{name: "no specs"},
		{name: "unloaded model", specs: []DetectorSpec{spec("Face", unloaded)}, load: true},
		{name: "nil model", specs: []DetectorSpec{spec("Face", nil)}, load: true},
		{name: "duplicate label", specs: []DetectorSpec{spec("Face", newStubModel()), spec("Face", newStubModel())}},
		{name: "empty label", specs: []DetectorSpec{spec("", newStubModel())}},
		{name: "missing parent", specs: []DetectorSpec{spec("Face", newStubModel()), nestedSpec("Eye", "Body", newStubModel())}},
		{name: "nested parent", specs: []DetectorSpec{spec("Face", newStubModel()), nestedSpec("Eye", "Face", newStubModel()), nestedSpec("Pupil", "Eye", newStubModel())}},
		{name: "primary with parent", specs: []DetectorSpec{func() DetectorSpec { s := spec("Face", newStubModel()); s.Parent = "X"; return s }()}},
		{name: "scale factor", specs: []DetectorSpec{func() DetectorSpec { s := spec("Face", newStubModel()); s.ScaleFactor = 1; return s }()}},
		{name: "min neighbors", specs: []DetectorSpec{func() DetectorSpec { s := spec("Face", newStubModel()); s.MinNeighbors = -1; return s }()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(tt.specs, nil)
			require.Error(t, err)
			assert.Nil(t, e)
			assert.Equal(t, tt.load, errors.Is(err, ErrModelLoad))
		})
	}
}

func labelled(rs *ResultSet, label string) []*Detection {
	var out []*Detection
	for _, d := range rs.Detections {
		if d.Label == label {
			out = append(out, d)
		}
	}
	return out
}

func TestEngineDetect(t *testing.T) {
	t.Run("eye inside a face on a 100x100 frame", func(t *testing.T) {
		face := newStubModel(Box(10, 10, 60, 60))
		eye := newStubModel(Box(5, 5, 20, 20))
		e, err := NewEngine([]DetectorSpec{spec("Face", face), nestedSpec("Eye", "Face", eye)}, nil)
		require.NoError(t, err)

		rs, err := e.Detect(grayImage(100, 100))
		require.NoError(t, err)
		require.Equal(t, 2, rs.Len())

		f := rs.Detections[0]
		assert.Equal(t, Detection{Box: Box(10, 10, 60, 60), Label: "Face"}, *f)
		assert.Nil(t, f.Parent)

		ey := rs.Detections[1]
		assert.Equal(t, Box(15, 15, 30, 30), ey.Box)
		assert.Equal(t, "Eye", ey.Label)
		assert.Same(t, f, ey.Parent)
		assert.Equal(t, []image.Point{{X: 50, Y: 50}}, eye.sizes)
	})

	t.Run("nested boxes are translated into frame coordinates", func(t *testing.T) {
		face := newStubModel(Box(10, 10, 70, 70))
		eye := newStubModel(Box(5, 5, 25, 25))
		e, err := NewEngine([]DetectorSpec{spec("Face", face), nestedSpec("Eye", "Face", eye)}, nil)
		require.NoError(t, err)

		rs, err := e.Detect(grayImage(100, 100))
		require.NoError(t, err)
		require.Equal(t, 2, rs.Len())

		f, ey := rs.Detections[0], rs.Detections[1]
		assert.Equal(t, "Face", f.Label)
		assert.Equal(t, Box(10, 10, 70, 70), f.Box)
		assert.False(t, f.Nested())

		assert.Equal(t, "Eye", ey.Label)
		assert.Equal(t, Box(15, 15, 35, 35), ey.Box)
		assert.Same(t, f, ey.Parent)
		assert.True(t, f.Box.Contains(ey.Box))

		assert.Equal(t, []image.Point{{X: 60, Y: 60}}, eye.sizes)
	})

	t.Run("nested model not invoked without a parent", func(t *testing.T) {
		face := newStubModel()
		eye := newStubModel(Box(0, 0, 5, 5))
		e, err := NewEngine([]DetectorSpec{spec("Face", face), nestedSpec("Eye", "Face", eye)}, nil)
		require.NoError(t, err)

		rs, err := e.Detect(grayImage(50, 50))
		require.NoError(t, err)
		assert.True(t, rs.Empty())
		assert.Equal(t, 1, face.calls)
		assert.Equal(t, 0, eye.calls)
	})

	t.Run("primary detections in registration order", func(t *testing.T) {
		e, err := NewEngine([]DetectorSpec{
			spec("Face", newStubModel(Box(0, 0, 10, 10))),
			spec("Smile", newStubModel(Box(1, 1, 5, 5), Box(2, 2, 6, 6))),
			spec("WallClock", newStubModel()),
			spec("NumberPlate", newStubModel(Box(3, 3, 8, 8))),
		}, nil)
		require.NoError(t, err)

		rs, err := e.Detect(grayImage(20, 20))
		require.NoError(t, err)
		var labels []string
		for _, d := range rs.Detections {
			labels = append(labels, d.Label)
		}
		assert.Equal(t, []string{"Face", "Smile", "Smile", "NumberPlate"}, labels)
		assert.Equal(t, map[string]int{"Face": 1, "Smile": 2, "NumberPlate": 1}, rs.Counts())
		for _, d := range rs.Detections {
			assert.False(t, d.Nested())
		}
	})

	t.Run("nested detections follow every parent", func(t *testing.T) {
		face := newStubModel(Box(0, 0, 40, 40), Box(50, 10, 90, 50))
		eye := newStubModel(Box(1, 2, 11, 12))
		e, err := NewEngine([]DetectorSpec{spec("Face", face), nestedSpec("Eye", "Face", eye)}, nil)
		require.NoError(t, err)

		rs, err := e.Detect(grayImage(100, 60))
		require.NoError(t, err)
		eyes := labelled(rs, "Eye")
		require.Len(t, eyes, 2)
		assert.Equal(t, Box(1, 2, 11, 12), eyes[0].Box)
		assert.Equal(t, Box(51, 12, 61, 22), eyes[1].Box)
		for _, d := range eyes {
			assert.True(t, d.Parent.Box.Contains(d.Box))
		}
	})

	t.Run("boxes are clamped to the image", func(t *testing.T) {
		face := newStubModel(Box(-5, -5, 20, 20), Box(40, 40, 60, 60), Box(100, 100, 120, 120))
		e, err := NewEngine([]DetectorSpec{spec("Face", face)}, nil)
		require.NoError(t, err)

		rs, err := e.Detect(grayImage(50, 50))
		require.NoError(t, err)
		require.Equal(t, 2, rs.Len())
		assert.Equal(t, Box(0, 0, 20, 20), rs.Detections[0].Box)
		assert.Equal(t, Box(40, 40, 50, 50), rs.Detections[1].Box)
	})

	t.Run("detect is idempotent", func(t *testing.T) {
		face := newStubModel(Box(10, 10, 70, 70))
		eye := newStubModel(Box(5, 5, 25, 25))
		e, err := NewEngine([]DetectorSpec{spec("Face", face), nestedSpec("Eye", "Face", eye)}, nil)
		require.NoError(t, err)

		img := grayImage(100, 100)
		first, err := e.Detect(img)
		require.NoError(t, err)
		second, err := e.Detect(img)
		require.NoError(t, err)
		require.Equal(t, first.Len(), second.Len())
		for i := range first.Detections {
			assert.Equal(t, first.Detections[i].Box, second.Detections[i].Box)
			assert.Equal(t, first.Detections[i].Label, second.Detections[i].Label)
		}
	})

	t.Run("offset image is rebased", func(t *testing.T) {
		face := newStubModel(Box(0, 0, 5, 5))
		e, err := NewEngine([]DetectorSpec{spec("Face", face)}, nil)
		require.NoError(t, err)

		img := grayImage(30, 30).SubImage(image.Rect(10, 10, 30, 30)).(*image.Gray)
		rs, err := e.Detect(img)
		require.NoError(t, err)
		assert.Equal(t, Box(0, 0, 5, 5), rs.Detections[0].Box)
		assert.Equal(t, []image.Point{{X: 20, Y: 20}}, face.sizes)
	})

	t.Run("empty image is invalid", func(t *testing.T) {
		e, err := NewEngine([]DetectorSpec{spec("Face", newStubModel())}, nil)
		require.NoError(t, err)
		_, err = e.Detect(grayImage(0, 0))
		assert.True(t, errors.Is(err, ErrInvalidFrame))
	})

	t.Run("close releases every model", func(t *testing.T) {
		face, eye := newStubModel(), newStubModel()
		e, err := NewEngine([]DetectorSpec{spec("Face", face), nestedSpec("Eye", "Face", eye)}, nil)
		require.NoError(t, err)
		require.NoError(t, e.Close())
		assert.Equal(t, 1, face.closed)
		assert.Equal(t, 1, eye.closed)
	})
}

func TestAnnotate(t *testing.T) {
	face := &Detection{Box: Box(10, 20, 40, 50), Label: "Face"}
	rs := &ResultSet{Detections: []*Detection{face, {Box: Box(12, 25, 20, 30), Label: "Eye", Parent: face}}}
	colors := map[string]color.RGBA{"Face": {R: 255, B: 255, A: 255}, "Eye": {G: 255, A: 255}}

	src := image.NewRGBA(image.Rect(0, 0, 64, 64))
	r := &stubRenderer{}
	vis := Annotate(r, src, rs, colors)

	assert.Equal(t, src.Bounds(), vis.Bounds())
	require.Len(t, r.boxes, 2)
	assert.Equal(t, colors["Face"], r.boxes[0].color)
	assert.Equal(t, colors["Eye"], r.boxes[1].color)
	require.Len(t, r.labels, 2)
	assert.Equal(t, " # Face", r.labels[0].text)
	assert.Equal(t, image.Pt(10, 10), r.labels[0].pos)
	assert.Equal(t, " # Eye", r.labels[1].text)

	r = &stubRenderer{}
	Annotate(r, src, nil, colors)
	assert.Empty(t, r.boxes)
}

func newTestController(t *testing.T, src *stubSource, display *stubDisplay, opts ...Option) (*Controller, *int) {
	t.Helper()
	e, err := NewEngine([]DetectorSpec{spec("Face", newStubModel(Box(1, 1, 4, 4)))}, nil)
	require.NoError(t, err)
	calls := new(int)
	opts = append([]Option{WithClock(clock.NewMock())}, opts...)
	c, err := NewController(e, opener(src, calls), display, &stubRenderer{}, opts...)
	require.NoError(t, err)
	return c, calls
}

func TestControllerRun(t *testing.T) {
	t.Run("processes every frame then stops", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(3, 8, 8)}
		display := &stubDisplay{}
		var states []State
		bus := NewEventBus()
		var results []*TickResult
		bus.Subscribe(TickHandlerFunc(func(tr *TickResult) { results = append(results, tr) }))

		c, calls := newTestController(t, src, display,
			WithEventBus(bus),
			WithSessionID("s1"),
			WithStateHook(func(s State) { states = append(states, s) }))
		assert.Equal(t, StateIdle, c.State())
		assert.Equal(t, 0, *calls)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, []State{StateStreaming, StateStopped}, states)
		assert.Equal(t, Stats{State: StateStopped, Ticks: 3}, c.Stats())
		assert.Len(t, display.shown, 3)
		assert.Equal(t, 1, src.releases)
		assert.Equal(t, 1, display.closes)

		require.Len(t, results, 3)
		assert.Equal(t, "s1", results[0].SessionID)
		assert.Equal(t, uint64(3), results[2].Seq)
		assert.Equal(t, 1, results[0].Results.Len())
	})

	t.Run("exhausted on first read", func(t *testing.T) {
		src := &stubSource{}
		display := &stubDisplay{}
		c, _ := newTestController(t, src, display)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, uint64(0), c.Stats().Ticks)
		assert.Empty(t, display.shown)
		assert.Equal(t, 1, src.releases)
	})

	t.Run("invalid frame is skipped", func(t *testing.T) {
		frames := colorFrames(2, 8, 8)
		bad := NewFrame(image.NewRGBA(image.Rect(0, 0, 0, 0)), 99, time.Now())
		src := &stubSource{frames: []*Frame{frames[0], bad, frames[1]}}
		display := &stubDisplay{}
		c, _ := newTestController(t, src, display)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, Stats{State: StateStopped, Ticks: 2, Skipped: 1}, c.Stats())
		assert.Len(t, display.shown, 2)
	})

	t.Run("display cancel stops after the current tick", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(5, 8, 8)}
		display := &stubDisplay{cancelAfter: 2}
		c, _ := newTestController(t, src, display)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, uint64(2), c.Stats().Ticks)
		assert.Equal(t, 2, src.reads)
		assert.Equal(t, 1, src.releases)
	})

	t.Run("context cancel stops the loop", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(5, 8, 8)}
		display := &stubDisplay{}
		c, _ := newTestController(t, src, display)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, c.Run(ctx))
		assert.Equal(t, uint64(1), c.Stats().Ticks)
		assert.Equal(t, StateStopped, c.State())
	})

	t.Run("open failure never streams", func(t *testing.T) {
		display := &stubDisplay{}
		e, err := NewEngine([]DetectorSpec{spec("Face", newStubModel())}, nil)
		require.NoError(t, err)
		var states []State
		c, err := NewController(e, func(ctx context.Context) (FrameSource, error) {
			return nil, errors.New("no camera")
		}, display, &stubRenderer{}, WithStateHook(func(s State) { states = append(states, s) }))
		require.NoError(t, err)

		err = c.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no camera")
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, []State{StateStopped}, states)
		assert.Equal(t, 1, display.closes)
	})

	t.Run("idle until the source is open", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(1, 8, 8)}
		display := &stubDisplay{}
		e, err := NewEngine([]DetectorSpec{spec("Face", newStubModel())}, nil)
		require.NoError(t, err)

		var c *Controller
		var states []State
		var during State
		c, err = NewController(e, func(ctx context.Context) (FrameSource, error) {
			during = c.State()
			return src, nil
		}, display, &stubRenderer{}, WithStateHook(func(s State) { states = append(states, s) }))
		require.NoError(t, err)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, StateIdle, during)
		assert.Equal(t, []State{StateStreaming, StateStopped}, states)
	})

	t.Run("close while opening releases the late source", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(3, 8, 8)}
		display := &stubDisplay{}
		e, err := NewEngine([]DetectorSpec{spec("Face", newStubModel())}, nil)
		require.NoError(t, err)

		var c *Controller
		var states []State
		c, err = NewController(e, func(ctx context.Context) (FrameSource, error) {
			require.NoError(t, c.Close())
			return src, nil
		}, display, &stubRenderer{}, WithStateHook(func(s State) { states = append(states, s) }))
		require.NoError(t, err)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, []State{StateStopped}, states)
		assert.Equal(t, 1, src.releases)
		assert.Equal(t, 0, src.reads)
		assert.Equal(t, 1, display.closes)
		assert.Equal(t, uint64(0), c.Stats().Ticks)
	})

	t.Run("display failure stops and releases", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(2, 8, 8)}
		display := &stubDisplay{showErr: errors.New("gone")}
		c, _ := newTestController(t, src, display)

		err := c.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gone")
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, 1, src.releases)
	})

	t.Run("run is single use", func(t *testing.T) {
		src := &stubSource{}
		display := &stubDisplay{}
		c, calls := newTestController(t, src, display)

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, ErrNotIdle, c.Run(context.Background()))
		assert.Equal(t, 1, *calls)
	})

	t.Run("release happens once", func(t *testing.T) {
		src := &stubSource{frames: colorFrames(1, 8, 8)}
		display := &stubDisplay{}
		c, _ := newTestController(t, src, display)

		require.NoError(t, c.Run(context.Background()))
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.Equal(t, 1, src.releases)
		assert.Equal(t, 1, display.closes)
	})

	t.Run("close before run", func(t *testing.T) {
		src := &stubSource{}
		display := &stubDisplay{}
		c, calls := newTestController(t, src, display)

		require.NoError(t, c.Close())
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, ErrNotIdle, c.Run(context.Background()))
		assert.Equal(t, 0, *calls)
		assert.Equal(t, 0, src.releases)
	})
}

func TestNewControllerRequirements(t *testing.T) {
	e, err := NewEngine([]DetectorSpec{spec("Face", newStubModel())}, nil)
	require.NoError(t, err)
	open := opener(&stubSource{}, new(int))

	_, err = NewController(nil, open, &stubDisplay{}, &stubRenderer{})
	assert.Error(t, err)
	_, err = NewController(e, nil, &stubDisplay{}, &stubRenderer{})
	assert.Error(t, err)
	_, err = NewController(e, open, nil, &stubRenderer{})
	assert.Error(t, err)
	_, err = NewController(e, open, &stubDisplay{}, nil)
	assert.Error(t, err)

	c, err := NewController(e, open, &stubDisplay{}, &stubRenderer{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.SessionID())
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var got []uint64
	unsubscribe := bus.Subscribe(TickHandlerFunc(func(tr *TickResult) { got = append(got, tr.Seq) }))
	ch, closeCh := bus.SubscribeChannel(1)

	bus.Publish(&TickResult{Seq: 1})
	bus.Publish(&TickResult{Seq: 2})
	bus.Publish(nil)
	assert.Equal(t, []uint64{1, 2}, got)
	assert.Equal(t, uint64(1), bus.Dropped())

	tr := <-ch
	assert.Equal(t, uint64(1), tr.Seq)
	select {
	case <-ch:
		t.Fatal("full channel should drop results")
	default:
	}

	unsubscribe()
	closeCh()
	closeCh()
	_, ok := <-ch
	assert.False(t, ok)

	bus.Publish(&TickResult{Seq: 3})
	assert.Equal(t, []uint64{1, 2}, got)
	assert.Equal(t, uint64(1), bus.Dropped())

	ch2, _ := bus.SubscribeChannel(0)
	bus.Close()
	bus.Close()
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestEventBusSubscriptionOrder(t *testing.T) {
	bus := NewEventBus()
	var order []string
	for _, name := range []string{"metrics", "hub", "log"} {
		name := name
		bus.Subscribe(TickHandlerFunc(func(tr *TickResult) { order = append(order, name) }))
	}
	bus.Publish(&TickResult{Seq: 1})
	assert.Equal(t, []string{"metrics", "hub", "log"}, order)
}

func TestEventBusClosed(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	called := false
	unsubscribe := bus.Subscribe(TickHandlerFunc(func(tr *TickResult) { called = true }))
	ch, closeCh := bus.SubscribeChannel(4)
	bus.Publish(&TickResult{Seq: 1})
	unsubscribe()
	closeCh()

	assert.False(t, called)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestModelLoadError(t *testing.T) {
	cause := errors.New("bad header")
	err := error(&ModelLoadError{Label: "Face", Path: "face.xml", Err: cause})
	assert.True(t, errors.Is(err, ErrModelLoad))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, `load Face model "face.xml": bad header`, err.Error())

	var mle *ModelLoadError
	require.True(t, errors.As(errors.Wrap(err, "startup"), &mle))
	assert.Equal(t, "Face", mle.Label)
}

func TestBoundingBox(t *testing.T) {
	b := Box(10, 20, 30, 60)
	assert.Equal(t, 20, b.Width())
	assert.Equal(t, 40, b.Height())
	assert.False(t, b.Empty())
	assert.True(t, Box(5, 5, 5, 9).Empty())
	assert.True(t, b.Contains(Box(10, 20, 30, 60)))
	assert.False(t, b.Contains(Box(9, 20, 30, 60)))
	assert.Equal(t, Box(13, 24, 33, 64), b.Translate(3, 4))
	assert.Equal(t, Box(10, 20, 25, 25), b.Clamp(image.Rect(0, 0, 25, 25)))
	assert.Equal(t, "(10,20,30,60)", b.String())
}
