package pipeline

import (
	"context"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Controller.
type State int32

const (
	// StateIdle - detectors registered, frame source not opened yet
	StateIdle State = iota
	// StateStreaming - processing one frame per tick
	StateStreaming
	// StateStopped - terminal, all external resources released
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats are loop counters, safe to read from other goroutines.
type Stats struct {
	State   State
	Ticks   uint64 // rendered ticks
	Skipped uint64 // ticks aborted by an invalid frame
}

// Controller drives FrameSource -> Normalize -> Engine -> Renderer -> Display
// one tick at a time. A tick fully completes before the next one starts.
type Controller struct {
	engine   *Engine
	open     SourceOpener
	display  Display
	renderer Renderer
	colors   map[string]color.RGBA
	bus      *EventBus
	clock    clock.Clock
	logger   *zap.Logger
	session  string
	hooks    []func(State)

	// mu guards source and stopped; a source opened after stop is
	// released by attach instead of being kept.
	mu      sync.Mutex
	source  FrameSource
	stopped bool

	started atomic.Bool
	state   atomic.Int32
	ticks   atomic.Uint64
	skipped atomic.Uint64

	releaseOnce sync.Once
	releaseErr  error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used to time ticks.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// WithLogger sets the controller logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctrl *Controller) { ctrl.logger = l }
}

// WithEventBus publishes every rendered tick on bus.
func WithEventBus(bus *EventBus) Option {
	return func(ctrl *Controller) { ctrl.bus = bus }
}

// WithStateHook registers fn to be called on every state transition. Hooks
// must not call back into Close.
func WithStateHook(fn func(State)) Option {
	return func(ctrl *Controller) { ctrl.hooks = append(ctrl.hooks, fn) }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(ctrl *Controller) { ctrl.session = id }
}

// NewController builds an idle controller. The engine must hold loaded
// models; the source is opened only when Run starts streaming.
func NewController(engine *Engine, open SourceOpener, display Display, renderer Renderer, opts ...Option) (*Controller, error) {
	if engine == nil {
		return nil, errors.New("controller requires an engine")
	}
	if open == nil {
		return nil, errors.New("controller requires a frame source")
	}
	if display == nil {
		return nil, errors.New("controller requires a display")
	}
	if renderer == nil {
		return nil, errors.New("controller requires a renderer")
	}

	c := &Controller{
		engine:   engine,
		open:     open,
		display:  display,
		renderer: renderer,
		colors:   SpecColors(engine.Specs()),
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewEventBus()
	}
	if c.session == "" {
		c.session = uuid.NewString()
	}
	c.logger = c.logger.Named("loop").With(zap.String("session", c.session))
	return c, nil
}

// SessionID identifies this stream run.
func (c *Controller) SessionID() string { return c.session }

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Stats returns a snapshot of the loop counters.
func (c *Controller) Stats() Stats {
	return Stats{
		State:   c.State(),
		Ticks:   c.ticks.Load(),
		Skipped: c.skipped.Load(),
	}
}

// Run opens the frame source and processes frames until the source is
// exhausted, cancellation is requested, or a tick fails. The controller
// reports Streaming only once the source is open. Exhaustion and
// cancellation return nil. Resources are released on every exit path.
func (c *Controller) Run(ctx context.Context) (err error) {
	if c.State() != StateIdle || !c.started.CompareAndSwap(false, true) {
		return ErrNotIdle
	}
	defer func() {
		err = multierr.Append(err, c.stop())
	}()

	src, err := c.open(ctx)
	if err != nil {
		return errors.Wrap(err, "open frame source")
	}
	if ok, err := c.attach(src); !ok {
		return err
	}
	c.logger.Info("streaming started")

	for {
		more, err := c.tick(ctx, src)
		if err != nil {
			c.logger.Error("tick failed", zap.Error(err))
			return err
		}
		if !more {
			return nil
		}
	}
}

// Close stops the controller, releasing the source and display exactly once.
// It may be called in any state and from any goroutine. A source still being
// opened when Close runs is released as soon as it arrives.
func (c *Controller) Close() error {
	return c.stop()
}

// attach hands src to the controller and enters Streaming. It reports false,
// releasing src, when the controller stopped while the source was opening.
func (c *Controller) attach(src FrameSource) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.logger.Info("stopped while opening frame source")
		return false, errors.Wrap(src.Release(), "release frame source")
	}
	c.source = src
	c.state.Store(int32(StateStreaming))
	c.notify(StateStreaming)
	return true, nil
}

// tick processes one frame. It reports whether the loop should continue.
func (c *Controller) tick(ctx context.Context, src FrameSource) (bool, error) {
	frame, ok := src.Read(ctx)
	if !ok {
		c.logger.Info("frame source exhausted", zap.Uint64("ticks", c.ticks.Load()))
		return false, nil
	}

	start := c.clock.Now()

	rs, err := c.process(frame)
	if err != nil {
		if errors.Is(err, ErrInvalidFrame) {
			c.skipped.Add(1)
			c.logger.Warn("skipping tick", zap.Uint64("seq", frame.Seq), zap.Error(err))
			return !c.cancelled(ctx), nil
		}
		return false, err
	}

	vis := Annotate(c.renderer, frame.Image, rs, c.colors)
	if err := c.display.Show(vis); err != nil {
		return false, errors.Wrap(err, "display frame")
	}

	n := c.ticks.Add(1)
	c.bus.Publish(&TickResult{
		SessionID: c.session,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		Results:   rs,
		Elapsed:   c.clock.Since(start),
	})

	if n%100 == 0 {
		c.logger.Debug("progress", zap.Uint64("ticks", n), zap.Uint64("skipped", c.skipped.Load()))
	}

	if c.cancelled(ctx) {
		c.logger.Info("cancel requested", zap.Uint64("ticks", n))
		return false, nil
	}
	return true, nil
}

func (c *Controller) process(frame *Frame) (*ResultSet, error) {
	gray, err := Normalize(frame)
	if err != nil {
		return nil, err
	}
	return c.engine.Detect(gray)
}

func (c *Controller) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || c.display.CancelRequested()
}

func (c *Controller) stop() error {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		src := c.source
		c.mu.Unlock()

		if src != nil {
			c.releaseErr = multierr.Append(c.releaseErr, errors.Wrap(src.Release(), "release frame source"))
		}
		c.releaseErr = multierr.Append(c.releaseErr, errors.Wrap(c.display.Close(), "close display"))

		c.state.Store(int32(StateStopped))
		c.notify(StateStopped)
		c.logger.Info("stopped",
			zap.Uint64("ticks", c.ticks.Load()),
			zap.Uint64("skipped", c.skipped.Load()))
	})
	return c.releaseErr
}

func (c *Controller) notify(s State) {
	for _, fn := range c.hooks {
		fn(s)
	}
}
