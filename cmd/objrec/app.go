package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"objrec/internal/config"
	"objrec/internal/health"
	"objrec/internal/metrics"
	"objrec/internal/middleware"
	"objrec/internal/pipeline"
	"objrec/internal/pipeline/detectors"
	"objrec/internal/source"
	"objrec/internal/stream"
	"objrec/internal/ws"
)

const windowTitle = "Object Recognition"

// app is the fully wired process: the loop plus its observers.
type app struct {
	cfg     config.PipelineConfig
	logger  *zap.Logger
	engine  *pipeline.Engine
	ctrl    *pipeline.Controller
	bus     *pipeline.EventBus
	mjpeg   *stream.MJPEGDisplay
	hub     *ws.DetectionHub
	metrics *metrics.Metrics
	health  *health.Server

	ticks       <-chan *pipeline.TickResult
	unsubscribe func()
}

// buildPipeline loads every model before anything else is created. A model
// that fails to load aborts startup with a *pipeline.ModelLoadError; the
// frame source is never opened in that case. open may be nil to use the
// configured source.
func buildPipeline(cfg config.PipelineConfig, reg *detectors.Registry, open pipeline.SourceOpener, logger *zap.Logger) (*app, error) {
	specs, err := detectors.Build(cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := pipeline.NewEngine(specs, logger)
	if err != nil {
		return nil, multierr.Append(err, closeModels(specs))
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		bus:     pipeline.NewEventBus(),
		mjpeg:   stream.NewMJPEGDisplay(cfg.JPEGQuality, logger),
		hub:     ws.NewDetectionHub(logger),
		metrics: metrics.New(),
		health:  health.NewServer(logger),
	}

	display := pipeline.Display(a.mjpeg)
	if cfg.Display == config.DisplayWindow {
		window, err := stream.NewWindowDisplay(windowTitle, logger)
		if err != nil {
			return nil, multierr.Append(err, engine.Close())
		}
		display = stream.NewComposite(window, a.mjpeg)
	}

	if open == nil {
		open = source.Opener(cfg.Source, cfg.Fallback, source.Options{
			Logger:      logger,
			CaptureSize: cfg.CaptureSize.String(),
		})
	}

	a.bus.Subscribe(a.metrics)
	a.ticks, a.unsubscribe = a.bus.SubscribeChannel(16)

	a.ctrl, err = pipeline.NewController(engine, open, display, stream.NewOverlay(),
		pipeline.WithLogger(logger),
		pipeline.WithEventBus(a.bus),
		pipeline.WithStateHook(a.health.OnState),
		pipeline.WithStateHook(a.onState),
	)
	if err != nil {
		return nil, multierr.Append(err, engine.Close())
	}
	a.metrics.Watch(a.ctrl.Stats)
	a.metrics.WatchDropped(a.bus.Dropped)
	return a, nil
}

func closeModels(specs []pipeline.DetectorSpec) error {
	var err error
	for _, s := range specs {
		err = multierr.Append(err, s.Model.Close())
	}
	return err
}

func (a *app) onState(s pipeline.State) {
	a.hub.BroadcastState(ws.NewStateMessage(a.ctrl.SessionID(), s, time.Now()))
}

// run streams until the source is exhausted, the user cancels, or ctx is
// done.
func (a *app) run(ctx context.Context) error {
	go a.hub.Run(ctx, a.ticks)
	return a.ctrl.Run(ctx)
}

// close releases the controller, observers and models.
func (a *app) close() error {
	var err error
	if a.ctrl.State() != pipeline.StateStopped {
		err = a.ctrl.Close()
	}
	a.unsubscribe()
	a.bus.Close()
	a.hub.Close()
	return multierr.Append(err, errors.Wrap(a.engine.Close(), "close models"))
}

// handler mounts the HTTP surface of the process.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /stream", a.mjpeg)
	mux.Handle("GET /snapshot", a.mjpeg.SnapshotHandler())
	mux.Handle("/quit", a.mjpeg.QuitHandler())
	mux.Handle("GET /ws", ws.NewHandler(a.hub))
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", a.readyz)
	mux.HandleFunc("GET /status", a.status)

	var h http.Handler = mux
	h = middleware.Log(a.logger.Named("http"))(h)
	h = middleware.RequestID()(h)
	return h
}

// readyz answers 200 only while frames are being processed.
func (a *app) readyz(w http.ResponseWriter, r *http.Request) {
	if a.ctrl.State() != pipeline.StateStreaming {
		http.Error(w, a.ctrl.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	SessionID string   `json:"session_id"`
	State     string   `json:"state"`
	Ticks     uint64   `json:"ticks"`
	Skipped   uint64   `json:"skipped"`
	Frames    uint64   `json:"frames"`
	Dropped   uint64   `json:"dropped"`
	Detectors []string `json:"detectors"`
	Clients   int      `json:"clients"`
}

func (a *app) status(w http.ResponseWriter, r *http.Request) {
	st := a.ctrl.Stats()
	resp := statusResponse{
		SessionID: a.ctrl.SessionID(),
		State:     st.State.String(),
		Ticks:     st.Ticks,
		Skipped:   st.Skipped,
		Frames:    a.mjpeg.Frames(),
		Dropped:   a.bus.Dropped(),
		Clients:   a.mjpeg.Clients() + a.hub.ClientCount(),
	}
	for _, s := range a.engine.Specs() {
		resp.Detectors = append(resp.Detectors, s.Label)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
