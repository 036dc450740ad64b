package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"objrec/internal/config"
	"objrec/internal/pipeline/detectors"
)

// Version is the application version.
const Version = "0.1.0"

const configEnv = "OBJREC_CONFIG"

// options holds the command line flags
type options struct {
	configPath    string
	cascade       string
	nestedCascade string
	models        []string
	fallback      string
	display       string
	httpAddr      string
	grpcAddr      string
	jpegQuality   int
	captureSize   string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "objrec [video source]",
		Short: "Real-time multi-class cascade object recognition",
		Long: `objrec reads frames from a camera, stream, file or synthetic scene,
detects faces, smiles, wall clocks and number plates with cascade classifiers,
looks for eyes inside every face, and shows the annotated result.

The video source is a camera index (default 0), an rtsp:// or http:// URL,
a video file, or synth:bg=<image>:noise=<0..1>.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, args)
			if err != nil {
				return err
			}
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file (default $"+configEnv+")")
	f.StringVar(&opts.cascade, "cascade", "", "model for the Face detector")
	f.StringVar(&opts.nestedCascade, "nested-cascade", "", "model for the Eye detector, searched inside faces")
	f.StringArrayVar(&opts.models, "model", nil, "model for a detector as Label=path (repeatable)")
	f.StringVar(&opts.fallback, "fallback", "", "source used when the video source cannot be opened")
	f.StringVar(&opts.display, "display", "", "display backend: mjpeg or window")
	f.StringVar(&opts.httpAddr, "http", "", "HTTP listen address for stream, websocket and metrics")
	f.StringVar(&opts.grpcAddr, "grpc", "", "gRPC health listen address (disabled when empty)")
	f.IntVar(&opts.jpegQuality, "jpeg-quality", 0, "JPEG quality of the MJPEG stream")
	f.StringVar(&opts.captureSize, "capture-size", "", "camera resolution as WxH, e.g. 640x480")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

// loadConfig layers the config file, then flags, over the defaults, and
// validates the result.
func loadConfig(cmd *cobra.Command, opts *options, args []string) (config.PipelineConfig, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if len(args) == 1 {
		cfg.Source = args[0]
	}
	f := cmd.Flags()
	if f.Changed("fallback") {
		cfg.Fallback = opts.fallback
	}
	if f.Changed("display") {
		cfg.Display = opts.display
	}
	if f.Changed("http") {
		cfg.HTTPAddr = opts.httpAddr
	}
	if f.Changed("grpc") {
		cfg.GRPCAddr = opts.grpcAddr
	}
	if f.Changed("jpeg-quality") {
		cfg.JPEGQuality = opts.jpegQuality
	}
	if f.Changed("capture-size") {
		size, err := config.ParseSize(opts.captureSize)
		if err != nil {
			return cfg, err
		}
		cfg.CaptureSize = size
	}

	paths, err := modelPaths(opts)
	if err != nil {
		return cfg, err
	}
	if cfg, err = cfg.WithModelPaths(paths); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func modelPaths(opts *options) (map[string]string, error) {
	paths := make(map[string]string)
	if opts.cascade != "" {
		paths["Face"] = opts.cascade
	}
	if opts.nestedCascade != "" {
		paths["Eye"] = opts.nestedCascade
	}
	for _, m := range opts.models {
		label, path, ok := strings.Cut(m, "=")
		if !ok || label == "" || path == "" {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "--model %q is not Label=path", m)
		}
		paths[label] = path
	}
	return paths, nil
}

// run builds the pipeline, starts the servers and streams until done.
func run(ctx context.Context, cfg config.PipelineConfig, logger *zap.Logger) (err error) {
	a, err := buildPipeline(cfg, detectors.DefaultRegistry, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.close())
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	if cfg.HTTPAddr != "" {
		handleHTTPServer(ctx, cfg.HTTPAddr, a.handler(), &wg, errc, logger)
	}
	if cfg.GRPCAddr != "" {
		handleGRPCServer(ctx, cfg.GRPCAddr, a.health, &wg, errc, logger)
	}

	stopped := make(chan struct{})
	watched := make(chan error, 1)
	go func() {
		select {
		case err := <-errc:
			logger.Error("server failed", zap.Error(err))
			cancel()
			watched <- err
		case <-stopped:
			watched <- nil
		}
	}()

	err = a.run(ctx)
	close(stopped)
	serveErr := <-watched
	cancel()
	wg.Wait()

	logger.Info("exited", zap.Stringer("state", a.ctrl.State()), zap.Uint64("ticks", a.ctrl.Stats().Ticks))
	return multierr.Append(err, serveErr)
}

func main() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
