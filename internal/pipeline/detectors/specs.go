package detectors

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"objrec/internal/config"
	"objrec/internal/pipeline"
)

// Build loads the model of every enabled detector in cfg and returns the
// specs in registration order. Loading stops at the first failure; models
// already loaded are closed and the *pipeline.ModelLoadError is returned.
func Build(cfg config.PipelineConfig, reg *Registry, logger *zap.Logger) (specs []pipeline.DetectorSpec, err error) {
	if reg == nil {
		reg = DefaultRegistry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("detectors")

	defer func() {
		if err == nil {
			return
		}
		for _, s := range specs {
			err = multierr.Append(err, s.Model.Close())
		}
		specs = nil
	}()

	for _, label := range cfg.Disabled() {
		logger.Info("nested detector disabled, no model path", zap.String("label", label))
	}

	for _, d := range cfg.Enabled() {
		c, err := config.ParseColor(d.Color)
		if err != nil {
			return specs, err
		}
		model, err := reg.Load(d.Label, d.Model)
		if err != nil {
			return specs, err
		}
		specs = append(specs, pipeline.DetectorSpec{
			Label:        d.Label,
			Model:        model,
			ScaleFactor:  d.ScaleFactor,
			MinNeighbors: d.MinNeighbors,
			MinSize:      pipeline.Size{W: d.MinSize.W, H: d.MinSize.H},
			MaxSize:      pipeline.Size{W: d.MaxSize.W, H: d.MaxSize.H},
			Nested:       d.Nested,
			Parent:       d.Parent,
			Color:        c,
		})
		logger.Info("model loaded",
			zap.String("label", d.Label),
			zap.String("path", d.Model),
			zap.Bool("nested", d.Nested))
	}
	return specs, nil
}
