//go:build !gocv

package stream

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

// NewWindowDisplay is only available in binaries built with -tags gocv.
func NewWindowDisplay(title string, logger *zap.Logger) (pipeline.Display, error) {
	return nil, errors.New("window display needs a binary built with -tags gocv")
}
