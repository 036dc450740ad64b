package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrModelLoad is returned when a detector model cannot be loaded.
	ErrModelLoad = errors.New("model load failed")

	// ErrInvalidFrame is returned for frames with zero area.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrNotIdle is returned when Run is called on a controller that has
	// already started.
	ErrNotIdle = errors.New("controller is not idle")
)

// ModelLoadError describes a detector model that failed to load at startup.
type ModelLoadError struct {
	Label string
	Path  string
	Err   error
}

func (e *ModelLoadError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("load %s model %q: %v", e.Label, e.Path, e.Err)
	}
	return fmt.Sprintf("load model %q: %v", e.Path, e.Err)
}

// Unwrap exposes the cause.
func (e *ModelLoadError) Unwrap() error { return e.Err }

// Is matches ErrModelLoad.
func (e *ModelLoadError) Is(target error) bool {
	return target == ErrModelLoad
}
