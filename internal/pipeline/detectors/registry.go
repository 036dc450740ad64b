package detectors

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"objrec/internal/pipeline"
)

// Loader builds a model from the bytes of a model file.
type Loader func(path string, data []byte) (pipeline.Model, error)

// Format is one on-disk cascade format.
type Format struct {
	Name string

	// Match reports whether a file looks like this format
	Match func(path string, data []byte) bool

	Load Loader
}

// Registry manages the available model formats. Formats are tried in
// registration order; the first match wins.
type Registry struct {
	formats []Format
	mu      sync.RWMutex
}

// NewRegistry creates an empty format registry
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry holds every format compiled into the binary.
var DefaultRegistry = NewRegistry()

// Register adds a format to the registry
func (r *Registry) Register(f Format) error {
	if f.Name == "" {
		return errors.New("format name cannot be empty")
	}
	if f.Match == nil || f.Load == nil {
		return errors.Errorf("format %q needs a matcher and a loader", f.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.formats {
		if existing.Name == f.Name {
			return errors.Errorf("format %q already registered", f.Name)
		}
	}
	r.formats = append(r.formats, f)
	return nil
}

// MustRegister is Register for init functions.
func (r *Registry) MustRegister(f Format) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Names returns the registered format names, in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formats))
	for _, f := range r.formats {
		names = append(names, f.Name)
	}
	return names
}

// Load reads the model file at path and hands it to the first matching
// format. Every failure is returned as a *pipeline.ModelLoadError.
func (r *Registry) Load(label, path string) (pipeline.Model, error) {
	fail := func(err error) (pipeline.Model, error) {
		return nil, &pipeline.ModelLoadError{Label: label, Path: path, Err: err}
	}

	if path == "" {
		return fail(errors.New("no model path given"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(err)
	}
	if len(data) == 0 {
		return fail(errors.New("model file is empty"))
	}

	r.mu.RLock()
	formats := append([]Format(nil), r.formats...)
	r.mu.RUnlock()

	for _, f := range formats {
		if !f.Match(path, data) {
			continue
		}
		m, err := f.Load(path, data)
		if err != nil {
			return fail(errors.Wrapf(err, "%s format", f.Name))
		}
		if !m.IsLoaded() {
			return fail(errors.Errorf("%s format: classifier is empty", f.Name))
		}
		return m, nil
	}

	if isXML(data) {
		return fail(errors.New("XML Haar cascades need a binary built with -tags gocv"))
	}
	return fail(errors.Errorf("unrecognized model format (known: %s)", strings.Join(r.Names(), ", ")))
}

func isXML(data []byte) bool {
	s := strings.TrimSpace(string(data[:min(len(data), 64)]))
	return strings.HasPrefix(s, "<")
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
