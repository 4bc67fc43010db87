package backends

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/sdengine/options"
	"github.com/knights-analytics/sdengine/util/fileutil"
)

// Session is a loaded inference graph: a compiled engine or a reference model.
type Session interface {
	InputsMeta() []InputOutputInfo
	OutputsMeta() []InputOutputInfo
	// Run executes the graph. Outputs present in the outputs map are written in place and must
	// have the right shape. Missing outputs are allocated and stored in the map.
	Run(inputs map[string]*Tensor, outputs map[string]*Tensor) error
	Destroy() error
}

// SessionLoader creates a Session from a model or engine file.
type SessionLoader func(path string) (Session, error)

// NewSessionLoader returns the loader for the backend selected in opts.
func NewSessionLoader(opts *options.Options) SessionLoader {
	return func(path string) (Session, error) {
		return LoadSession(path, opts)
	}
}

// LoadSession reads a model or engine file through the file store and creates a session on the
// configured backend.
func LoadSession(path string, opts *options.Options) (Session, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("error checking %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("file %s does not exist", path)
	}
	modelBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	switch opts.Backend {
	case "ORT":
		return createORTSession(modelBytes, opts)
	case "GO":
		return createGoSession(modelBytes)
	}
	return nil, fmt.Errorf("backend %q is not supported", opts.Backend)
}

func metaByName(meta []InputOutputInfo, name string) (InputOutputInfo, bool) {
	for _, m := range meta {
		if m.Name == name {
			return m, true
		}
	}
	return InputOutputInfo{}, false
}

func checkRunInputs(meta []InputOutputInfo, inputs map[string]*Tensor) error {
	var err error
	for _, m := range meta {
		if _, ok := inputs[m.Name]; !ok {
			err = errors.Join(err, fmt.Errorf("missing input %q", m.Name))
		}
	}
	return err
}
