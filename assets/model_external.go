//go:build !embedmodel

package assets

import (
	"os"

	"github.com/pkg/errors"
)

// Embedded reports whether the model binary is compiled into the executable.
const Embedded = false

// Model reads the model at path into memory once. Nothing reads the file
// again after startup.
func Model(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("no model compiled in and MODEL_PATH is not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model %s", path)
	}
	if len(data) == 0 {
		return nil, errors.Errorf("model %s is empty", path)
	}
	return data, nil
}
