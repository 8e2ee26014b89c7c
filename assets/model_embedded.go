//go:build embedmodel

package assets

import (
	_ "embed"
)

// model.onnx is not checked in; copy the exported model here before building
// with -tags embedmodel.
//
//go:embed model.onnx
var model []byte

// Embedded reports whether the model binary is compiled into the executable.
const Embedded = true

// Model returns the embedded model. path is ignored.
func Model(string) ([]byte, error) {
	return model, nil
}
