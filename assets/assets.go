// Package assets holds the files packaged with the model: its metadata is
// always compiled in, the model itself only with the embedmodel build tag.
package assets

import (
	_ "embed"
)

//go:embed metadata.json
var metadata []byte

// Metadata returns the embedded model metadata.
func Metadata() []byte {
	out := make([]byte, len(metadata))
	copy(out, metadata)
	return out
}
