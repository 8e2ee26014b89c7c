package main

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"github.com/scanlab/scan-service/assets"
	"github.com/scanlab/scan-service/models"
)

// sharedLibraryName is the onnxruntime library file for this platform.
func sharedLibraryName(goos string) string {
	switch goos {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// sharedLibraryPath picks the onnxruntime library. An explicit override wins;
// otherwise the library is looked up next to the executable and in its lib
// directory. The bare name leaves the search to the system loader.
func sharedLibraryPath(override string) string {
	if override != "" {
		return override
	}
	name := sharedLibraryName(runtime.GOOS)

	exe, err := os.Executable()
	if err != nil {
		return name
	}
	dir := filepath.Dir(exe)
	for _, candidate := range []string{
		filepath.Join(dir, name),
		filepath.Join(dir, "lib", name),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

// loadMetadata reads the class metadata paired with the model. The compiled
// in copy is used unless path overrides it.
func loadMetadata(path string) (*models.Metadata, error) {
	data := assets.Metadata()
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrapf(err, "failed to read model metadata %s", path)
		}
	}
	return models.ParseMetadata(data)
}
