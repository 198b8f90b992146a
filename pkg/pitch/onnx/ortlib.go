package onnx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Environment variables consulted by [ResolveLibrary].
const (
	EnvLibrary = "PITCHOVERLAY_ORT_LIB"
	EnvDevMode = "PITCHOVERLAY_DEV_MODE"
)

// ResolveLibrary returns the path to the ONNX Runtime shared library.
// Search order:
//  1. explicit, when non-empty
//  2. the PITCHOVERLAY_ORT_LIB environment variable
//  3. lib/<goos>-<goarch>/ and ../lib/<goos>-<goarch>/ next to the executable
//  4. the same two paths under the working directory, only when
//     PITCHOVERLAY_DEV_MODE=1
func ResolveLibrary(explicit string) (string, error) {
	for _, p := range []struct{ path, source string }{{explicit, "configured"}, {os.Getenv(EnvLibrary), EnvLibrary}} {
		if p.path == "" {
			continue
		}
		info, err := os.Stat(p.path)
		if err != nil {
			return "", fmt.Errorf("onnx: %s library %q does not exist", p.source, p.path)
		}
		if info.IsDir() {
			return "", fmt.Errorf("onnx: %s library %q is a directory, expected a file", p.source, p.path)
		}
		return p.path, nil
	}

	filename := LibraryFilename()
	platform := runtime.GOOS + "-" + runtime.GOARCH
	rels := []string{
		filepath.Join("lib", platform, filename),
		filepath.Join("..", "lib", platform, filename),
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if os.Getenv(EnvDevMode) == "1" {
		if wd, err := os.Getwd(); err == nil {
			dirs = append(dirs, wd)
		}
	}
	for _, dir := range dirs {
		for _, rel := range rels {
			path := filepath.Join(dir, rel)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("onnx: shared library not found; searched lib/%s/%s next to the executable (set %s to override)", platform, filename, EnvLibrary)
}

// LibraryFilename returns the platform's ONNX Runtime library name.
func LibraryFilename() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}
