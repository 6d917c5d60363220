//go:build !linux && !windows
// +build !linux,!windows

package main

import (
	"errors"
	"runtime"

	"github.com/rs/zerolog"
)

// newPlatformBackend creates the media backend for the current platform
func newPlatformBackend(_ zerolog.Logger) (MediaBackend, error) {
	return nil, errors.New("no media session backend for " + runtime.GOOS)
}
