package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const appName = "nowplaying"

// setupLogging configures zerolog for the process. With toFile set the
// terminal belongs to the dashboard, so output goes to the state log file.
// The returned closer releases that file.
func setupLogging(debug, toFile bool) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var (
		out    io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
		closer io.Closer = io.NopCloser(nil)
	)
	if toFile {
		path, err := logFilePath()
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.ConsoleWriter{Out: f, NoColor: true}
		closer = f
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger, closer, nil
}

func logFilePath() (string, error) {
	path, err := xdg.StateFile(filepath.Join(appName, appName+".log"))
	if err != nil {
		return "", fmt.Errorf("resolve log path: %w", err)
	}
	return path, nil
}
