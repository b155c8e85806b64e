// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package logging builds the process logger. Standard output carries the
// JSON-RPC stream, so logs only ever go to a file or to standard error.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the sink and verbosity of the logger.
type Options struct {
	// Path appends logs to a file when set; stderr is used otherwise.
	Path string
	// Level is a zerolog level name.
	Level string
	// Debug forces debug level regardless of Level.
	Debug bool
	// Fallback receives logs when Path is empty. Defaults to os.Stderr.
	Fallback io.Writer
}

// New returns a configured logger and a closer for the underlying sink.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	levelName := opts.Level
	if opts.Debug {
		levelName = zerolog.DebugLevel.String()
	}
	if levelName == "" {
		levelName = zerolog.InfoLevel.String()
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	var (
		sink   io.Writer = opts.Fallback
		closer io.Closer = nopCloser{}
	)
	if sink == nil {
		sink = os.Stderr
	}
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		sink = f
		closer = f
	}

	logger := zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
