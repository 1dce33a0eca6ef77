// Package output provides the engine's logging and progress display,
// built the same way the rest of the ambient stack is: a zerolog logger
// per component and a ticking terminal renderer for the active targets.
package output

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseOnce   sync.Once
	baseLogger zerolog.Logger
)

func base() zerolog.Logger {
	baseOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		baseLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	})
	return baseLogger
}

// SetLevel adjusts the global log verbosity, mirroring the teacher's
// --debug flag wiring in cmd/root.go.
func SetLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// GetLogger returns a logger scoped to a named engine component, e.g.
// "scheduler", "transfer", "adapter/objectstore".
func GetLogger(component string) zerolog.Logger {
	return base().With().Str("component", component).Logger()
}
