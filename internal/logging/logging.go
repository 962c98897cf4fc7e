// Package logging provides small named loggers over the standard
// library's log.Logger, one per component, matching the teacher's own
// choice of stdlib logging throughout the codebase rather than pulling
// in a structured-logging library.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with its component name.
type Logger struct {
	*log.Logger
	component string
}

// New returns a Logger for component, writing to stderr with the
// standard date/time flags.
func New(component string) *Logger {
	return &Logger{
		Logger:    log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds),
		component: component,
	}
}

// Component is the name this logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// With returns a derived logger for a sub-component, e.g.
// logging.New("fetcher").With("coalesce") -> "[fetcher.coalesce]".
func (l *Logger) With(sub string) *Logger {
	return New(l.component + "." + sub)
}
