// Package logger provides a configured zerolog logger.
package logger

import (
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

// New returns a JSON logger on stdout tagged with the service name.
// Use .Stack() on error events to include a stack.
func New(serviceName string) zerolog.Logger {
	return NewWriter(os.Stdout, serviceName)
}

// NewWriter is New with a custom destination.
func NewWriter(w io.Writer, serviceName string) zerolog.Logger {
	zerolog.ErrorStackMarshaler = marshalStack

	return zerolog.New(w).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// marshalStack records where err was logged when it carries no stack of
// its own.
func marshalStack(err error) interface{} {
	type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
	if _, ok := err.(stackTracer); !ok {
		err = pkgerrors.WithStack(err)
	}
	return zpkgerrors.MarshalStack(err)
}

// WithLevel parses level and applies it to l. Unknown levels fall back to info.
func WithLevel(l zerolog.Logger, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return l.Level(lvl)
}
