// Package logging builds the structured loggers used across mindtree and
// carries them through context.Context.
//
// Every component takes a *log.Logger in its options. A nil logger means
// "use Discard", so libraries stay quiet unless the caller opts in.
package logging

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

// Formats accepted by New.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

// Options configures New.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // text, json, logfmt
	Timestamp bool
	Prefix    string
}

// New creates a logger writing to w.
func New(w io.Writer, opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		formatter = log.TextFormatter
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatLogfmt:
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("log format %q: want text, json or logfmt", opts.Format)
	}

	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: opts.Timestamp,
		TimeFormat:      "15:04:05.00",
		Level:           level,
		Formatter:       formatter,
		Prefix:          opts.Prefix,
	}), nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

type ctxKey int

const loggerKey ctxKey = 0

// WithLogger attaches l to ctx.
func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger attached to ctx, or log.Default().
func FromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok && l != nil {
		return l
	}
	return log.Default()
}
