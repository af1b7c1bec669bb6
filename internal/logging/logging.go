// Package logging configures and attaches the structured logger every
// other package in this module pulls request-scoped fields from (contract
// address, entry kind, call_no) rather than taking a logger argument on
// every function. A github.com/rs/zerolog wrapper configured from
// internal/config.BaseConfig.LogLevel/LogDisable, following the same
// structured, leveled, context-attached shape as wazero's own
// internal/logging + experimental/logging listener pair, generalized here
// beyond that package's wasm-host-call-tracing-specific scope.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// disabledTargets is a comma-separated set of logger names silenced
// regardless of level, the Go analogue of the original Rust executor's
// log_disable string (BaseConfig.LogDisable).
type disabledTargets map[string]struct{}

func parseDisabled(csv string) disabledTargets {
	out := disabledTargets{}
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

// New builds the root logger from level (parsed with zerolog.ParseLevel,
// falling back to InfoLevel on an empty or invalid string). disableCSV
// (BaseConfig.LogDisable) is not applied here; only loggers derived through
// Named are silenced by it. w defaults to os.Stderr when nil, matching the
// teacher's own stdErr-by-default CLI convention.
func New(w io.Writer, level string, disableCSV string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Named returns logger scoped under name, disabled outright (its level
// forced above zerolog's max, silencing every event) when name appears in
// disableCSV.
func Named(logger zerolog.Logger, name string, disableCSV string) zerolog.Logger {
	l := logger.With().Str("module", name).Logger()
	if _, disabled := parseDisabled(disableCSV)[name]; disabled {
		l = l.Level(zerolog.Disabled)
	}
	return l
}

type ctxKey struct{}

// WithFields attaches logger to ctx (via zerolog's own context carrier, so
// zerolog.Ctx(ctx) also works for callers that only import zerolog), after
// folding in field name/value pairs the same way call sites elsewhere in
// this module annotate contract/call_no/entry_kind. fields must have even
// length; an odd trailing entry is dropped.
func WithFields(ctx context.Context, logger zerolog.Logger, fields ...string) context.Context {
	ev := logger.With()
	for i := 0; i+1 < len(fields); i += 2 {
		ev = ev.Str(fields[i], fields[i+1])
	}
	scoped := ev.Logger()
	ctx = scoped.WithContext(ctx)
	return context.WithValue(ctx, ctxKey{}, scoped)
}

// FromContext recovers the logger WithFields (or zerolog's own
// WithContext) attached, falling back to zerolog's global disabled logger
// (zerolog.Nop()) so callers never need a nil check.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	if l := zerolog.Ctx(ctx); l != nil {
		return *l
	}
	return zerolog.Nop()
}
