// Package logging carries run, iteration, and item identifiers through
// context and onto log events.
package logging

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger tagged with "cmp".
func Component(name string) zerolog.Logger {
	return log.With().Str("cmp", name).Logger()
}

// Scoped binds ctx to base. When base carries a ContextHook, every event
// gets the identifiers stored in ctx without the caller passing ctx again.
func Scoped(base zerolog.Logger, ctx context.Context) zerolog.Logger {
	return base.With().Ctx(ctx).Logger()
}
