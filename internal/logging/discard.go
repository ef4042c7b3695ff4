package logging

import (
	"context"
	"log/slog"
)

// DiscardHandler is the slog.Handler used when no logger is configured.
// It reports every level as disabled and drops whatever still arrives.
type DiscardHandler struct{}

var _ slog.Handler = DiscardHandler{}

func (DiscardHandler) Enabled(context.Context, slog.Level) bool { return false }

func (DiscardHandler) Handle(context.Context, slog.Record) error { return nil }

func (h DiscardHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h DiscardHandler) WithGroup(string) slog.Handler { return h }

// Discard returns a logger that never emits anything.
func Discard() *slog.Logger {
	return slog.New(DiscardHandler{})
}
