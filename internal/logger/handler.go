package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// appKey is the attribute carrying the application name for a record. It is
// consumed by the handler and rendered in the second bracket of the line.
const appKey = "app"

// defaultApp is the name used when a record carries no app attribute.
const defaultApp = "Hub"

// hubHandler is a slog.Handler that renders the hub line format
// [HH:MM:SS][app][LEVEL] msg key=val... to up to two destinations.
// A single mutex serializes all writes.
type hubHandler struct {
	mu    *sync.Mutex
	dests []io.Writer
	attrs []slog.Attr
}

func newHubHandler(stdout, file io.Writer) *hubHandler {
	h := &hubHandler{mu: &sync.Mutex{}}
	if file != nil {
		h.dests = append(h.dests, file)
	}
	if stdout != nil {
		h.dests = append(h.dests, stdout)
	}
	return h
}

// Enabled always reports true; level filtering happens in the package-level
// entry points so the wire-to-level mapping stays in one place.
func (h *hubHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *hubHandler) Handle(_ context.Context, r slog.Record) error {
	app := defaultApp

	var b strings.Builder
	appendAttr := func(a slog.Attr) bool {
		if a.Key == appKey {
			app = a.Value.String()
			return true
		}
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)

	line := fmt.Sprintf("[%s][%s][%s] %s%s\n",
		r.Time.Format("15:04:05"), app, Name(r.Level), r.Message, b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.dests {
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

func (h *hubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &hubHandler{mu: h.mu, dests: h.dests, attrs: merged}
}

// WithGroup is accepted but flattened; the hub line format has no nesting.
func (h *hubHandler) WithGroup(string) slog.Handler { return h }
