// Package events keeps a bounded in-memory window of log records and fans
// them out to live subscribers for the admin log stream.
package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Line is one captured log record, JSON-ready for the SSE stream.
type Line struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ring holds the shared capture state. Handler clones produced by WithAttrs
// and WithGroup all feed the same ring.
type ring struct {
	mu          sync.Mutex
	lines       []Line
	pos         int
	count       int
	subscribers map[int]chan Line
	nextID      int
}

func (r *ring) publish(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}

	// Slow subscribers miss lines rather than stalling logging.
	for _, ch := range r.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (r *ring) recent() []Line {
	out := make([]Line, r.count)
	start := (r.pos - r.count + len(r.lines)) % len(r.lines)
	for i := range r.count {
		out[i] = r.lines[(start+i)%len(r.lines)]
	}
	return out
}

// Handler is a slog.Handler that tees records into the shared ring on top of
// a text handler writing to stderr.
type Handler struct {
	inner  slog.Handler
	ring   *ring
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a Handler with the given minimum level and ring size.
func NewHandler(level slog.Leveler, ringSize int) *Handler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &Handler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring: &ring{
			lines:       make([]Line, ringSize),
			subscribers: make(map[int]chan Line),
		},
		level: level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	var attrs map[string]any
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	collect := func(a slog.Attr) {
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs[prefix+a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.ring.publish(Line{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
		Attrs:   attrs,
	})
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

// Subscribe registers a live listener and returns its id, channel, and the
// buffered history.
func (h *Handler) Subscribe() (int, <-chan Line, []Line) {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()

	ch := make(chan Line, 64)
	id := h.ring.nextID
	h.ring.nextID++
	h.ring.subscribers[id] = ch
	return id, ch, h.ring.recent()
}

// Unsubscribe removes a listener and closes its channel.
func (h *Handler) Unsubscribe(id int) {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()

	if ch, ok := h.ring.subscribers[id]; ok {
		delete(h.ring.subscribers, id)
		close(ch)
	}
}
