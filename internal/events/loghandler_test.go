package events

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestHandlerCapturesLines(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelInfo, 10)
	logger := slog.New(h)

	logger.Info("hello", "key", "value")
	logger.Warn("watch out")

	_, _, recent := h.Subscribe()
	if len(recent) != 2 {
		t.Fatalf("recent = %d lines, want 2", len(recent))
	}
	if recent[0].Message != "hello" || recent[0].Level != "INFO" {
		t.Errorf("line 0 = %+v", recent[0])
	}
	if recent[0].Attrs["key"] != "value" {
		t.Errorf("attrs = %v", recent[0].Attrs)
	}
	if recent[1].Message != "watch out" || recent[1].Level != "WARN" {
		t.Errorf("line 1 = %+v", recent[1])
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelWarn, 10)
	logger := slog.New(h)

	logger.Info("dropped")
	logger.Error("kept")

	_, _, recent := h.Subscribe()
	if len(recent) != 1 || recent[0].Message != "kept" {
		t.Errorf("recent = %+v, want only the error line", recent)
	}
}

func TestHandlerRingWraps(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelInfo, 3)
	logger := slog.New(h)

	for i := range 5 {
		logger.Info(fmt.Sprintf("line-%d", i))
	}

	_, _, recent := h.Subscribe()
	if len(recent) != 3 {
		t.Fatalf("recent = %d lines, want ring size 3", len(recent))
	}
	for i, want := range []string{"line-2", "line-3", "line-4"} {
		if recent[i].Message != want {
			t.Errorf("recent[%d] = %q, want %q (oldest first)", i, recent[i].Message, want)
		}
	}
}

func TestHandlerLiveFanout(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelInfo, 10)
	logger := slog.New(h)

	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	logger.Info("live line")

	select {
	case line := <-ch:
		if line.Message != "live line" {
			t.Errorf("message = %q", line.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no line delivered to subscriber")
	}
}

func TestHandlerSlowSubscriberMissesLines(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelInfo, 200)
	logger := slog.New(h)

	id, ch, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	// The subscriber channel buffers 64; nobody reads, so the rest are
	// dropped and logging never blocks.
	done := make(chan struct{})
	go func() {
		for i := range 100 {
			logger.Info(fmt.Sprintf("line-%d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a slow subscriber")
	}
	if got := len(ch); got > 64 {
		t.Errorf("channel holds %d lines, cap is 64", got)
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelInfo, 10)
	logger := slog.New(h).With("component", "writer")

	logger.Info("flush done", "count", 3)

	_, _, recent := h.Subscribe()
	if len(recent) != 1 {
		t.Fatalf("recent = %d lines, want 1", len(recent))
	}
	if recent[0].Attrs["component"] != "writer" {
		t.Errorf("bound attr missing: %v", recent[0].Attrs)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHandler(slog.LevelInfo, 10)
	id, ch, _ := h.Subscribe()
	h.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	h.Unsubscribe(id)
}
