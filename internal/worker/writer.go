package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/storage"
)

// op is one queued mutation. Increments carry their own fields so the drain
// loop can coalesce them; every other kind carries an apply closure.
type op struct {
	kind      string
	accountID string
	critical  bool

	// increment fields, used when kind == opIncrement
	n       int64
	session *time.Time

	apply func(storage.Tx) error
}

const (
	opIncrement = "increment_usage"
	opUsage     = "usage_insert"
	opRateLimit = "rate_limit"
	opTokens    = "token_rotation"
	opPayload   = "payload_insert"
)

// Writer is the single consumer of all request-path mutations. Operations are
// enqueued without blocking and applied in batches, one write transaction per
// drain. Usage increments for the same account coalesce while queued; token
// rotations and rate-limit marks never do.
type Writer struct {
	ch    chan op
	store storage.Store
	cfg   config.WriterConfig

	// dropped counts ops lost to a full queue, exposed for metrics.
	onDrop func(kind string)
}

// NewWriter creates a Writer backed by store.
func NewWriter(store storage.Store, cfg config.WriterConfig) *Writer {
	return &Writer{
		ch:    make(chan op, cfg.QueueSize),
		store: store,
		cfg:   cfg,
	}
}

// Name returns the worker identifier.
func (w *Writer) Name() string { return "writer" }

// SetDropHook installs a callback invoked when an op is dropped. Must be set
// before Run starts.
func (w *Writer) SetDropHook(fn func(kind string)) { w.onDrop = fn }

// enqueue never blocks. Critical ops evict the oldest non-critical queued op
// rather than being dropped; non-critical ops are dropped with a warning.
func (w *Writer) enqueue(o op) {
	select {
	case w.ch <- o:
		return
	default:
	}
	if !o.critical {
		slog.Warn("writer op dropped, queue full", "kind", o.kind)
		if w.onDrop != nil {
			w.onDrop(o.kind)
		}
		return
	}
	// Make room for the critical op. Losing an increment is acceptable;
	// losing a rotated refresh token is not.
	select {
	case old := <-w.ch:
		if old.critical {
			// Put it back and block briefly for the new one.
			w.ch <- old
		} else {
			slog.Warn("writer op evicted for critical op", "kind", old.kind)
			if w.onDrop != nil {
				w.onDrop(old.kind)
			}
		}
	default:
	}
	select {
	case w.ch <- o:
	case <-time.After(time.Second):
		slog.Error("critical writer op lost, queue saturated", "kind", o.kind)
	}
}

// RecordUsage enqueues a usage record insert.
func (w *Writer) RecordUsage(rec relay.UsageRecord) {
	w.enqueue(op{kind: opUsage, apply: func(tx storage.Tx) error {
		return tx.InsertUsage(rec)
	}})
}

// IncrementUsage enqueues a counter bump for the account. A non-nil
// sessionStart restarts the account's session window.
func (w *Writer) IncrementUsage(accountID string, sessionStart *time.Time) {
	w.enqueue(op{kind: opIncrement, accountID: accountID, n: 1, session: sessionStart})
}

// MarkRateLimited enqueues a rate-limit mark for the account.
func (w *Writer) MarkRateLimited(accountID string, resetAt time.Time) {
	w.enqueue(op{kind: opRateLimit, accountID: accountID, apply: func(tx storage.Tx) error {
		return tx.MarkRateLimited(accountID, resetAt)
	}})
}

// ClearRateLimit enqueues removal of an expired rate-limit mark.
func (w *Writer) ClearRateLimit(accountID string, resetCounter bool) {
	w.enqueue(op{kind: opRateLimit, accountID: accountID, apply: func(tx storage.Tx) error {
		return tx.ClearRateLimit(accountID, resetCounter)
	}})
}

// UpdateRateLimitMeta enqueues advisory rate-limit header bookkeeping.
func (w *Writer) UpdateRateLimitMeta(accountID, statusTag string, resetAt *time.Time, remaining *int64) {
	w.enqueue(op{kind: opRateLimit, accountID: accountID, apply: func(tx storage.Tx) error {
		return tx.UpdateRateLimitMeta(accountID, statusTag, resetAt, remaining)
	}})
}

// UpdateTokens enqueues a credential rotation. Rotations are critical: a lost
// refresh token strands the account, so these survive queue pressure and are
// retried until applied.
func (w *Writer) UpdateTokens(accountID, access string, expiresAt time.Time, refresh string) {
	w.enqueue(op{kind: opTokens, accountID: accountID, critical: true, apply: func(tx storage.Tx) error {
		return tx.UpdateTokens(accountID, access, expiresAt, refresh)
	}})
}

// SetTier enqueues a tier change detected from a response.
func (w *Writer) SetTier(accountID string, tier int) {
	w.enqueue(op{kind: opRateLimit, accountID: accountID, apply: func(tx storage.Tx) error {
		return tx.SetTier(accountID, tier)
	}})
}

// ResetCounters enqueues a zeroing of every account's request_count.
func (w *Writer) ResetCounters() {
	w.enqueue(op{kind: opRateLimit, apply: func(tx storage.Tx) error {
		return tx.ResetRequestCounts()
	}})
}

// InsertPayload enqueues a captured request body.
func (w *Writer) InsertPayload(requestID string, data []byte) {
	w.enqueue(op{kind: opPayload, apply: func(tx storage.Tx) error {
		return tx.InsertPayload(requestID, data)
	}})
}

// Run consumes ops until ctx is cancelled, then drains the queue within the
// shutdown grace period.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	buf := newBatch(w.cfg.BatchSize)

	for {
		select {
		case o := <-w.ch:
			buf.add(o)
			if buf.len() >= w.cfg.BatchSize {
				w.flush(ctx, buf)
			}

		case <-ticker.C:
			if buf.len() > 0 {
				w.flush(ctx, buf)
			}

		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

func (w *Writer) drain(buf *batch) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer cancel()

	for {
		select {
		case o := <-w.ch:
			buf.add(o)
			if buf.len() >= w.cfg.BatchSize {
				w.flush(ctx, buf)
			}
		default:
			if buf.len() > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

// batch accumulates ops, coalescing same-account increments. An increment
// that restarts a session is a barrier: it never merges into an earlier one.
type batch struct {
	ops     []op
	incrIdx map[string]int
}

func newBatch(capacity int) *batch {
	return &batch{
		ops:     make([]op, 0, capacity),
		incrIdx: make(map[string]int),
	}
}

func (b *batch) len() int { return len(b.ops) }

func (b *batch) add(o op) {
	if o.kind == opIncrement && o.session == nil {
		if i, ok := b.incrIdx[o.accountID]; ok {
			b.ops[i].n += o.n
			return
		}
	}
	b.ops = append(b.ops, o)
	if o.kind == opIncrement {
		// Later plain increments fold into this one; a session restart
		// replaces the merge target so counts land after the restart.
		b.incrIdx[o.accountID] = len(b.ops) - 1
	}
}

func (b *batch) reset() {
	b.ops = b.ops[:0]
	clear(b.incrIdx)
}

var flushBackoff = []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond}

// flush applies the batch in one transaction, retrying with backoff. If the
// batch keeps failing, critical ops are retried individually until they stick
// or the context dies; the rest are logged and dropped.
func (w *Writer) flush(ctx context.Context, buf *batch) {
	defer buf.reset()

	err := w.applyOnce(ctx, buf.ops)
	for attempt := 0; err != nil && attempt < len(flushBackoff); attempt++ {
		select {
		case <-time.After(flushBackoff[attempt]):
		case <-ctx.Done():
			// During shutdown drain ctx carries the grace deadline;
			// keep trying until it expires.
		}
		if ctx.Err() != nil {
			break
		}
		err = w.applyOnce(ctx, buf.ops)
	}
	if err == nil {
		return
	}

	slog.LogAttrs(ctx, slog.LevelError, "writer batch failed",
		slog.Int("count", len(buf.ops)),
		slog.String("error", err.Error()),
	)
	for _, o := range buf.ops {
		if o.critical {
			w.applyCritical(ctx, o)
		}
	}
}

func (w *Writer) applyOnce(ctx context.Context, ops []op) error {
	return w.store.Batch(ctx, func(tx storage.Tx) error {
		for _, o := range ops {
			if err := w.applyOp(tx, o); err != nil {
				// The account was deleted while its ops sat queued. Its
				// bookkeeping is moot and must not sink everyone else's.
				if errors.Is(err, relay.ErrNotFound) {
					slog.Warn("writer op skipped, row gone", "kind", o.kind, "account_id", o.accountID)
					continue
				}
				return err
			}
		}
		return nil
	})
}

func (w *Writer) applyOp(tx storage.Tx, o op) error {
	if o.kind == opIncrement {
		return tx.IncrementUsage(o.accountID, o.n, o.session)
	}
	return o.apply(tx)
}

// applyCritical retries a single op every second until it succeeds or ctx
// expires. Used for token rotations that must not be lost.
func (w *Writer) applyCritical(ctx context.Context, o op) {
	for {
		err := w.store.Batch(ctx, func(tx storage.Tx) error {
			return w.applyOp(tx, o)
		})
		if err == nil {
			return
		}
		if errors.Is(err, relay.ErrNotFound) {
			slog.Warn("critical writer op dropped, row gone", "kind", o.kind, "account_id", o.accountID)
			return
		}
		slog.Error("critical writer op retry", "kind", o.kind, "account_id", o.accountID, "error", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			slog.Error("critical writer op abandoned", "kind", o.kind, "account_id", o.accountID)
			return
		}
	}
}
