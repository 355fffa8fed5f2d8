// Package pipeline drives one proxied request end to end: candidate
// selection, upstream attempts with failover, response emission, and usage
// finalization.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/balance"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/forward"
	"github.com/eugener/palantir/internal/provider/anthropic"
	"github.com/eugener/palantir/internal/tee"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/token"
	"github.com/eugener/palantir/internal/worker"
)

// statusClientClosed is recorded when the client goes away before an
// upstream response materializes.
const statusClientClosed = 499

// Pipeline is the per-request orchestrator. One instance serves all
// requests; per-request state lives on the stack.
type Pipeline struct {
	adapter  *anthropic.Adapter
	balancer *balance.Balancer
	tokens   *token.Manager
	fwd      *forward.Forwarder
	writer   *worker.Writer
	metrics  *telemetry.Metrics
	teeCfg   config.TeeConfig
	tracer   trace.Tracer
}

// New creates a Pipeline. metrics may be nil.
func New(adapter *anthropic.Adapter, balancer *balance.Balancer, tokens *token.Manager,
	fwd *forward.Forwarder, writer *worker.Writer, metrics *telemetry.Metrics, teeCfg config.TeeConfig) *Pipeline {
	return &Pipeline{
		adapter:  adapter,
		balancer: balancer,
		tokens:   tokens,
		fwd:      fwd,
		writer:   writer,
		metrics:  metrics,
		teeCfg:   teeCfg,
		tracer:   telemetry.Tracer("palantir/pipeline"),
	}
}

// ServeHTTP proxies one request through the account pool.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	meta := relay.RequestMeta{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp: start.UTC(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	ctx := relay.ContextWithRequestID(r.Context(), meta.ID)
	ctx, span := p.tracer.Start(ctx, "proxy.request", trace.WithAttributes(
		attribute.String("request.id", meta.ID),
		attribute.String("http.method", meta.Method),
		attribute.String("http.path", meta.Path),
	))
	defer span.End()

	if p.metrics != nil {
		p.metrics.ActiveRequests.Inc()
		defer p.metrics.ActiveRequests.Dec()
	}

	body, err := forward.PrepareBody(r.Body, r.ContentLength)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, relay.ErrBadRequest) {
			status = http.StatusBadRequest
		}
		p.fail(w, meta, start, status, err.Error())
		return
	}

	// Streaming intent decides deadlines; an unbuffered body means a large
	// request whose response time we cannot bound either.
	streamIntent := !body.Replayable()
	if body.Replayable() {
		streamIntent = anthropic.WantsStream(body.Bytes())
		meta.AgentHint = anthropic.AgentHint(body.Bytes())
		if p.teeCfg.CapturePayloads && len(body.Bytes()) > 0 {
			p.writer.InsertPayload(meta.ID, body.Bytes())
		}
	}

	candidates, err := p.balancer.Select(ctx, start)
	if err != nil {
		p.fail(w, meta, start, http.StatusInternalServerError, "account selection failed")
		slog.Error("account selection failed", "request_id", meta.ID, "error", err)
		return
	}
	if len(candidates) == 0 {
		p.passthrough(ctx, w, r, meta, body, streamIntent, start)
		return
	}

	var attempts []relay.AttemptRecord
	for i, a := range candidates {
		began := time.Now()

		cred, err := p.tokens.Credential(ctx, a)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "credential unavailable",
				slog.String("request_id", meta.ID),
				slog.String("account_id", a.ID),
				slog.String("error", err.Error()),
			)
			attempts = append(attempts, relay.AttemptRecord{
				AccountID: a.ID, BeganAt: began, EndedAt: time.Now(),
				FailoverReason: relay.FailoverAuth,
			})
			p.countFailover(relay.FailoverAuth)
			continue
		}

		accessToken, apiKey := "", ""
		if a.AuthType == relay.AuthAPIKey {
			apiKey = cred
		} else {
			accessToken = cred
		}
		headers := p.adapter.PrepareHeaders(r.Header, accessToken, apiKey)
		url := p.adapter.BuildURL(r.URL.Path, r.URL.RawQuery, a)

		resp, cancel, err := p.fwd.Do(ctx, r.Method, url, headers, body, streamIntent)
		if err != nil {
			if ctx.Err() != nil {
				p.finalize(meta, a.ID, statusClientClosed, start, len(attempts)+1, anthropic.Usage{}, false)
				return
			}
			slog.Warn("upstream attempt failed", "request_id", meta.ID, "account_id", a.ID, "error", err)
			attempts = append(attempts, relay.AttemptRecord{
				AccountID: a.ID, BeganAt: began, EndedAt: time.Now(),
				FailoverReason: relay.FailoverNonSuccess,
			})
			p.countFailover(relay.FailoverNonSuccess)
			continue
		}
		if p.metrics != nil {
			p.metrics.UpstreamDuration.WithLabelValues(a.Name).Observe(time.Since(began).Seconds())
		}

		verdict := p.classify(resp, a, start)
		if verdict == verdictSuccess {
			p.emit(w, resp, cancel, meta, a.ID, len(attempts)+1, start)
			return
		}

		reason := relay.FailoverNonSuccess
		if verdict == verdictRateLimit {
			reason = relay.FailoverRateLimit
		}
		attempts = append(attempts, relay.AttemptRecord{
			AccountID: a.ID, Status: resp.StatusCode,
			BeganAt: began, EndedAt: time.Now(), FailoverReason: reason,
		})
		p.countFailover(reason)
		if p.metrics != nil {
			p.metrics.UpstreamErrors.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		}

		if resp.StatusCode == http.StatusUnauthorized && a.AuthType == relay.AuthOAuth {
			p.tokens.Invalidate(a.ID)
		}

		// Last candidate, or a body we cannot replay: the upstream
		// response goes to the client verbatim.
		if i == len(candidates)-1 || !body.Replayable() {
			p.emit(w, resp, cancel, meta, a.ID, len(attempts), start)
			return
		}
		discard(resp, cancel)
	}

	// Every candidate died before producing an upstream response.
	p.fail(w, meta, start, http.StatusBadGateway, "no account could reach the upstream")
}

// emit streams an upstream response to the client and finalizes accounting.
// Used for both successes and verbatim final failures.
func (p *Pipeline) emit(w http.ResponseWriter, resp *http.Response, cancel context.CancelFunc,
	meta relay.RequestMeta, accountID string, attempts int, start time.Time) {
	defer cancel()
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	streaming := p.adapter.IsStreaming(resp)
	var flush func()
	if f, ok := w.(http.Flusher); ok && streaming {
		flush = f.Flush
	}

	res := tee.Copy(w, resp.Body, flush, p.teeCfg)

	var usage anthropic.Usage
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if streaming {
			usage = anthropic.ParseSSEUsage(res.Captured)
		} else {
			usage = anthropic.ParseJSONUsage(res.Captured)
		}
	}
	p.finalize(meta, accountID, resp.StatusCode, start, attempts, usage, res.Truncated)
}

// finalize enqueues the request's usage record.
func (p *Pipeline) finalize(meta relay.RequestMeta, accountID string, status int,
	start time.Time, attempts int, usage anthropic.Usage, truncated bool) {
	rec := relay.UsageRecord{
		RequestID:    meta.ID,
		AccountID:    accountID,
		Path:         meta.Path,
		Method:       meta.Method,
		Status:       status,
		Timestamp:    meta.Timestamp,
		DurationMs:   time.Since(start).Milliseconds(),
		Attempts:     attempts,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostEstimate: anthropic.CostEstimate(usage),
		Agent:        meta.AgentHint,
		Truncated:    truncated,
	}
	p.writer.RecordUsage(rec)

	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(meta.Method, meta.Path, strconv.Itoa(status)).Inc()
		p.metrics.RequestDuration.WithLabelValues(meta.Method, meta.Path).Observe(time.Since(start).Seconds())
		if usage.Model != "" {
			p.metrics.TokensProcessed.WithLabelValues(usage.Model, "input").Add(float64(usage.InputTokens))
			p.metrics.TokensProcessed.WithLabelValues(usage.Model, "output").Add(float64(usage.OutputTokens))
		}
	}

	slog.LogAttrs(context.Background(), slog.LevelInfo, "request served",
		slog.String("request_id", meta.ID),
		slog.String("account_id", accountID),
		slog.Int("status", status),
		slog.Int("attempts", attempts),
		slog.Int64("duration_ms", rec.DurationMs),
	)
}

// passthrough forwards the request with the client's own credentials when no
// pool account is eligible.
func (p *Pipeline) passthrough(ctx context.Context, w http.ResponseWriter, r *http.Request,
	meta relay.RequestMeta, body *forward.Body, streamIntent bool, start time.Time) {
	slog.Info("no eligible accounts, passing through", "request_id", meta.ID)

	headers := p.adapter.PassthroughHeaders(r.Header)
	url := p.adapter.BuildURL(r.URL.Path, r.URL.RawQuery, nil)

	resp, cancel, err := p.fwd.Do(ctx, r.Method, url, headers, body, streamIntent)
	if err != nil {
		if ctx.Err() != nil {
			p.finalize(meta, "", statusClientClosed, start, 1, anthropic.Usage{}, false)
			return
		}
		p.fail(w, meta, start, http.StatusBadGateway, "upstream unreachable")
		return
	}
	p.emit(w, resp, cancel, meta, "", 1, start)
}

// fail writes a local error response and records it.
func (p *Pipeline) fail(w http.ResponseWriter, meta relay.RequestMeta, start time.Time, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`)) //nolint:errcheck
	p.finalize(meta, "", status, start, 0, anthropic.Usage{}, false)
}

func (p *Pipeline) countFailover(reason string) {
	if p.metrics != nil {
		p.metrics.Failovers.WithLabelValues(reason).Inc()
	}
}

// discard abandons a failover response, draining a little to let the
// connection be reused.
func discard(resp *http.Response, cancel context.CancelFunc) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)) //nolint:errcheck
	resp.Body.Close()
	cancel()
}

// copyHeaders forwards upstream response headers, minus framing headers the
// server owns.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Transfer-Encoding", "Keep-Alive":
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
