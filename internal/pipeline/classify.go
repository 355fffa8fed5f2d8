package pipeline

import (
	"log/slog"
	"net/http"
	"time"

	relay "github.com/eugener/palantir/internal"
)

type verdict int

const (
	verdictSuccess verdict = iota
	verdictRateLimit
	verdictNonSuccess
)

// classify decides what one upstream response means for the pool and
// enqueues the resulting bookkeeping.
//
// A rate-limit signal with a reset instant marks the account out of rotation
// until that instant. Any other non-2xx fails over without touching account
// metadata: one account's fault must not poison its state when the cause may
// be the request itself. Successes bump counters and record advisory
// rate-limit headers.
func (p *Pipeline) classify(resp *http.Response, a *relay.Account, now time.Time) verdict {
	sig := p.adapter.ParseRateLimit(resp)

	if sig.IsRateLimited && sig.ResetAt != nil {
		slog.Warn("account rate limited",
			"account_id", a.ID, "name", a.Name,
			"status_tag", sig.StatusTag, "reset_at", sig.ResetAt)
		p.writer.MarkRateLimited(a.ID, *sig.ResetAt)
		p.writer.UpdateRateLimitMeta(a.ID, sig.StatusTag, sig.ResetAt, sig.Remaining)
		if p.metrics != nil {
			p.metrics.RateLimitMarks.WithLabelValues(a.Name).Inc()
		}
		return verdictRateLimit
	}

	// Only a plain 200 counts as success. The API never answers 2xx variants
	// on the proxied endpoints, so anything else fails over.
	if resp.StatusCode != http.StatusOK {
		return verdictNonSuccess
	}

	p.balancer.OnSuccess(a, now)
	if sig.StatusTag != "" {
		p.writer.UpdateRateLimitMeta(a.ID, sig.StatusTag, sig.ResetAt, sig.Remaining)
	}
	if tier := p.adapter.ExtractTier(resp); tier != 0 && tier != a.Tier {
		slog.Info("tier change detected", "account_id", a.ID, "tier", tier)
		p.writer.SetTier(a.ID, tier)
	}
	return verdictSuccess
}
