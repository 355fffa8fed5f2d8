// Package anthropic adapts requests and responses for the Anthropic API:
// URL construction, credential headers, and rate-limit signal parsing.
package anthropic

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	relay "github.com/eugener/palantir/internal"
)

const (
	// oauthBeta must accompany bearer-token requests.
	oauthBeta = "oauth-2025-04-20"

	headerStatus    = "anthropic-ratelimit-unified-status"
	headerReset     = "anthropic-ratelimit-unified-reset"
	headerRemaining = "anthropic-ratelimit-unified-remaining"
	headerTier      = "anthropic-ratelimit-unified-tier"
)

// hopByHop headers are stripped before forwarding, along with any inbound
// credentials.
var hopByHop = map[string]bool{
	"Host":                true,
	"Connection":          true,
	"Content-Length":      true,
	"Transfer-Encoding":   true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Upgrade":             true,
	"Authorization":       true,
	"X-Api-Key":           true,
}

// Adapter holds upstream defaults shared across accounts.
type Adapter struct {
	baseURL    string
	apiVersion string
}

// New creates an Adapter with the default upstream base URL and API version.
func New(baseURL, apiVersion string) *Adapter {
	return &Adapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
	}
}

// BuildURL joins the account's base URL (or the default upstream) with the
// request path and query, both passed through unchanged.
func (ad *Adapter) BuildURL(path, rawQuery string, a *relay.Account) string {
	base := ad.baseURL
	if a != nil && a.BaseURL != "" {
		base = strings.TrimRight(a.BaseURL, "/")
	}
	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// PrepareHeaders builds the outbound header set: inbound headers minus
// hop-by-hop and credentials, plus exactly one auth scheme. accessToken and
// apiKey are mutually exclusive; passing both is a programming error and
// the access token wins.
func (ad *Adapter) PrepareHeaders(incoming http.Header, accessToken, apiKey string) http.Header {
	out := make(http.Header, len(incoming)+4)
	for k, vs := range incoming {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = vs
	}

	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", ad.apiVersion)
	}

	switch {
	case accessToken != "":
		out.Set("Authorization", "Bearer "+accessToken)
		out.Set("anthropic-beta", mergeBeta(out.Get("anthropic-beta"), oauthBeta))
	case apiKey != "":
		out.Set("x-api-key", apiKey)
	}
	return out
}

// PassthroughHeaders strips hop-by-hop headers but keeps the client's own
// credentials. Used when no pool account is available and the request is
// forwarded as-is.
func (ad *Adapter) PassthroughHeaders(incoming http.Header) http.Header {
	out := make(http.Header, len(incoming))
	for k, vs := range incoming {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] && ck != "Authorization" && ck != "X-Api-Key" {
			continue
		}
		out[ck] = vs
	}
	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", ad.apiVersion)
	}
	return out
}

// IsStreaming reports whether the response body is an event stream.
func (ad *Adapter) IsStreaming(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// ParseRateLimit reads the unified rate-limit headers into a signal. The
// reset header carries absolute seconds since epoch.
func (ad *Adapter) ParseRateLimit(resp *http.Response) relay.RateLimitSignal {
	sig := relay.RateLimitSignal{
		StatusTag: resp.Header.Get(headerStatus),
	}

	if v := resp.Header.Get(headerReset); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(epoch, 0).UTC()
			sig.ResetAt = &t
		}
	}
	if v := resp.Header.Get(headerRemaining); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sig.Remaining = &n
		}
	}

	sig.IsRateLimited = resp.StatusCode == http.StatusTooManyRequests || sig.StatusTag == "rejected"

	// A 429 without the unified header still carries Retry-After.
	if sig.IsRateLimited && sig.ResetAt == nil {
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Now().Add(time.Duration(secs) * time.Second).UTC()
				sig.ResetAt = &t
			}
		}
	}
	return sig
}

// ExtractTier maps the subscription tier header to a selection weight, or 0
// when the header is absent or unrecognized.
func (ad *Adapter) ExtractTier(resp *http.Response) int {
	v := resp.Header.Get(headerTier)
	switch {
	case v == "":
		return 0
	case strings.Contains(v, "20x"):
		return 20
	case strings.Contains(v, "5x"):
		return 5
	default:
		return 1
	}
}

// mergeBeta appends beta to an existing comma-separated anthropic-beta value
// without duplicating it.
func mergeBeta(existing, beta string) string {
	if existing == "" {
		return beta
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.TrimSpace(part) == beta {
			return existing
		}
	}
	return existing + "," + beta
}
