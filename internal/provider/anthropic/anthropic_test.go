package anthropic

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	relay "github.com/eugener/palantir/internal"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com/", "2023-06-01")

	tests := []struct {
		name  string
		path  string
		query string
		acct  *relay.Account
		want  string
	}{
		{"default base", "/v1/messages", "", nil, "https://api.anthropic.com/v1/messages"},
		{"query preserved", "/v1/messages", "beta=true", nil, "https://api.anthropic.com/v1/messages?beta=true"},
		{"account base url", "/v1/messages", "", &relay.Account{BaseURL: "https://proxy.example.com/"}, "https://proxy.example.com/v1/messages"},
		{"account without override", "/v1/models", "", &relay.Account{}, "https://api.anthropic.com/v1/models"},
	}
	for _, tt := range tests {
		if got := ad.BuildURL(tt.path, tt.query, tt.acct); got != tt.want {
			t.Errorf("%s: BuildURL = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPrepareHeadersBearer(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	in := http.Header{}
	in.Set("Content-Type", "application/json")
	in.Set("Connection", "keep-alive")
	in.Set("Host", "proxy.local")
	in.Set("Authorization", "Bearer client-token")
	in.Set("X-Api-Key", "client-key")
	in.Set("Transfer-Encoding", "chunked")

	out := ad.PrepareHeaders(in, "pool-token", "")

	if got := out.Get("Authorization"); got != "Bearer pool-token" {
		t.Errorf("Authorization = %q", got)
	}
	if out.Get("X-Api-Key") != "" {
		t.Error("client api key must be stripped")
	}
	if out.Get("anthropic-version") != "2023-06-01" {
		t.Errorf("anthropic-version = %q", out.Get("anthropic-version"))
	}
	if out.Get("anthropic-beta") != oauthBeta {
		t.Errorf("anthropic-beta = %q, want %q", out.Get("anthropic-beta"), oauthBeta)
	}
	if out.Get("Content-Type") != "application/json" {
		t.Error("content type must pass through")
	}
	for _, h := range []string{"Connection", "Host", "Transfer-Encoding"} {
		if out.Get(h) != "" {
			t.Errorf("hop-by-hop header %s must be stripped", h)
		}
	}
}

func TestPrepareHeadersAPIKey(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	in := http.Header{}
	in.Set("Authorization", "Bearer client-token")

	out := ad.PrepareHeaders(in, "", "sk-pool")

	if got := out.Get("x-api-key"); got != "sk-pool" {
		t.Errorf("x-api-key = %q", got)
	}
	if out.Get("Authorization") != "" {
		t.Error("bearer auth must not be set for api_key accounts")
	}
	if out.Get("anthropic-beta") != "" {
		t.Error("oauth beta must not be set for api_key accounts")
	}
}

func TestPrepareHeadersMergesBeta(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	in := http.Header{}
	in.Set("anthropic-beta", "prompt-caching-2024-07-31")
	out := ad.PrepareHeaders(in, "tok", "")
	want := "prompt-caching-2024-07-31," + oauthBeta
	if got := out.Get("anthropic-beta"); got != want {
		t.Errorf("anthropic-beta = %q, want %q", got, want)
	}

	// Already present: no duplicate.
	in.Set("anthropic-beta", oauthBeta)
	out = ad.PrepareHeaders(in, "tok", "")
	if got := out.Get("anthropic-beta"); got != oauthBeta {
		t.Errorf("anthropic-beta = %q, want %q", got, oauthBeta)
	}
}

func TestPassthroughHeadersKeepsClientCredentials(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	in := http.Header{}
	in.Set("Authorization", "Bearer client-token")
	in.Set("X-Api-Key", "sk-client")
	in.Set("Connection", "keep-alive")

	out := ad.PassthroughHeaders(in)
	if out.Get("Authorization") != "Bearer client-token" {
		t.Error("client authorization must survive pass-through")
	}
	if out.Get("X-Api-Key") != "sk-client" {
		t.Error("client api key must survive pass-through")
	}
	if out.Get("Connection") != "" {
		t.Error("hop-by-hop headers must still be stripped")
	}
}

func TestIsStreaming(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Content-Type", "text/event-stream; charset=utf-8")
	if !ad.IsStreaming(resp) {
		t.Error("event-stream content type should stream")
	}
	resp.Header.Set("Content-Type", "application/json")
	if ad.IsStreaming(resp) {
		t.Error("json content type should not stream")
	}
}

func TestParseRateLimit(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")
	reset := time.Now().Add(10 * time.Minute).Unix()

	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set(headerStatus, "rejected")
	resp.Header.Set(headerReset, strconv.FormatInt(reset, 10))
	resp.Header.Set(headerRemaining, "0")

	sig := ad.ParseRateLimit(resp)
	if !sig.IsRateLimited {
		t.Fatal("429 must signal rate limiting")
	}
	if sig.ResetAt == nil || sig.ResetAt.Unix() != reset {
		t.Errorf("reset at = %v, want epoch %d", sig.ResetAt, reset)
	}
	if sig.Remaining == nil || *sig.Remaining != 0 {
		t.Errorf("remaining = %v, want 0", sig.Remaining)
	}
	if sig.StatusTag != "rejected" {
		t.Errorf("status tag = %q", sig.StatusTag)
	}
}

func TestParseRateLimitStatusTagOnly(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	// A 200 carrying the rejected tag still counts as limited.
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	resp.Header.Set(headerStatus, "rejected")
	if sig := ad.ParseRateLimit(resp); !sig.IsRateLimited {
		t.Error("rejected status tag must signal rate limiting")
	}

	// An advisory tag does not.
	resp.Header.Set(headerStatus, "allowed_warning")
	if sig := ad.ParseRateLimit(resp); sig.IsRateLimited {
		t.Error("advisory tag must not signal rate limiting")
	}
}

func TestParseRateLimitRetryAfterFallback(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "600")

	before := time.Now()
	sig := ad.ParseRateLimit(resp)
	if sig.ResetAt == nil {
		t.Fatal("Retry-After should populate the reset instant")
	}
	got := sig.ResetAt.Sub(before)
	if got < 599*time.Second || got > 601*time.Second {
		t.Errorf("reset offset = %v, want ~600s", got)
	}
}

func TestParseRateLimitCleanResponse(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	sig := ad.ParseRateLimit(resp)
	if sig.IsRateLimited || sig.ResetAt != nil || sig.Remaining != nil || sig.StatusTag != "" {
		t.Errorf("clean response produced signal %+v", sig)
	}
}

func TestExtractTier(t *testing.T) {
	t.Parallel()
	ad := New("https://api.anthropic.com", "2023-06-01")

	tests := []struct {
		header string
		want   int
	}{
		{"", 0},
		{"default_claude_max_20x", 20},
		{"default_claude_max_5x", 5},
		{"default_claude_pro", 1},
	}
	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set(headerTier, tt.header)
		}
		if got := ad.ExtractTier(resp); got != tt.want {
			t.Errorf("tier header %q: got %d, want %d", tt.header, got, tt.want)
		}
	}
}
