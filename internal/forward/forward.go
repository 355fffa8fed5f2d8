// Package forward issues upstream calls with replayable request bodies and
// streaming-aware deadlines.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
)

// ReplayLimit is the largest body buffered for failover replay. Bodies over
// the limit stream directly upstream and commit to the first attempt.
const ReplayLimit = 1 << 20

// NewTransport returns a tuned *http.Transport with connection pooling and
// DNS caching. Dial timeout enforces the connect deadline; the total
// deadline rides on the request context.
func NewTransport(resolver *dnscache.Resolver, cfg config.UpstreamConfig) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		// Headers always arrive promptly, stream or not; only the body
		// is open-ended for streaming responses.
		ResponseHeaderTimeout: cfg.IdleTimeout,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// Body is a request body prepared for forwarding. Buffered bodies can be
// replayed across failover attempts; streamed bodies cannot.
type Body struct {
	buf    []byte
	stream io.ReadCloser
}

// PrepareBody buffers r when contentLength is known and within ReplayLimit,
// otherwise keeps it as a one-shot stream.
func PrepareBody(r io.ReadCloser, contentLength int64) (*Body, error) {
	if r == nil || contentLength == 0 {
		return &Body{}, nil
	}
	if contentLength > 0 && contentLength <= ReplayLimit {
		buf, err := io.ReadAll(io.LimitReader(r, ReplayLimit+1))
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		if int64(len(buf)) > ReplayLimit {
			return nil, fmt.Errorf("request body exceeds declared length: %w", relay.ErrBadRequest)
		}
		return &Body{buf: buf}, nil
	}
	return &Body{stream: r}, nil
}

// Replayable reports whether the body can be re-sent on failover.
func (b *Body) Replayable() bool { return b.stream == nil }

// Bytes returns the buffered body, or nil for streamed bodies.
func (b *Body) Bytes() []byte { return b.buf }

// reader hands out the body for one attempt. Streamed bodies are consumed.
func (b *Body) reader() (io.Reader, int64) {
	if b.stream != nil {
		return b.stream, -1
	}
	if len(b.buf) == 0 {
		return nil, 0
	}
	return bytes.NewReader(b.buf), int64(len(b.buf))
}

// Forwarder issues upstream HTTP calls.
type Forwarder struct {
	client *http.Client
	cfg    config.UpstreamConfig
}

// New creates a Forwarder over the given transport.
func New(transport http.RoundTripper, cfg config.UpstreamConfig) *Forwarder {
	return &Forwarder{
		client: &http.Client{Transport: transport},
		cfg:    cfg,
	}
}

// Do issues one upstream attempt. Non-streaming requests carry the total
// deadline and die with the caller's context. Streaming requests run
// unbounded on a context detached from the caller: a client disconnect must
// not sever the upstream read, because usage events trail the last content
// frame. The caller owns the response body and must call the returned cancel
// func once the body is fully consumed.
func (f *Forwarder) Do(ctx context.Context, method, url string, headers http.Header, body *Body, streaming bool) (*http.Response, context.CancelFunc, error) {
	var cancel context.CancelFunc
	if streaming {
		ctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else if f.cfg.TotalTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.cfg.TotalTimeout)
	} else {
		cancel = func() {}
	}

	rd, length := body.reader()
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = headers
	if length >= 0 {
		req.ContentLength = length
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil, nil, context.Canceled
		}
		return nil, nil, fmt.Errorf("%w: %v", relay.ErrUpstream, err)
	}
	return resp, cancel, nil
}
