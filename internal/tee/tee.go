// Package tee duplicates a response byte stream into the client and a
// bounded accounting buffer, with the client always taking priority.
package tee

import (
	"io"
	"time"

	"github.com/eugener/palantir/internal/config"
)

// drainGrace bounds how long we keep reading upstream after the client is
// gone, to catch trailing usage events.
const drainGrace = 2 * time.Second

const chunkSize = 32 * 1024

// Result summarizes one tee'd stream.
type Result struct {
	Captured   []byte
	Truncated  bool // accounting buffer overflowed
	BytesOut   int64
	ClientGone bool
}

// Copy reads src exactly once, writing every chunk to dst and retaining a
// bounded window in memory for post-hoc accounting. The accounting buffer
// never delays the client: when full it either stops growing (head mode) or
// discards its oldest bytes (tail mode), and Truncated is set.
//
// If the client write fails mid-stream, Copy keeps draining src into the
// accounting buffer for up to two seconds so trailing usage events are still
// captured, then stops. flush may be nil.
func Copy(dst io.Writer, src io.Reader, flush func(), cfg config.TeeConfig) Result {
	var res Result
	acc := newCapture(cfg)
	buf := make([]byte, chunkSize)

	var drainDeadline time.Time
	var cutoff *time.Timer

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			acc.write(chunk)

			if !res.ClientGone {
				written, werr := dst.Write(chunk)
				res.BytesOut += int64(written)
				if werr != nil {
					res.ClientGone = true
					drainDeadline = time.Now().Add(drainGrace)
					// A read stalled on a quiet upstream would ignore the
					// deadline; closing src unblocks it when the grace ends.
					if rc, ok := src.(io.Closer); ok {
						cutoff = time.AfterFunc(drainGrace, func() { rc.Close() })
					}
				} else if flush != nil {
					flush()
				}
			}
		}
		if err != nil {
			break
		}
		if res.ClientGone && time.Now().After(drainDeadline) {
			break
		}
	}
	if cutoff != nil {
		cutoff.Stop()
	}

	res.Captured = acc.bytes()
	res.Truncated = acc.truncated
	return res
}

// capture is the bounded accounting sink. Head mode keeps the first limit
// bytes, tail mode the last.
type capture struct {
	buf       []byte
	limit     int
	head      bool
	truncated bool
}

func newCapture(cfg config.TeeConfig) *capture {
	return &capture{
		buf:   make([]byte, 0, min(cfg.Buffer, chunkSize*4)),
		limit: cfg.Buffer,
		head:  cfg.Retain != "tail",
	}
}

func (c *capture) write(chunk []byte) {
	if c.head {
		room := c.limit - len(c.buf)
		if room <= 0 {
			c.truncated = true
			return
		}
		if len(chunk) > room {
			chunk = chunk[:room]
			c.truncated = true
		}
		c.buf = append(c.buf, chunk...)
		return
	}

	// Tail: keep the final limit bytes of the stream.
	if len(chunk) >= c.limit {
		c.buf = append(c.buf[:0], chunk[len(chunk)-c.limit:]...)
		c.truncated = true
		return
	}
	if overflow := len(c.buf) + len(chunk) - c.limit; overflow > 0 {
		c.buf = c.buf[:copy(c.buf, c.buf[overflow:])]
		c.truncated = true
	}
	c.buf = append(c.buf, chunk...)
}

func (c *capture) bytes() []byte { return c.buf }
