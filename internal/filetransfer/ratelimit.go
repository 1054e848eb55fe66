package filetransfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// burstSize lets one full FileData chunk through the bucket at once.
const burstSize = 16 * 1024

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize)
}

// throttledReader stops at ctx cancellation and, when limiter is set, paces
// reads to its rate.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewRateLimitedReader returns a reader that yields at most bytesPerSecond
// bytes per second. A non-positive rate only adds cancellation.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	return &throttledReader{ctx: ctx, r: r, limiter: newLimiter(bytesPerSecond)}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, err
	}
	if t.limiter != nil && len(p) > burstSize {
		p = p[:burstSize]
	}
	n, err := t.r.Read(p)
	if n > 0 && t.limiter != nil {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewRateLimitedWriter returns a writer that accepts at most bytesPerSecond
// bytes per second. A non-positive rate only adds cancellation.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	return &throttledWriter{ctx: ctx, w: w, limiter: newLimiter(bytesPerSecond)}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if err := t.ctx.Err(); err != nil {
			return written, err
		}
		chunk := p
		if t.limiter != nil {
			if len(chunk) > burstSize {
				chunk = chunk[:burstSize]
			}
			if err := t.limiter.WaitN(t.ctx, len(chunk)); err != nil {
				return written, err
			}
		}
		n, err := t.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
