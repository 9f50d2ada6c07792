// Package transport provides the byte-bus enrichments layered underneath
// the gateway's framing: outbound rate limiting and additional wire
// encodings (compression) beside the core base16/base64 text codec.
package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps how many bytes a single Write call releases at once,
// so a large outbound frame is paced rather than let through in one burst.
const maxBurstSize = 256 * 1024

// ThrottledWriter rate-limits writes to an underlying io.Writer using a
// token bucket: large writes are split into burst-sized chunks and paced
// with WaitN.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a bytesPerSec rate limit. If bytesPerSec
// is <= 0, w is returned unchanged (no throttling).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	if burst <= 0 {
		burst = 1
	}
	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write implements io.Writer, pacing delivery to the configured rate.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
