package phpruntime

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// limitedReader throttles reads to the limiter's rate. Each read is capped
// at the limiter burst so WaitN never rejects it.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	burst := int(min(bytesPerSecond, 256*1024))
	return &limitedReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > l.limiter.Burst() {
		p = p[:l.limiter.Burst()]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
