package hub

import (
	"sync"
	"time"
)

// tokenBucket throttles channel messages per connection. Tokens refill
// continuously at ratePerSec up to burst; each message consumes one.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	ratePerSec float64
	last       time.Time
	nowFn      func() time.Time // injectable clock for testing
}

func newTokenBucket(burst, ratePerSec int) *tokenBucket {
	now := time.Now
	return &tokenBucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		ratePerSec: float64(ratePerSec),
		last:       now(),
		nowFn:      now,
	}
}

// allow consumes one token, reporting false when the bucket is empty.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
