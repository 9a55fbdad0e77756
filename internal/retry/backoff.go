package retry

import (
	"hash/fnv"
	"strconv"
	"time"
)

// Strategy computes the delay before the next attempt of an entry
type Strategy interface {
	// NextRetry returns the delay after retryCount failed retries
	NextRetry(retryCount int) time.Duration
}

// JitterFunc returns extra delay for a retry. It must depend only on its inputs.
type JitterFunc func(retryCount int, delay time.Duration) time.Duration

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       JitterFunc
}

// NextRetry calculates the next retry delay using exponential backoff. The
// result never decreases as retryCount grows, whatever the jitter.
func (s *ExponentialBackoff) NextRetry(retryCount int) time.Duration {
	multiplier := max(s.Multiplier, 1)

	var d time.Duration
	base := float64(s.InitialDelay)
	for i := 0; i <= retryCount; i++ {
		if i > 0 {
			base *= multiplier
		}
		d = max(d, s.jittered(i, base))
		if s.MaxDelay > 0 && d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	return d
}

func (s *ExponentialBackoff) jittered(retryCount int, base float64) time.Duration {
	d := time.Duration(base)
	if s.MaxDelay > 0 && base > float64(s.MaxDelay) {
		d = s.MaxDelay
	}
	if s.Jitter != nil {
		d += s.Jitter(retryCount, d)
	}
	return d
}

// HashJitter spreads retries by up to fraction of the delay. The amount is
// derived from a hash of the retry count, so the same count always yields the
// same delay.
func HashJitter(fraction float64) JitterFunc {
	return func(retryCount int, delay time.Duration) time.Duration {
		if fraction <= 0 || delay <= 0 {
			return 0
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(strconv.Itoa(retryCount)))
		unit := float64(h.Sum32()%1000) / 1000
		return time.Duration(float64(delay) * fraction * unit)
	}
}
