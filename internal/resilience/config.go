package resilience

import (
	"time"

	"github.com/sells-group/dispensary-deals/internal/config"
)

// RetryFromConfig overlays the retry section on DefaultRetryConfig. Zero
// values keep the defaults; a zero jitter fraction is honored.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		out.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		out.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		out.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 && c.JitterFraction <= 1 {
		out.JitterFraction = c.JitterFraction
	}
	return out
}

// BreakersFromConfig builds the provider breaker registry from the circuit section.
func BreakersFromConfig(c config.CircuitConfig) *Breakers {
	return NewBreakers(BreakerConfig{
		Threshold: c.FailureThreshold,
		Cooldown:  time.Duration(c.ResetTimeoutSecs) * time.Second,
	})
}
