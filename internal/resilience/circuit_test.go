package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct{ from, to CircuitState }

func testBreakers(cfg BreakerConfig) (*Breakers, *time.Time) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewBreakers(cfg)
	r.now = func() time.Time { return now }
	return r, &now
}

func fail(ctx context.Context, b *Breaker) error {
	_, err := Call(ctx, b, func(context.Context) (int, error) { return 0, errors.New("provider down") })
	return err
}

func succeed(ctx context.Context, b *Breaker) error {
	_, err := Call(ctx, b, func(context.Context) (int, error) { return 1, nil })
	return err
}

func TestBreaker_PassesThroughWhenClosed(t *testing.T) {
	r, _ := testBreakers(DefaultBreakerConfig())
	b := r.For("ocr.mistral")

	val, err := Call(context.Background(), b, func(context.Context) (string, error) { return "text", nil })
	require.NoError(t, err)
	assert.Equal(t, "text", val)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	r, _ := testBreakers(BreakerConfig{Threshold: 3, Cooldown: time.Minute})
	b := r.For("ocr.mistral")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, fail(ctx, b))
		assert.Equal(t, CircuitClosed, b.State())
	}
	require.Error(t, fail(ctx, b))
	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, 3, b.Failures())

	called := false
	_, err := Call(ctx, b, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "ocr.mistral", open.Provider)
	assert.Equal(t, time.Minute, open.RetryIn)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	r, _ := testBreakers(BreakerConfig{Threshold: 3})
	b := r.For("anthropic")
	ctx := context.Background()

	require.Error(t, fail(ctx, b))
	require.Error(t, fail(ctx, b))
	require.NoError(t, succeed(ctx, b))
	assert.Equal(t, 0, b.Failures())

	require.Error(t, fail(ctx, b))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_TrialCallClosesAfterCooldown(t *testing.T) {
	r, now := testBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	b := r.For("ocr.claude")
	ctx := context.Background()

	require.Error(t, fail(ctx, b))
	*now = now.Add(30 * time.Second)
	var open *OpenError
	require.ErrorAs(t, succeed(ctx, b), &open)
	assert.Equal(t, 30*time.Second, open.RetryIn)

	*now = now.Add(30 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State())
	require.NoError(t, succeed(ctx, b))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	r, now := testBreakers(BreakerConfig{Threshold: 2, Cooldown: time.Minute})
	b := r.For("ocr.claude")
	ctx := context.Background()

	require.Error(t, fail(ctx, b))
	require.Error(t, fail(ctx, b))
	*now = now.Add(time.Minute)

	require.Error(t, fail(ctx, b))
	assert.Equal(t, CircuitOpen, b.State())
	assert.ErrorIs(t, succeed(ctx, b), ErrCircuitOpen)
}

func TestBreaker_SingleTrialInFlight(t *testing.T) {
	r, now := testBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	b := r.For("ocr.mistral")
	ctx := context.Background()

	require.Error(t, fail(ctx, b))
	*now = now.Add(time.Minute)

	started := make(chan struct{})
	finish := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = Call(ctx, b, func(context.Context) (int, error) {
			close(started)
			<-finish
			return 1, nil
		})
	}()
	<-started

	err := succeed(ctx, b)
	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Zero(t, open.RetryIn)

	close(finish)
	wg.Wait()
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_CallerCancellationDoesNotCount(t *testing.T) {
	r, _ := testBreakers(BreakerConfig{Threshold: 1})
	b := r.For("anthropic")

	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_ReportsTransitions(t *testing.T) {
	r, now := testBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	b := r.For("ocr.mistral")
	var seen []transition
	b.onChange = func(provider string, from, to CircuitState) {
		assert.Equal(t, "ocr.mistral", provider)
		seen = append(seen, transition{from, to})
	}
	ctx := context.Background()

	require.Error(t, fail(ctx, b))
	*now = now.Add(time.Minute)
	require.NoError(t, succeed(ctx, b))

	assert.Equal(t, []transition{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}, seen)
}

func TestBreaker_LogsTransitionsByDefault(t *testing.T) {
	r, _ := testBreakers(BreakerConfig{Threshold: 1})
	b := r.For("ocr.claude")
	require.NotNil(t, b.onChange)

	require.Error(t, fail(context.Background(), b))
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreakers_OnePerProvider(t *testing.T) {
	r := NewBreakers(DefaultBreakerConfig())

	assert.Same(t, r.For("anthropic"), r.For("anthropic"))
	assert.NotSame(t, r.For("anthropic"), r.For("ocr.mistral"))
}

func TestBreakers_States(t *testing.T) {
	r, _ := testBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	require.Error(t, fail(context.Background(), r.For("anthropic")))
	_ = r.For("ocr.mistral")

	assert.Equal(t, map[string]CircuitState{
		"anthropic":   CircuitOpen,
		"ocr.mistral": CircuitClosed,
	}, r.States())
}

func TestBreakerConfig_Defaults(t *testing.T) {
	r := NewBreakers(BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig(), r.For("x").cfg)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestCircuitState_MarshalText(t *testing.T) {
	out, err := json.Marshal(map[string]CircuitState{"ocr.mistral": CircuitOpen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ocr.mistral":"open"}`, string(out))
}
