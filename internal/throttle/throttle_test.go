package throttle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLimiter(t *testing.T, opts Options) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(NewMemoryCounter(), opts)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_StrictRejectsSixth(t *testing.T) {
	l, _ := fixedLimiter(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Allow(ctx, ProfileStrict, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := l.Allow(ctx, ProfileStrict, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	l, _ := fixedLimiter(t, Options{Profiles: Profiles(time.Minute, 1, 1, 1)})
	ctx := context.Background()

	d, err := l.Allow(ctx, ProfileStrict, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, ProfileStrict, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, ProfileStandard, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "profiles count separately")
}

func TestLimiter_WindowResets(t *testing.T) {
	l, now := fixedLimiter(t, Options{Profiles: Profiles(time.Minute, 1, 1, 1)})
	ctx := context.Background()

	_, err := l.Allow(ctx, ProfileStrict, "a")
	require.NoError(t, err)
	d, err := l.Allow(ctx, ProfileStrict, "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	*now = now.Add(61 * time.Second)
	d, err = l.Allow(ctx, ProfileStrict, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_UnknownProfile(t *testing.T) {
	l, _ := fixedLimiter(t, Options{})
	_, err := l.Allow(context.Background(), "bogus", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestMemoryCounter_Prune(t *testing.T) {
	m := NewMemoryCounter()
	now := time.Now()
	_, _, _ = m.Increment(context.Background(), "old", time.Second, now.Add(-time.Minute))
	_, _, _ = m.Increment(context.Background(), "live", time.Minute, now)

	assert.Equal(t, 1, m.Prune(now))
	count, _, err := m.Increment(context.Background(), "live", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

type brokenStore struct{ calls int }

func (b *brokenStore) IncrementCounter(context.Context, string, time.Duration, time.Time) (int, time.Time, error) {
	b.calls++
	return 0, time.Time{}, errors.New("database is locked")
}

func (b *brokenStore) PruneCounters(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestStoreCounter_FallsBackToMemory(t *testing.T) {
	bs := &brokenStore{}
	c := NewStoreCounter(bs)
	now := time.Now()

	n1, _, err := c.Increment(context.Background(), "k", time.Minute, now)
	require.NoError(t, err)
	n2, _, err := c.Increment(context.Background(), "k", time.Minute, now)
	require.NoError(t, err)

	assert.Equal(t, 1, n1)
	assert.Equal(t, 2, n2)
	assert.Equal(t, 2, bs.calls)
	c.Prune(context.Background(), now)
}

func TestIdentity(t *testing.T) {
	l, _ := fixedLimiter(t, Options{JWTSecret: "signing-key"})

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-42"}).
		SignedString([]byte("signing-key"))
	require.NoError(t, err)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-42"}).
		SignedString([]byte("other-key"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		prefix string
		exact  string
	}{
		{"valid jwt", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+signed) }, "", "sub:user-42"},
		{"forged jwt", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+forged) }, "token:", ""},
		{"opaque token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "token:", ""},
		{"untrusted forwarded", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "9.9.9.9") }, "", "ip:192.0.2.1"},
		{"untrusted real ip", func(r *http.Request) { r.Header.Set("X-Real-IP", "8.8.8.8") }, "", "ip:192.0.2.1"},
		{"remote addr", func(*http.Request) {}, "", "ip:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)
			id := l.Identity(r)
			if tt.exact != "" {
				assert.Equal(t, tt.exact, id)
			} else {
				assert.Contains(t, id, tt.prefix)
			}
		})
	}
}

func TestClientIP_TrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"192.0.2.1", "10.0.0.0/8", " "})
	require.NoError(t, err)
	require.Len(t, trusted, 2)

	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"proxy forwards client", "192.0.2.1:443", "9.9.9.9", "", "9.9.9.9"},
		{"skips trusted hops", "192.0.2.1:443", "9.9.9.9, 10.1.2.3", "", "9.9.9.9"},
		{"spoofed leftmost hop ignored", "192.0.2.1:443", "1.1.1.1, 7.7.7.7", "", "7.7.7.7"},
		{"real ip from proxy", "10.0.0.5:80", "", "8.8.8.8", "8.8.8.8"},
		{"direct caller headers ignored", "203.0.113.9:5555", "9.9.9.9", "8.8.8.8", "203.0.113.9"},
		{"proxy without headers", "10.0.0.5:80", "", "", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, ClientIP(r, trusted))
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestMiddleware_RotatingForwardedForDoesNotResetBudget(t *testing.T) {
	l, _ := fixedLimiter(t, Options{})
	h := l.Middleware(ProfileStrict)(okHandler())

	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/stages/parse", nil)
		r.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		r.Header.Set("X-Real-IP", "198.51.100."+strconv.Itoa(i+1))
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, codes[5])
}

func TestCheckSecret(t *testing.T) {
	assert.True(t, CheckSecret("s3cret", "s3cret"))
	assert.False(t, CheckSecret("s3cre", "s3cret"))
	assert.False(t, CheckSecret("", ""))
	assert.False(t, CheckSecret("x", ""))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_Rejects(t *testing.T) {
	l, _ := fixedLimiter(t, Options{})
	h := l.Middleware(ProfileStrict)(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/stages/fetch", nil))
		last = rec
		if i < 5 {
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	retry, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
	assert.Contains(t, last.Body.String(), "rate_limit_exceeded")
}

func TestMiddleware_TrustedBypasses(t *testing.T) {
	l, _ := fixedLimiter(t, Options{SharedSecret: "cron-secret"})
	h := l.Middleware(ProfileStrict)(okHandler())

	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/trigger", nil)
		r.Header.Set("Authorization", "Bearer cron-secret")
		h.ServeHTTP(rec, r)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 60, RetryAfterSeconds(59500*time.Millisecond))
}

func TestLimiter_Prune(t *testing.T) {
	l, now := fixedLimiter(t, Options{Profiles: Profiles(time.Minute, 1, 1, 1)})
	ctx := context.Background()

	_, err := l.Allow(ctx, ProfileStrict, "a")
	require.NoError(t, err)
	*now = now.Add(2 * time.Minute)
	l.Prune(ctx)

	assert.Empty(t, l.counter.(*MemoryCounter).windows)
}
