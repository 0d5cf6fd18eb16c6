package throttle

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/apperr"
)

// Profile names.
const (
	ProfileStrict   = "strict"
	ProfileStandard = "standard"
	ProfileRelaxed  = "relaxed"
)

// Profile is a named request budget per window.
type Profile struct {
	Name   string
	Limit  int
	Window time.Duration
}

// DefaultProfiles returns strict 5, standard 30 and relaxed 120 requests
// per minute.
func DefaultProfiles() map[string]Profile {
	return Profiles(time.Minute, 5, 30, 120)
}

// Profiles builds the three named profiles over one window length.
func Profiles(win time.Duration, strict, standard, relaxed int) map[string]Profile {
	return map[string]Profile{
		ProfileStrict:   {Name: ProfileStrict, Limit: strict, Window: win},
		ProfileStandard: {Name: ProfileStandard, Limit: standard, Window: win},
		ProfileRelaxed:  {Name: ProfileRelaxed, Limit: relaxed, Window: win},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Trusted    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter applies profiles to caller identities.
type Limiter struct {
	counter   Counter
	profiles  map[string]Profile
	secret    string
	jwtSecret []byte
	proxies   []netip.Prefix
	now       func() time.Time
}

// Options configures a Limiter.
type Options struct {
	Profiles map[string]Profile
	// SharedSecret callers bypass throttling entirely.
	SharedSecret string
	// JWTSecret, when set, lets HS256 bearer tokens identify callers by subject.
	JWTSecret string
	// TrustedProxies are the only peers whose forwarding headers are honored.
	TrustedProxies []netip.Prefix
}

// NewLimiter creates a Limiter over counter.
func NewLimiter(counter Counter, opts Options) *Limiter {
	profiles := opts.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	return &Limiter{
		counter:   counter,
		profiles:  profiles,
		secret:    opts.SharedSecret,
		jwtSecret: []byte(opts.JWTSecret),
		proxies:   opts.TrustedProxies,
		now:       time.Now,
	}
}

// Allow counts one request for identity under profile.
func (l *Limiter) Allow(ctx context.Context, profile, identity string) (Decision, error) {
	p, ok := l.profiles[profile]
	if !ok {
		return Decision{}, eris.Errorf("throttle: unknown profile %q", profile)
	}
	now := l.now()
	count, resetAt, err := l.counter.Increment(ctx, p.Name+":"+identity, p.Window, now)
	if err != nil {
		return Decision{}, eris.Wrap(err, "throttle: increment")
	}

	d := Decision{Limit: p.Limit, Remaining: max(p.Limit-count, 0), Allowed: count <= p.Limit}
	if !d.Allowed {
		d.RetryAfter = max(resetAt.Sub(now), 0)
	}
	return d, nil
}

// IsTrusted reports whether the request carries the shared secret.
func (l *Limiter) IsTrusted(r *http.Request) bool {
	return l.secret != "" && CheckSecret(bearerToken(r), l.secret)
}

// CheckSecret compares a presented token to the shared secret in constant time.
func CheckSecret(token, secret string) bool {
	if token == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// Identity returns the throttling key for a request: the token subject for
// valid signed tokens, a digest of any other bearer credential, or the
// client address.
func (l *Limiter) Identity(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		if sub, ok := l.subject(token); ok {
			return "sub:" + sub
		}
		sum := sha256.Sum256([]byte(token))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ClientIP(r, l.proxies)
}

func (l *Limiter) subject(token string) (string, bool) {
	if len(l.jwtSecret) == 0 {
		return "", false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return l.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ParseTrustedProxies parses proxy addresses and CIDR ranges.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, eris.Wrapf(err, "throttle: trusted proxy %q", e)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, eris.Wrapf(err, "throttle: trusted proxy %q", e)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// ClientIP returns the caller's address. Forwarding headers are only read
// when the connection comes from a trusted proxy; X-Forwarded-For is walked
// from the right, skipping trusted hops.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrusted(remote, trusted) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remote
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware enforces profile on every request. Trusted callers pass
// through; rejected callers get 429 with Retry-After. A counter failure
// admits the request.
func (l *Limiter) Middleware(profile string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.IsTrusted(r) {
				next.ServeHTTP(w, r)
				return
			}
			d, err := l.Allow(r.Context(), profile, l.Identity(r))
			if err != nil {
				zap.L().Error("throttle: admission check failed, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				reject(w, d.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds a wait up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func reject(w http.ResponseWriter, wait time.Duration) {
	secs := RetryAfterSeconds(wait)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error":       "rate limit exceeded",
		"kind":        apperr.KindRateLimited,
		"retry_after": secs,
	})
}

// Prune drops expired windows from the limiter's counter.
func (l *Limiter) Prune(ctx context.Context) {
	switch c := l.counter.(type) {
	case *MemoryCounter:
		c.Prune(l.now())
	case *StoreCounter:
		c.Prune(ctx, l.now())
	}
}
