package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fieldtrack/internal/attendance"
)

// ErrSessionExpired means no valid token can be produced without a new login.
var ErrSessionExpired = errors.New("session expired")

// Refresher exchanges a refresh token for a new pair. apiclient.Client
// implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

// TokenSource hands out a valid access token, refreshing it shortly before
// it expires. When refresh is impossible it reports ErrSessionExpired and
// fires the expiry hook once.
type TokenSource struct {
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	access    string
	refresh   string
	accessExp time.Time
	expired   bool
	onExpired func()
}

// TokenOption configures a TokenSource.
type TokenOption func(*TokenSource)

// WithSkew refreshes this long before the access token expires.
func WithSkew(d time.Duration) TokenOption {
	return func(t *TokenSource) { t.skew = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TokenOption {
	return func(t *TokenSource) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) TokenOption {
	return func(t *TokenSource) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTokenSource seeds the source with an existing token pair.
func NewTokenSource(access, refresh string, r Refresher, opts ...TokenOption) *TokenSource {
	t := &TokenSource{refresher: r, skew: time.Minute, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.SetTokens(access, refresh)
	return t
}

// OnExpired registers fn to run, on its own goroutine, the first time the
// session is found to be unrecoverable.
func (t *TokenSource) OnExpired(fn func()) {
	t.mu.Lock()
	t.onExpired = fn
	t.mu.Unlock()
}

// SetTokens installs a new pair, typically after login, and re-arms the
// expiry hook.
func (t *TokenSource) SetTokens(access, refresh string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = access
	t.refresh = refresh
	t.accessExp = t.expiryOf(access)
	t.expired = false
}

// Clear forgets both tokens without firing the expiry hook.
func (t *TokenSource) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access, t.refresh, t.accessExp = "", "", time.Time{}
	t.expired = true
}

// LastToken returns the most recent access token, even when it has expired
// or the session was declared unrecoverable. Clear forgets it. Emergency
// check-outs use it as a last attempt to reach the server.
func (t *TokenSource) LastToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access
}

// GetValidToken returns the access token, refreshing it first when it is
// within the skew of expiring. Transient refresh failures are returned
// as-is so the caller can retry later.
func (t *TokenSource) GetValidToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.expired {
		return "", ErrSessionExpired
	}
	if t.access != "" && (t.accessExp.IsZero() || t.now().Add(t.skew).Before(t.accessExp)) {
		return t.access, nil
	}
	if t.refresher == nil || t.refresh == "" {
		t.expireLocked("no refresh token")
		return "", ErrSessionExpired
	}

	access, refresh, err := t.refresher.Refresh(ctx, t.refresh)
	if err != nil {
		if attendance.IsTransient(err) {
			return "", fmt.Errorf("refresh access token: %w", err)
		}
		t.expireLocked(err.Error())
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	t.access = access
	t.refresh = refresh
	t.accessExp = t.expiryOf(access)
	t.log.Info("access token refreshed", "expires_at", t.accessExp)
	return t.access, nil
}

func (t *TokenSource) expireLocked(cause string) {
	if t.expired {
		return
	}
	t.expired = true
	t.log.Warn("session expired", "cause", cause)
	if fn := t.onExpired; fn != nil {
		go fn()
	}
}

func (t *TokenSource) expiryOf(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	exp, err := ExpiresAt(token)
	if err != nil {
		t.log.Debug("access token is not a jwt, treating as non-expiring", "error", err)
		return time.Time{}
	}
	return exp
}
