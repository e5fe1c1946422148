package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomcast/internal/apperr"
	"roomcast/internal/model"
	"roomcast/internal/store"
)

const (
	headerUserID    = "X-User-ID"
	headerSignature = "X-User-Signature"
)

type callerKey struct{}

func withCaller(ctx context.Context, c model.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(r *http.Request) model.Caller {
	c, _ := r.Context().Value(callerKey{}).(model.Caller)
	return c
}

// Sign returns the signature expected in X-User-Signature for userID.
func Sign(secret, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// authenticate trusts the user id set by the upstream auth layer, checking
// its signature when a secret is configured. Browsers cannot set headers on
// a websocket handshake, so upgrades may pass user_id and signature as query
// parameters instead.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		signature := r.Header.Get(headerSignature)
		if userID == "" && websocket.IsWebSocketUpgrade(r) {
			userID = r.URL.Query().Get("user_id")
			signature = r.URL.Query().Get("signature")
		}

		caller, err := h.identify(r.Context(), userID, signature)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func (h *Handler) identify(ctx context.Context, userID, signature string) (model.Caller, error) {
	if userID == "" {
		return model.Caller{}, apperr.Unauthorizedf("Authentication required.")
	}
	if secret := h.Config.SigningSecret; secret != "" {
		if !hmac.Equal([]byte(signature), []byte(Sign(secret, userID))) {
			return model.Caller{}, apperr.Unauthorizedf("Invalid identity signature.")
		}
	}

	u, err := h.Directory.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Caller{}, apperr.Unauthorizedf("Unknown user.")
	}
	if err != nil {
		return model.Caller{}, fmt.Errorf("load caller: %w", err)
	}
	if u.IsDisabled {
		return model.Caller{}, apperr.Unauthorizedf("User is disabled.")
	}
	return model.Caller{UserID: u.ID, IsAdmin: u.IsAdmin}, nil
}

// maxBuckets is the table size at which full (idle) buckets are swept.
const maxBuckets = 10000

// userLimiter hands out one token bucket per user.
type userLimiter struct {
	limit rate.Limit
	burst int
	max   int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &userLimiter{limit: limit, burst: burst, max: maxBuckets, buckets: make(map[string]*rate.Limiter)}
}

func (l *userLimiter) allow(userID string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		if len(l.buckets) >= l.max {
			l.sweepLocked()
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[userID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// sweepLocked drops buckets that have refilled completely. A fresh bucket
// behaves the same, so only users still being throttled are kept.
func (l *userLimiter) sweepLocked() {
	for id, b := range l.buckets {
		if b.Tokens() >= float64(l.burst) {
			delete(l.buckets, id)
		}
	}
}

func (l *userLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// rateLimit throttles writes per user. Reads are not limited.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		caller := callerFrom(r)
		if !h.limiter.allow(caller.UserID) {
			h.Log.Info(fmt.Sprintf("[%s] ❌ Rate limited", route(r)), zap.String("user_id", caller.UserID))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
