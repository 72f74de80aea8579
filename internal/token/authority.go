package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// renewalCheckInterval is how often the renewal loop inspects live tokens.
	renewalCheckInterval = time.Minute
	// renewalThreshold is the remaining lifetime at which an auto-renewing
	// token is replaced. Holders are guaranteed at least this much validity.
	renewalThreshold = 2 * time.Minute

	defaultTTL = 6 * time.Hour
	issuerName = "voicegw"
)

// Claims is the JWT payload of a capability token.
type Claims struct {
	Video Grants `json:"video"`
	jwt.RegisteredClaims
}

// Info is the result of validating a token.
type Info struct {
	Valid     bool
	Identity  string
	Room      string
	Grants    Grants
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// entry is the stored record of a minted token.
type entry struct {
	tokenType Type
	identity  string
	room      string
	ttl       time.Duration
	autoRenew bool
	serialized string
	expiresAt time.Time
}

// Authority mints and validates short-lived capability tokens scoped to a
// room and a role, and keeps auto-renewing tokens alive until revoked.
//
// All exported methods are safe for concurrent use.
type Authority struct {
	apiKey string
	secret []byte
	logger *slog.Logger

	mu     sync.RWMutex
	tokens map[string]*entry // keyed by identity

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAuthority creates a token authority signing with secret under the given
// API key and starts the background renewal loop.
func NewAuthority(apiKey string, secret []byte, logger *slog.Logger) *Authority {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Authority{
		apiKey: apiKey,
		secret: secret,
		logger: logger.With("component", "token-authority"),
		tokens: make(map[string]*entry),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.renewalLoop(ctx)
	return a
}

// Mint creates a signed token of the given type for identity. If room is
// non-empty the grants are scoped to that room. A non-positive ttl uses the
// default. When autoRenew is set, the authority re-mints the token before it
// comes within the renewal threshold of expiry, for as long as the identity
// is not revoked.
func (a *Authority) Mint(tokenType Type, identity, room string, ttl time.Duration, autoRenew bool) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("minting token: identity is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	serialized, expiresAt, err := a.sign(tokenType, identity, room, ttl)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[identity] = &entry{
		tokenType:  tokenType,
		identity:   identity,
		room:       room,
		ttl:        ttl,
		autoRenew:  autoRenew,
		serialized: serialized,
		expiresAt:  expiresAt,
	}
	a.mu.Unlock()

	a.logger.Debug("token minted",
		"identity", identity,
		"room", room,
		"type", string(tokenType),
		"expires_at", expiresAt,
		"auto_renew", autoRenew,
	)
	return serialized, nil
}

// sign builds and signs the JWT without touching the token table.
func (a *Authority) sign(tokenType Type, identity, room string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Video: PresetGrants(tokenType, room),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies a serialized token's signature, issuer, expiry, and
// required claims. Any failure, including malformed input, yields
// Info{Valid: false} with a nil error; the error return is reserved for
// operational faults and is currently always nil.
func (a *Authority) Validate(tokenString string) (Info, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !tok.Valid {
		return Info{}, nil
	}
	if claims.Issuer != a.apiKey {
		return Info{}, nil
	}
	if claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return Info{}, nil
	}

	return Info{
		Valid:     true,
		Identity:  claims.Subject,
		Room:      claims.Video.Room,
		Grants:    claims.Video,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// CheckAccess reports whether the token is valid, carries every grant in
// required, and (when room is non-empty) is scoped to that room.
func (a *Authority) CheckAccess(tokenString string, required []string, room string) bool {
	info, err := a.Validate(tokenString)
	if err != nil || !info.Valid {
		return false
	}
	if room != "" && info.Room != room {
		return false
	}
	for _, grant := range required {
		if !info.Grants.Has(grant) {
			return false
		}
	}
	return true
}

// Revoke removes the stored token for identity and stops its renewal. The
// serialized JWT itself remains cryptographically valid until expiry; the
// media server sees no further renewals.
func (a *Authority) Revoke(identity string) {
	a.mu.Lock()
	_, ok := a.tokens[identity]
	delete(a.tokens, identity)
	a.mu.Unlock()

	if ok {
		a.logger.Info("token revoked", "identity", identity)
	}
}

// TokensByRoom returns the identities of live tokens scoped to room.
func (a *Authority) TokensByRoom(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var identities []string
	for identity, e := range a.tokens {
		if e.room == room {
			identities = append(identities, identity)
		}
	}
	return identities
}

// Token returns the current serialized token for identity, if one is live.
func (a *Authority) Token(identity string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.tokens[identity]
	if !ok {
		return "", false
	}
	return e.serialized, true
}

// Close stops the renewal loop. Idempotent.
func (a *Authority) Close() {
	a.cancel()
	<-a.done
}

// renewalLoop periodically re-mints auto-renewing tokens that are within the
// renewal threshold of expiry and garbage-collects expired tokens that do
// not renew. Renewal failures are logged and retried on the next tick.
func (a *Authority) renewalLoop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(renewalCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.renewDue(time.Now())
		}
	}
}

// renewDue performs one renewal sweep at the given instant.
func (a *Authority) renewDue(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for identity, e := range a.tokens {
		if !e.autoRenew {
			if now.After(e.expiresAt) {
				delete(a.tokens, identity)
				a.logger.Debug("expired token collected", "identity", identity)
			}
			continue
		}
		if e.expiresAt.Sub(now) > renewalThreshold {
			continue
		}

		serialized, expiresAt, err := a.sign(e.tokenType, e.identity, e.room, e.ttl)
		if err != nil {
			a.logger.Error("token renewal failed, will retry",
				"identity", identity,
				"room", e.room,
				"error", err,
			)
			continue
		}
		e.serialized = serialized
		e.expiresAt = expiresAt
		a.logger.Debug("token renewed",
			"identity", identity,
			"room", e.room,
			"expires_at", expiresAt,
		)
	}
}
