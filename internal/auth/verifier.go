package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned for every token that fails verification.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified caller. UserID is the token subject.
type Identity struct {
	UserID    string
	Issuer    string
	Email     string
	Username  string
	ExpiresAt time.Time
}

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

type JWKSConfig struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	ClockSkew       time.Duration
	// MinForcedRefresh bounds how often a bad signature may force a key refetch.
	MinForcedRefresh time.Duration
}

// JWKSVerifier validates RS/ES signed tokens against a remote key set.
type JWKSVerifier struct {
	cfg    JWKSConfig
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
	logger zerolog.Logger

	lastForced atomic.Int64
}

const (
	jwksInitialAttempts      = 3
	jwksInitialRetryInterval = 500 * time.Millisecond
)

var signingMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// NewJWKSVerifier fetches the key set and starts background refresh tied to ctx.
func NewJWKSVerifier(ctx context.Context, cfg JWKSConfig, logger zerolog.Logger) (*JWKSVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.MinForcedRefresh <= 0 {
		cfg.MinForcedRefresh = 30 * time.Second
	}

	v := &JWKSVerifier{
		cfg:    cfg,
		logger: logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods(signingMethods),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.ClockSkew),
		),
	}

	options := keyfunc.Options{
		Ctx: ctx,
		RefreshErrorHandler: func(err error) {
			v.logger.Error().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("jwks refresh failed")
		},
		RefreshInterval:   cfg.RefreshInterval,
		RefreshTimeout:    cfg.FetchTimeout,
		RefreshUnknownKID: true,
	}

	var err error
	backoff := jwksInitialRetryInterval
	for attempt := 1; attempt <= jwksInitialAttempts; attempt++ {
		v.jwks, err = keyfunc.Get(cfg.JWKSURL, options)
		if err == nil {
			return v, nil
		}
		v.logger.Warn().Err(err).Str("jwks_url", cfg.JWKSURL).Int("attempt", attempt).Msg("initial jwks fetch failed")
		if attempt == jwksInitialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch jwks: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("fetch jwks: %w", err)
}

func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Identity{}, ErrUnauthorized
	}

	id, err := v.parse(rawToken)
	if err == nil {
		return id, nil
	}

	// Unknown kids are refetched by keyfunc itself. A bad signature under a
	// known kid may mean the key was replaced in place, so refresh once.
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && v.allowForcedRefresh() {
		rctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
		rerr := v.jwks.Refresh(rctx, keyfunc.RefreshOptions{IgnoreRateLimit: true})
		cancel()
		if rerr != nil {
			v.logger.Warn().Err(rerr).Msg("forced jwks refresh failed")
		} else if id, err = v.parse(rawToken); err == nil {
			return id, nil
		}
	}

	v.logger.Debug().Err(err).Msg("token rejected")
	return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
}

func (v *JWKSVerifier) parse(rawToken string) (Identity, error) {
	var c claims
	token, err := v.parser.ParseWithClaims(rawToken, &c, v.jwks.Keyfunc)
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Identity{}, errors.New("sub claim missing")
	}

	id := Identity{
		UserID:   c.Subject,
		Issuer:   c.Issuer,
		Email:    c.Email,
		Username: c.PreferredUsername,
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

func (v *JWKSVerifier) allowForcedRefresh() bool {
	now := time.Now().UnixNano()
	last := v.lastForced.Load()
	if now-last < int64(v.cfg.MinForcedRefresh) {
		return false
	}
	return v.lastForced.CompareAndSwap(last, now)
}

// Ready reports whether the key cache holds at least one key. A failed
// background refresh keeps the previous keys, so it does not flip this.
func (v *JWKSVerifier) Ready() bool {
	return v.jwks.Len() > 0
}

// Close stops background refresh.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
