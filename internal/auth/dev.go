package auth

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

const devTokenPrefix = "dev:"

// DevVerifier trusts tokens of the form "dev:<user-id>". It exists for local
// development only and is constructed solely when AUTH_MODE=insecure-dev.
type DevVerifier struct{}

func NewInsecureDevVerifier(logger zerolog.Logger) DevVerifier {
	logger.Warn().Msg("AUTH_MODE=insecure-dev: bearer tokens are NOT verified")
	return DevVerifier{}
}

func (DevVerifier) Verify(_ context.Context, rawToken string) (Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if !strings.HasPrefix(rawToken, devTokenPrefix) {
		return Identity{}, ErrUnauthorized
	}
	uid := strings.TrimSpace(strings.TrimPrefix(rawToken, devTokenPrefix))
	if uid == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: uid, Issuer: "insecure-dev"}, nil
}

func (DevVerifier) Ready() bool { return true }
