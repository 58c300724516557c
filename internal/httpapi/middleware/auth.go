package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/auth"
	"github.com/suPer8Hu/turn-orchestrator/internal/common"
	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
)

const (
	UserIDKey   = "user_id"
	IdentityKey = "identity"
)

// AuthRequired verifies the bearer token and stores the caller's identity.
// Every rejection is a 401 with the same message.
func AuthRequired(v auth.Verifier, mode string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			metrics.AuthRequestsTotal.WithLabelValues(mode, "missing").Inc()
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}

		id, err := v.Verify(c.Request.Context(), raw)
		if err != nil {
			status := "invalid"
			if !errors.Is(err, auth.ErrUnauthorized) {
				status = "error"
			}
			metrics.AuthRequestsTotal.WithLabelValues(mode, status).Inc()
			logger.Debug().Err(err).Str("request_id", c.GetString(RequestIDKey)).Msg("token rejected")
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}

		metrics.AuthRequestsTotal.WithLabelValues(mode, "ok").Inc()
		c.Set(UserIDKey, id.UserID)
		c.Set(IdentityKey, id)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserID returns the verified caller set by AuthRequired.
func UserID(c *gin.Context) (string, bool) {
	uid := c.GetString(UserIDKey)
	return uid, uid != ""
}
