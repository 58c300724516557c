package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/turn-orchestrator/internal/auth"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, raw string) (auth.Identity, error) {
	switch raw {
	case "good":
		return auth.Identity{UserID: "alice"}, nil
	case "broken":
		return auth.Identity{}, errors.New("jwks unreachable")
	default:
		return auth.Identity{}, auth.ErrUnauthorized
	}
}

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Recovery(zerolog.Nop()))
	g := r.Group("/", AuthRequired(stubVerifier{}, "jwks", zerolog.Nop()))
	g.GET("/me", func(c *gin.Context) {
		uid, _ := UserID(c)
		c.String(http.StatusOK, uid)
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func TestAuthRequired(t *testing.T) {
	r := newEngine()
	cases := []struct {
		header string
		status int
	}{
		{"Bearer good", http.StatusOK},
		{"bearer good", http.StatusOK},
		{"", http.StatusUnauthorized},
		{"Basic good", http.StatusUnauthorized},
		{"Bearer ", http.StatusUnauthorized},
		{"Bearer forged", http.StatusUnauthorized},
		{"Bearer broken", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, tc.status, w.Code, tc.header)
		if tc.status == http.StatusOK {
			require.Equal(t, "alice", w.Body.String())
		} else {
			require.JSONEq(t, `{"code":40101,"message":"unauthorized","data":null}`, w.Body.String())
		}
	}
}

func TestRequestIDAndRecovery(t *testing.T) {
	r := newEngine()

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
