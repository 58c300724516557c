package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/turn-orchestrator/internal/auth"
	"github.com/suPer8Hu/turn-orchestrator/internal/chat"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi/handlers"
	"github.com/suPer8Hu/turn-orchestrator/internal/stream"
	"github.com/suPer8Hu/turn-orchestrator/internal/turn"
)

type runnerFunc func(ctx context.Context, req turn.Request, em *stream.Emitter) error

func (f runnerFunc) Run(ctx context.Context, req turn.Request, em *stream.Emitter) error {
	return f(ctx, req, em)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	engine  *gin.Engine
	handler *handlers.Handler
	runner  runnerFunc
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&chat.Thread{}, &chat.Transcript{}))

	repo := chat.NewRepo(db)
	ts := &testServer{}
	ts.runner = func(ctx context.Context, req turn.Request, em *stream.Emitter) error {
		em.SetThreadID("01HTHREAD")
		_ = em.Token("echo: " + req.Message)
		return em.Complete()
	}
	ts.handler = handlers.NewHandler(
		chat.NewService(repo, chat.NewTranscriptWriter(repo)),
		runnerFunc(func(ctx context.Context, req turn.Request, em *stream.Emitter) error { return ts.runner(ctx, req, em) }),
		zerolog.Nop(),
	)
	ts.engine = NewRouter(RouterConfig{ServiceName: "test", AuthMode: "insecure-dev"}, ts.handler, auth.DevVerifier{}, zerolog.Nop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer dev:"+user)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestThreadsCRUD(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/threads", "alice", `{"title":"Trip planning"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var created chat.Thread
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &created))
	require.Equal(t, "Trip planning", created.Title)
	require.Len(t, created.ThreadID, 26)

	w = ts.do(t, http.MethodPost, "/v1/threads", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/threads?limit=10", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Threads    []chat.Thread `json:"threads"`
		NextBefore string        `json:"next_before"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	require.Len(t, list.Threads, 2)
	require.Equal(t, created.ThreadID, list.Threads[1].ThreadID)

	path := "/v1/threads/" + created.ThreadID
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPatch, path, "alice", `{"title":"   "}`).Code)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPatch, path, "alice", `{"title":"`+strings.Repeat("x", 201)+`"}`).Code)
	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPatch, path, "bob", `{"title":"mine now"}`).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, path, "alice", `{"title":"Trip to Lisbon"}`).Code)

	w = ts.do(t, http.MethodGet, path+"/transcript", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, string(decode(t, w).Data), `"records":[]`)

	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, path, "bob", "").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, path, "alice", "").Code)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path+"/transcript", "alice", "").Code)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/threads/nope", "alice", "").Code)

	w = ts.do(t, http.MethodGet, "/v1/threads", "alice", "")
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	require.Len(t, list.Threads, 1)
}

func TestAuthIsRequired(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/threads", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 40101, decode(t, w).Code)

	w = ts.do(t, http.MethodPost, "/v1/turns/stream", "", `{"message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStreamTurn_Frames(t *testing.T) {
	ts := newTestServer(t)
	var got turn.Request
	ts.runner = func(ctx context.Context, req turn.Request, em *stream.Emitter) error {
		got = req
		em.SetThreadID("01HTHREAD")
		_ = em.Token("line one\nline two")
		_ = em.Policy("output", "violence")
		return em.Complete()
	}

	w := ts.do(t, http.MethodPost, "/v1/turns/stream", "alice",
		`{"message":"hi","thread_id":"01HTHREAD","tool_flag":true,"attachments_context":"notes"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, turn.Request{UserID: "alice", ThreadID: "01HTHREAD", Message: "hi", ToolFlag: true, AttachmentsContext: "notes"}, got)

	frames, err := stream.ReadFrames(w.Body)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	ev, err := frames[0].Decode()
	require.NoError(t, err)
	require.Equal(t, stream.Token{Text: "line one\nline two"}, ev)
	ev, err = frames[1].Decode()
	require.NoError(t, err)
	require.Equal(t, stream.Policy{Stage: "output", Reason: "violence"}, ev)
	ev, err = frames[2].Decode()
	require.NoError(t, err)
	require.Equal(t, stream.Done{ThreadID: "01HTHREAD", Status: stream.StatusCompleted}, ev)
}

func TestStreamTurn_PreStreamErrorsAreJSON(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		kind   turn.Kind
		status int
	}{
		{turn.KindForbidden, http.StatusForbidden},
		{turn.KindNotFound, http.StatusNotFound},
		{turn.KindValidation, http.StatusBadRequest},
		{turn.KindModerationUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		ts.runner = func(context.Context, turn.Request, *stream.Emitter) error {
			return &turn.Error{Kind: tc.kind, Reason: "test", Err: errors.New("secret detail")}
		}
		w := ts.do(t, http.MethodPost, "/v1/turns/stream", "alice", `{"message":"hi"}`)
		require.Equal(t, tc.status, w.Code, tc.kind)
		env := decode(t, w)
		require.Equal(t, turn.PublicMessage(tc.kind), env.Message)
		require.NotContains(t, w.Body.String(), "secret")
	}

	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/v1/turns/stream", "alice", `{"thread_id":"x"}`).Code)
}

func TestStreamTurn_FailureAfterOpenStaysInStream(t *testing.T) {
	ts := newTestServer(t)
	ts.runner = func(ctx context.Context, req turn.Request, em *stream.Emitter) error {
		_ = em.Token("partial")
		_ = em.Fail(string(turn.KindUpstream), turn.PublicMessage(turn.KindUpstream))
		return &turn.Error{Kind: turn.KindUpstream, Reason: "model_stream"}
	}

	w := ts.do(t, http.MethodPost, "/v1/turns/stream", "alice", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	frames, err := stream.ReadFrames(w.Body)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, "error", frames[1].Event)
	require.Equal(t, "done", frames[2].Event)
	require.Contains(t, frames[2].Data, `"failed"`)
}

func TestStreamTurn_PanicAfterOpenEndsStream(t *testing.T) {
	ts := newTestServer(t)
	ts.runner = func(ctx context.Context, req turn.Request, em *stream.Emitter) error {
		_ = em.Token("partial")
		panic("boom")
	}

	w := ts.do(t, http.MethodPost, "/v1/turns/stream", "alice", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	frames, err := stream.ReadFrames(w.Body)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, "token", frames[0].Event)
	require.Equal(t, "error", frames[1].Event)
	require.Contains(t, frames[1].Data, string(turn.KindInternal))
	require.Equal(t, "done", frames[2].Event)
	require.Contains(t, frames[2].Data, `"failed"`)
	require.NotContains(t, w.Body.String(), `"code":50000`)
}

func TestStreamTurn_PanicBeforeOpenIsJSON(t *testing.T) {
	ts := newTestServer(t)
	ts.runner = func(context.Context, turn.Request, *stream.Emitter) error {
		panic("boom")
	}

	w := ts.do(t, http.MethodPost, "/v1/turns/stream", "alice", `{"message":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, 50000, decode(t, w).Code)
}

func TestStreamTurn_Heartbeat(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.Heartbeat = 5 * time.Millisecond
	ts.runner = func(ctx context.Context, req turn.Request, em *stream.Emitter) error {
		_ = em.Token("thinking")
		time.Sleep(40 * time.Millisecond)
		return em.Complete()
	}

	w := ts.do(t, http.MethodPost, "/v1/turns/stream", "alice", `{"message":"hi"}`)
	require.Contains(t, w.Body.String(), ": keep-alive\n\n")
	frames, err := stream.ReadFrames(strings.NewReader(w.Body.String()))
	require.NoError(t, err)
	require.Len(t, frames, 2)
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", "", "").Code)

	ts.handler.Checks["jwks"] = func(context.Context) error { return errors.New("keys not loaded") }
	w := ts.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), `"jwks":"unavailable"`)

	w = ts.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "turns_orchestrator_http_requests_total")
}
