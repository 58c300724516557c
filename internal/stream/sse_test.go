package stream

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSEWriter_LazyHeadersAndFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Comment("keep-alive"))
	require.False(t, w.Opened())
	require.Empty(t, rec.Body.String())

	em := NewEmitter(w)
	em.SetThreadID("01J")
	require.NoError(t, em.Token("line one\nline two"))
	require.NoError(t, w.Comment("keep-alive"))
	require.NoError(t, em.Complete())

	require.True(t, w.Opened())
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	frames, err := ReadFrames(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	tok, err := frames[0].Decode()
	require.NoError(t, err)
	require.Equal(t, Token{Text: "line one\nline two"}, tok)

	done, err := frames[1].Decode()
	require.NoError(t, err)
	require.Equal(t, Done{ThreadID: "01J", Status: StatusCompleted}, done)
}

func TestReadFrames_JoinsMultilineData(t *testing.T) {
	raw := "event: token\ndata: {\"text\":\ndata: \"x\"}\n\n: comment\n\nevent: done\ndata: {\"status\":\"failed\"}\n"
	frames, err := ReadFrames(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "{\"text\":\n\"x\"}", frames[0].Data)

	ev, err := frames[0].Decode()
	require.NoError(t, err)
	require.Equal(t, Token{Text: "x"}, ev)

	_, err = Frame{Event: "ping", Data: "{}"}.Decode()
	require.Error(t, err)
}
