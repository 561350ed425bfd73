package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// distributor sends frames to whoever connects, then waits for the peer to go away.
func distributor(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestClient_PollDeliversThenTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := distributor(t, `{"type":"result"}`, `{"type":"finish"}`)
	defer srv.Close()

	ctx := context.Background()
	c, err := Dial(ctx, wsURL(srv), Options{}, nil)
	require.NoError(t, err)

	p, err := c.Poll(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, Polled{Status: StatusMessage, Payload: []byte(`{"type":"result"}`)}, p)

	p, err = c.Poll(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, `{"type":"finish"}`, string(p.Payload))

	p, err = c.Poll(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, p.Status)

	require.NoError(t, c.Close())
	_, err = c.Poll(ctx, time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClient_PeerCloseDrainsBufferedFrames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("a"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("b"))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := Dial(ctx, wsURL(srv), Options{}, nil)
	require.NoError(t, err)
	defer c.Close()

	var got []string
	for {
		p, err := c.Poll(ctx, 2*time.Second)
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
			break
		}
		require.Equal(t, StatusMessage, p.Status)
		got = append(got, string(p.Payload))
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestClient_PollHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := distributor(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), Options{}, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Poll(ctx, time.Minute)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestServer_WorkersPush(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewServer(Options{Buffer: 4}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, msg := range []string{"w1", "w2"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		defer conn.Close()
	}

	ctx := context.Background()
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		p, err := s.Poll(ctx, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, StatusMessage, p.Status)
		got[string(p.Payload)] = true
	}
	require.Equal(t, map[string]bool{"w1": true, "w2": true}, got)

	p, err := s.Poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, p.Status)

	require.NoError(t, s.Close())
	_, err = s.Poll(ctx, time.Second)
	require.ErrorIs(t, err, ErrClosed)
}
