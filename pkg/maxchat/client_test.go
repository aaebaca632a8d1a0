package maxchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "maxrelay/internal/errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func respond(ctx context.Context, conn *websocket.Conn, seq int64, opcode int, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, frame{
		Ver: protocolVersion, Cmd: cmdResponse, Seq: seq, Opcode: opcode, Payload: raw,
	})
}

// fakeMax is an in-process MAX endpoint. It keeps the accepted websocket
// connections so tests can sever them; closing the embedded httptest server
// alone never reaches a hijacked connection.
type fakeMax struct {
	srv *httptest.Server
	url string

	mu    sync.Mutex
	conns []*websocket.Conn
}

// dropClients force-closes every accepted connection.
func (f *fakeMax) dropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.CloseNow()
	}
	f.conns = nil
}

// startFakeMax runs a websocket server that accepts the handshake and auth
// exchange and then hands the connection to serve. A nil serve just keeps the
// connection open.
func startFakeMax(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) *fakeMax {
	t.Helper()

	f := &fakeMax{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		ctx := r.Context()

		var hs frame
		if err := wsjson.Read(ctx, conn, &hs); err != nil {
			return
		}
		if err := respond(ctx, conn, hs.Seq, hs.Opcode, map[string]interface{}{}); err != nil {
			return
		}

		var auth frame
		if err := wsjson.Read(ctx, conn, &auth); err != nil {
			return
		}
		if err := respond(ctx, conn, auth.Seq, auth.Opcode, authResponse{UserID: 7}); err != nil {
			return
		}

		if serve != nil {
			serve(ctx, conn)
			return
		}
		for {
			var fr frame
			if err := wsjson.Read(ctx, conn, &fr); err != nil {
				return
			}
		}
	}))
	f.url = wsURL(f.srv)
	t.Cleanup(f.srv.Close)
	return f
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		WSURL:           url,
		Phone:           "+79990001122",
		Token:           "auth-token",
		AppVersion:      "1.0",
		ConnectTimeout:  5 * time.Second,
		RequestTimeout:  5 * time.Second,
		MaxDialFailures: 1,
		DialCooldown:    time.Second,
	}
}

func TestClient_ConnectAndClose(t *testing.T) {
	srv := startFakeMax(t, nil)

	client := NewClient(testConfig(srv.url), testLogger())
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())
}

func TestClient_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var hs frame
		if err := wsjson.Read(ctx, conn, &hs); err != nil {
			return
		}
		respond(ctx, conn, hs.Seq, hs.Opcode, map[string]interface{}{})

		var auth frame
		if err := wsjson.Read(ctx, conn, &auth); err != nil {
			return
		}
		respond(ctx, conn, auth.Seq, auth.Opcode, authResponse{Error: "invalid token"})
	}))
	defer srv.Close()

	client := NewClient(testConfig(wsURL(srv)), testLogger())
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, apperrors.IsRetryable(err), "bad credentials don't improve on retry")
	assert.Contains(t, err.Error(), "invalid token")
}

func TestClient_FetchHistorySortsAscending(t *testing.T) {
	srv := startFakeMax(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			var fr frame
			if err := wsjson.Read(ctx, conn, &fr); err != nil {
				return
			}
			if fr.Opcode != opFetchHistory {
				continue
			}
			respond(ctx, conn, fr.Seq, fr.Opcode, historyResponse{Messages: []Message{
				{ID: 30, ChatID: 1, Text: "third"},
				{ID: 10, ChatID: 1, Text: "first"},
				{ID: 20, ChatID: 1, Text: "second"},
			}})
		}
	})

	client := NewClient(testConfig(srv.url), testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	msgs, err := client.FetchHistory(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{msgs[0].Text, msgs[1].Text, msgs[2].Text})
}

func TestClient_GetUserAndChat(t *testing.T) {
	srv := startFakeMax(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			var fr frame
			if err := wsjson.Read(ctx, conn, &fr); err != nil {
				return
			}
			switch fr.Opcode {
			case opGetUser:
				respond(ctx, conn, fr.Seq, fr.Opcode, User{ID: 99, Names: []string{"Boris"}})
			case opGetChat:
				respond(ctx, conn, fr.Seq, fr.Opcode, Chat{ID: 1, Title: "Ops"})
			}
		}
	})

	client := NewClient(testConfig(srv.url), testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	user, err := client.GetUser(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, []string{"Boris"}, user.Names)

	chat, err := client.GetChat(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Ops", chat.Title)
}

func TestClient_FileURL(t *testing.T) {
	srv := startFakeMax(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			var fr frame
			if err := wsjson.Read(ctx, conn, &fr); err != nil {
				return
			}
			var req mediaURLRequest
			require.NoError(t, json.Unmarshal(fr.Payload, &req))
			if fr.Opcode == opFileDownload {
				respond(ctx, conn, fr.Seq, fr.Opcode, mediaURLResponse{URL: "https://cdn.example/f1"})
			}
		}
	})

	client := NewClient(testConfig(srv.url), testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	url, err := client.FileURL(context.Background(), 1, 100, 55)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/f1", url)
}

func TestClient_LivePush(t *testing.T) {
	srv := startFakeMax(t, func(ctx context.Context, conn *websocket.Conn) {
		raw, _ := json.Marshal(messagePush{Message: Message{
			ID: 42, ChatID: 5, SenderID: 9, Text: "live", Time: 1700000000000,
		}})
		wsjson.Write(ctx, conn, frame{Ver: protocolVersion, Cmd: cmdPush, Opcode: opNewMessage, Payload: raw})

		for {
			var fr frame
			if err := wsjson.Read(ctx, conn, &fr); err != nil {
				return
			}
		}
	})

	client := NewClient(testConfig(srv.url), testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	select {
	case msg := <-client.Messages():
		assert.Equal(t, int64(42), msg.ID)
		assert.Equal(t, int64(5), msg.ChatID)
		assert.Equal(t, "live", msg.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("live message never arrived")
	}
}

func TestClient_TerminalAfterDialFailures(t *testing.T) {
	srv := startFakeMax(t, nil)

	client := NewClient(testConfig(srv.url), testLogger())
	require.NoError(t, client.Connect(context.Background()))

	// stop accepting redials, then sever the live connection; hijacked
	// conns outlive httptest's Close
	srv.srv.Close()
	srv.dropClients()

	select {
	case _, ok := <-client.Messages():
		assert.False(t, ok, "Messages channel must close on terminal loss")
	case <-time.After(10 * time.Second):
		t.Fatal("Messages channel never closed")
	}
	assert.Error(t, client.Err())
}
