package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshchat/mesh"
	"meshchat/models"
)

type fakeBridge struct {
	server *httptest.Server
	conns  chan *serverConn

	mu       sync.Mutex
	requests []RequestFrame
	respond  func(RequestFrame) (ResponseFrame, bool)
}

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *serverConn) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func newFakeBridge(t *testing.T, respond func(RequestFrame) (ResponseFrame, bool)) *fakeBridge {
	t.Helper()

	fb := &fakeBridge{conns: make(chan *serverConn, 1), respond: respond}
	upgrader := websocket.Upgrader{}

	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		fb.conns <- sc

		for {
			var req RequestFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			fb.mu.Lock()
			fb.requests = append(fb.requests, req)
			fb.mu.Unlock()

			resp, ok := fb.respond(req)
			if !ok {
				continue
			}
			resp.Type = TypeResponse
			resp.ID = req.ID
			if err := sc.writeJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fb.server.Close)

	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func (fb *fakeBridge) lastRequest(t *testing.T) RequestFrame {
	t.Helper()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.NotEmpty(t, fb.requests)
	return fb.requests[len(fb.requests)-1]
}

func dialFake(t *testing.T, fb *fakeBridge) (*Client, *serverConn) {
	t.Helper()

	client, err := Dial(context.Background(), Options{URL: fb.url(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case sc := <-fb.conns:
		return client, sc
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never accepted the connection")
		return nil, nil
	}
}

func okResponse(result map[string]any) (ResponseFrame, bool) {
	return ResponseFrame{OK: true, Result: result}, true
}

func TestFetchPeersFillsDirectory(t *testing.T) {
	fb := newFakeBridge(t, func(req RequestFrame) (ResponseFrame, bool) {
		return okResponse(map[string]any{"contacts": []any{
			map[string]any{"public_key": "aa11", "adv_name": "Alice", "type": 1, "last_advert": 1700000000},
			map[string]any{"public_key": "bb22", "name": "Hilltop", "type": 3},
			map[string]any{"name": "keyless"},
			"garbage",
		}})
	})
	client, _ := dialFake(t, fb)

	peers, err := client.FetchPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, CommandGetContacts, fb.lastRequest(t).Command)

	alice, found := client.Directory().LookupPeerByKey("aa")
	require.True(t, found)
	assert.Equal(t, "Alice", alice.DisplayName())
	assert.Equal(t, int64(1700000000), alice.LastSeen)
	assert.Equal(t, models.RoleChat, alice.Role)

	room, found := client.Directory().LookupRoomByKey("bb22")
	require.True(t, found)
	assert.Equal(t, "Hilltop", room)
}

func TestEventsAreDeliveredInOrder(t *testing.T) {
	fb := newFakeBridge(t, func(RequestFrame) (ResponseFrame, bool) { return ResponseFrame{}, false })
	client, sc := dialFake(t, fb)

	require.NoError(t, sc.writeJSON(EventFrame{Type: TypeEvent, Event: mesh.RawContactMessage, Payload: map[string]any{"text": "one"}}))
	require.NoError(t, sc.writeJSON(map[string]any{"no_type": true}))
	require.NoError(t, sc.writeJSON(EventFrame{Type: TypeEvent, Event: mesh.RawChannelMessage, Payload: map[string]any{"text": "two"}}))

	var got []mesh.RawEvent
	for len(got) < 2 {
		select {
		case ev := <-client.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, mesh.RawContactMessage, got[0].Type)
	assert.Equal(t, "one", got[0].Payload["text"])
	assert.Equal(t, mesh.RawChannelMessage, got[1].Type)
}

func TestSendCommands(t *testing.T) {
	fb := newFakeBridge(t, func(req RequestFrame) (ResponseFrame, bool) {
		if req.Command == CommandSendMessage {
			return okResponse(map[string]any{"expected_ack": "0badf00d", "suggested_timeout": 4500})
		}
		return okResponse(nil)
	})
	client, _ := dialFake(t, fb)
	ctx := context.Background()

	result, err := client.SendDirect(ctx, models.Peer{IdentityKey: "aa11"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "0badf00d", result.ExpectedAck)
	assert.Equal(t, 4500*time.Millisecond, result.SuggestedTimeout)
	req := fb.lastRequest(t)
	assert.Equal(t, "aa11", req.Args["dst"])
	assert.Equal(t, "hello", req.Args["text"])

	require.NoError(t, client.SendChannel(ctx, 2, "all"))
	req = fb.lastRequest(t)
	assert.Equal(t, CommandSendChannel, req.Command)
	assert.Equal(t, float64(2), req.Args["channel"])

	require.NoError(t, client.SendAdvert(ctx, true))
	req = fb.lastRequest(t)
	assert.Equal(t, CommandSendAdvert, req.Command)
	assert.Equal(t, true, req.Args["flood"])
}

func TestCommandErrorIsReturned(t *testing.T) {
	fb := newFakeBridge(t, func(RequestFrame) (ResponseFrame, bool) {
		return ResponseFrame{OK: false, Error: "no route"}, true
	})
	client, _ := dialFake(t, fb)

	err := client.SendChannel(context.Background(), 0, "x")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, CommandSendChannel, cmdErr.Command)
	assert.Equal(t, "no route", cmdErr.Message)
}

func TestLoginTracksRoomSessions(t *testing.T) {
	fb := newFakeBridge(t, func(req RequestFrame) (ResponseFrame, bool) {
		if req.Args["password"] == "secret" {
			return okResponse(map[string]any{"success": true, "is_admin": true})
		}
		return okResponse(map[string]any{"success": false})
	})
	client, _ := dialFake(t, fb)
	room := models.Peer{IdentityKey: "bb22", Name: "Hilltop", Role: models.RoleRoomServer}

	accepted, err := client.Login(context.Background(), "Hilltop", room, "guess")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.False(t, client.IsLoggedIn("Hilltop"))

	accepted, err = client.Login(context.Background(), "Hilltop", room, "secret")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, client.IsLoggedIn("Hilltop"))
	assert.True(t, client.IsAdmin("Hilltop"))
	assert.Equal(t, "bb22", fb.lastRequest(t).Args["dst"])
}

func TestRequestHonoursContextDeadline(t *testing.T) {
	fb := newFakeBridge(t, func(RequestFrame) (ResponseFrame, bool) { return ResponseFrame{}, false })
	client, _ := dialFake(t, fb)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.SendAdvert(ctx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerCloseEndsClient(t *testing.T) {
	fb := newFakeBridge(t, func(RequestFrame) (ResponseFrame, bool) { return ResponseFrame{}, false })
	client, sc := dialFake(t, fb)

	_ = sc.conn.Close()

	select {
	case _, open := <-client.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
	<-client.Done()

	_, err := client.FetchPeers(context.Background())
	assert.Error(t, err)
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Options{})
	assert.Error(t, err)
}

func TestDecodeFrameType(t *testing.T) {
	frameType, err := DecodeFrameType([]byte(`{"type":"event","event":"contacts"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeEvent, frameType)

	_, err = DecodeFrameType([]byte(`{"event":"contacts"}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeFrameType([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
