package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ACM-VIT/conclave/internal/v1/auth"
	"github.com/ACM-VIT/conclave/internal/v1/chat"
	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

type fakeProvider struct{}

func (fakeProvider) RouterRtpCapabilities(ctx context.Context, channelID string) (map[string]any, error) {
	return map[string]any{"codecs": []string{"opus"}}, nil
}

func (fakeProvider) CreatePlainTransport(ctx context.Context, channelID string) (*media.PlainTransport, error) {
	return &media.PlainTransport{ID: "pt-1", LocalIP: "127.0.0.1", LocalPort: 40000}, nil
}

func (fakeProvider) Consume(ctx context.Context, channelID, transportID, producerID string) (*media.ConsumerRef, error) {
	return &media.ConsumerRef{ID: "c-1", ProducerID: producerID}, nil
}

func (fakeProvider) CloseProducer(ctx context.Context, channelID, producerID string) error { return nil }

func (fakeProvider) CloseTransport(ctx context.Context, channelID, transportID string) error {
	return nil
}

// mockConn scripts inbound frames and records outbound ones.
type mockConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 16)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	evHub := events.NewHub(nil, "i-test")
	reg := registry.New(evHub, fakeProvider{}, "i-1", "test")
	return NewHub(reg, &auth.MockValidator{}, nil, chat.NewRouter(evHub), nil, fakeProvider{}, true)
}

func newSession(h *Hub, sessionID, userKey, displayName string, admin bool) *Client {
	c := &Client{
		hub:         h,
		sessionID:   sessionID,
		userKey:     userKey,
		displayName: displayName,
		adminToken:  admin,
		send:        make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.clients[sessionID] = c
	h.mu.Unlock()
	return c
}

func frame(t *testing.T, event, requestID string, payload any) clientMessage {
	t.Helper()
	msg := clientMessage{Event: event, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = raw
	}
	return msg
}

// popEvents drains and decodes everything queued on the client's socket.
func popEvents(c *Client) []events.Message {
	var out []events.Message
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var m events.Message
			if json.Unmarshal(data, &m) == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func findEvent(msgs []events.Message, name string) (map[string]any, bool) {
	for _, m := range msgs {
		if m.Event == name {
			payload, _ := m.Payload.(map[string]any)
			return payload, true
		}
	}
	return nil, false
}

// lastResponse pops everything and returns the final response payload.
func lastResponse(t *testing.T, c *Client) map[string]any {
	t.Helper()
	msgs := popEvents(c)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == responseEvent {
			payload, ok := msgs[i].Payload.(map[string]any)
			require.True(t, ok)
			return payload
		}
	}
	t.Fatal("no response event received")
	return nil
}

func joinRoom(t *testing.T, h *Hub, c *Client, roomID string) *room.Room {
	t.Helper()
	h.route(context.Background(), c, frame(t, "joinRoom", "", map[string]any{"roomId": roomID}))
	resp := lastResponse(t, c)
	require.Equal(t, true, resp["success"], "join failed: %v", resp["error"])
	require.Equal(t, "joined", resp["status"])
	rm, _ := c.currentRoom()
	require.NotNil(t, rm)
	return rm
}

func TestJoinRoom(t *testing.T) {
	h := newTestHub(t)

	t.Run("successful join returns capabilities", func(t *testing.T) {
		c := newSession(h, "s1", "alice@x.y", "Alice", true)
		h.route(context.Background(), c, frame(t, "joinRoom", "r1", map[string]any{"roomId": "join-1"}))

		resp := lastResponse(t, c)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "r1", resp["requestId"])
		assert.Equal(t, "joined", resp["status"])
		assert.NotNil(t, resp["rtpCapabilities"])

		rm := h.registry.Get("default:join-1")
		require.NotNil(t, rm)
		assert.Equal(t, 1, rm.ParticipantCount())
	})

	t.Run("roomId is required", func(t *testing.T) {
		c := newSession(h, "s2", "bob@x.y", "Bob", false)
		h.route(context.Background(), c, frame(t, "joinRoom", "", map[string]any{}))
		resp := lastResponse(t, c)
		assert.Contains(t, resp["error"], "roomId")
	})

	t.Run("locked room sends the caller to the waiting room", func(t *testing.T) {
		host := newSession(h, "s3", "host@x.y", "Host", true)
		rm := joinRoom(t, h, host, "locked-1")
		locked := true
		rm.SetPolicies(context.Background(), room.PolicyUpdate{Locked: &locked}, "test")
		popEvents(host)

		guest := newSession(h, "s4", "guest:g1", "Guest", false)
		h.route(context.Background(), guest, frame(t, "joinRoom", "", map[string]any{"roomId": "locked-1"}))
		resp := lastResponse(t, guest)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "waiting", resp["status"])
		assert.Equal(t, 1, rm.PendingCount())
	})

	t.Run("events before joining are refused", func(t *testing.T) {
		c := newSession(h, "s5", "eve@x.y", "Eve", false)
		h.route(context.Background(), c, frame(t, "raiseHand", "", nil))
		resp := lastResponse(t, c)
		assert.Contains(t, resp["error"], "join a room")
	})
}

func TestJoinWhileDraining(t *testing.T) {
	h := newTestHub(t)
	h.registry.SetDraining(true)

	c := newSession(h, "s1", "alice@x.y", "Alice", false)
	h.route(context.Background(), c, frame(t, "joinRoom", "", map[string]any{"roomId": "r1"}))

	msgs := popEvents(c)
	rejected, ok := findEvent(msgs, events.EventJoinRejected)
	require.True(t, ok)
	assert.Equal(t, room.RejectReasonDraining, rejected["reason"])
	assert.Nil(t, h.registry.Get("default:r1"), "no room is created during drain")
}

func TestChatRouting(t *testing.T) {
	h := newTestHub(t)
	alice := newSession(h, "s1", "alice@x.y", "Alice", true)
	bob := newSession(h, "s2", "bob@x.y", "Bob", false)
	rm := joinRoom(t, h, alice, "chat-1")
	joinRoom(t, h, bob, "chat-1")
	popEvents(alice)
	popEvents(bob)

	t.Run("broadcast reaches the whole channel", func(t *testing.T) {
		h.route(context.Background(), alice, frame(t, "chat", "", map[string]any{"content": "hello all"}))

		payload, ok := findEvent(popEvents(bob), events.EventChatMessage)
		require.True(t, ok)
		assert.Equal(t, "hello all", payload["content"])
		assert.Equal(t, "Alice", payload["displayName"])
	})

	t.Run("directed message reaches only the target", func(t *testing.T) {
		h.route(context.Background(), alice, frame(t, "chat", "", map[string]any{"content": "@bob psst"}))

		payload, ok := findEvent(popEvents(bob), events.EventDirectMessage)
		require.True(t, ok)
		assert.Equal(t, "psst", payload["content"])
		assert.Equal(t, true, payload["private"])

		_, leaked := findEvent(popEvents(alice), events.EventDirectMessage)
		assert.False(t, leaked)
	})

	t.Run("locked chat refuses non-admins", func(t *testing.T) {
		chatLocked := true
		rm.SetPolicies(context.Background(), room.PolicyUpdate{ChatLocked: &chatLocked}, "test")
		popEvents(bob)

		h.route(context.Background(), bob, frame(t, "chat", "", map[string]any{"content": "let me in"}))
		resp := lastResponse(t, bob)
		assert.Contains(t, resp["error"], "locked")
	})
}

func TestAdminAuthorization(t *testing.T) {
	h := newTestHub(t)
	admin := newSession(h, "s1", "admin@x.y", "Admin", true)
	peon := newSession(h, "s2", "peon@x.y", "Peon", false)
	rm := joinRoom(t, h, admin, "auth-1")
	joinRoom(t, h, peon, "auth-1")
	popEvents(admin)
	popEvents(peon)

	t.Run("non-admin is refused", func(t *testing.T) {
		h.route(context.Background(), peon, frame(t, "admin:notice", "", map[string]any{"notice": "hi"}))
		resp := lastResponse(t, peon)
		assert.Contains(t, resp["error"], "administrator")
	})

	t.Run("admin kick lands the event and removes the session", func(t *testing.T) {
		_, peonID := peon.currentRoom()
		h.route(context.Background(), admin, frame(t, "admin:kick", "", map[string]any{
			"userId": peonID, "reason": "disruptive",
		}))

		resp := lastResponse(t, admin)
		assert.Equal(t, true, resp["success"])

		payload, ok := findEvent(popEvents(peon), events.EventKicked)
		require.True(t, ok)
		assert.Equal(t, "disruptive", payload["reason"])
		assert.Equal(t, 1, rm.ParticipantCount())
	})

	t.Run("self-kick is refused", func(t *testing.T) {
		_, adminID := admin.currentRoom()
		h.route(context.Background(), admin, frame(t, "admin:kick", "", map[string]any{"userId": adminID}))
		resp := lastResponse(t, admin)
		assert.NotNil(t, resp["error"])
	})

	t.Run("demotion takes effect on the next event", func(t *testing.T) {
		second := newSession(h, "s3", "second@x.y", "Second", false)
		joinRoom(t, h, second, "auth-1")
		_, secondID := second.currentRoom()

		changed, err := rm.PromoteToAdmin(secondID)
		require.NoError(t, err)
		require.True(t, changed)
		popEvents(second)

		h.route(context.Background(), second, frame(t, "admin:clearHands", "", nil))
		resp := lastResponse(t, second)
		assert.Equal(t, true, resp["success"])

		_, err = rm.DemoteAdmin("second@x.y")
		require.NoError(t, err)
		popEvents(second)

		h.route(context.Background(), second, frame(t, "admin:clearHands", "", nil))
		resp = lastResponse(t, second)
		assert.Contains(t, resp["error"], "administrator")
	})
}

func TestAdminWaitingRoomFlow(t *testing.T) {
	h := newTestHub(t)
	host := newSession(h, "s1", "host@x.y", "Host", true)
	rm := joinRoom(t, h, host, "wr-1")
	locked := true
	rm.SetPolicies(context.Background(), room.PolicyUpdate{Locked: &locked}, "test")
	popEvents(host)

	guest := newSession(h, "s2", "guest:g1", "Guest", false)
	h.route(context.Background(), guest, frame(t, "joinRoom", "", map[string]any{"roomId": "wr-1"}))
	require.Equal(t, "waiting", lastResponse(t, guest)["status"])

	h.route(context.Background(), host, frame(t, "admin:admit", "", map[string]any{"userKey": "guest:g1"}))
	resp := lastResponse(t, host)
	require.Equal(t, true, resp["success"])

	_, approved := findEvent(popEvents(guest), events.EventJoinApproved)
	assert.True(t, approved)
	assert.Equal(t, 0, rm.PendingCount())
	assert.Equal(t, 2, rm.ParticipantCount())
}

func TestProduce(t *testing.T) {
	h := newTestHub(t)
	c := newSession(h, "s1", "alice@x.y", "Alice", true)
	rm := joinRoom(t, h, c, "p-1")
	popEvents(c)

	t.Run("valid producer attaches", func(t *testing.T) {
		h.route(context.Background(), c, frame(t, "produce", "", map[string]any{
			"producerId": "p-audio", "kind": "audio", "type": "webcam",
		}))
		resp := lastResponse(t, c)
		require.Equal(t, true, resp["success"])

		snap := rm.Snapshot()
		require.Len(t, snap.Participants, 1)
		assert.Contains(t, snap.Participants[0].ProducerKinds, "audio/webcam")
	})

	t.Run("unknown kind is refused", func(t *testing.T) {
		h.route(context.Background(), c, frame(t, "produce", "", map[string]any{
			"producerId": "p-x", "kind": "smell", "type": "webcam",
		}))
		resp := lastResponse(t, c)
		assert.NotNil(t, resp["error"])
	})
}

func TestHandsAndDisplayName(t *testing.T) {
	h := newTestHub(t)
	c := newSession(h, "s1", "alice@x.y", "Alice", false)
	rm := joinRoom(t, h, c, "h-1")
	_, userID := c.currentRoom()
	popEvents(c)

	h.route(context.Background(), c, frame(t, "raiseHand", "", nil))
	assert.Equal(t, []string{userID}, rm.RaisedHands())

	h.route(context.Background(), c, frame(t, "lowerHand", "", nil))
	assert.Empty(t, rm.RaisedHands())

	h.route(context.Background(), c, frame(t, "setDisplayName", "", map[string]any{"displayName": "  Alice  B  "}))
	resp := lastResponse(t, c)
	require.Equal(t, true, resp["success"])
	assert.Equal(t, "Alice B", rm.DisplayNameForKey("alice@x.y"))
}

func TestUnknownEvent(t *testing.T) {
	h := newTestHub(t)
	c := newSession(h, "s1", "alice@x.y", "Alice", false)
	joinRoom(t, h, c, "u-1")
	popEvents(c)

	h.route(context.Background(), c, frame(t, "telepathy", "", nil))
	resp := lastResponse(t, c)
	assert.Contains(t, resp["error"], "unknown event")
}

func TestPumpLifecycle(t *testing.T) {
	h := newTestHub(t)
	conn := newMockConn()
	c := &Client{
		hub:         h,
		conn:        conn,
		sessionID:   "s1",
		userKey:     "alice@x.y",
		displayName: "Alice",
		adminToken:  true,
		send:        make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.clients[c.sessionID] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	join, err := json.Marshal(clientMessage{Event: "joinRoom", Payload: json.RawMessage(`{"roomId":"pump-1"}`)})
	require.NoError(t, err)
	conn.inbound <- join

	require.Eventually(t, func() bool {
		rm := h.registry.Get("default:pump-1")
		return rm != nil && rm.ParticipantCount() == 1
	}, time.Second, 10*time.Millisecond)

	// peer goes away
	close(conn.inbound)

	require.Eventually(t, func() bool {
		rm := h.registry.Get("default:pump-1")
		return rm != nil && rm.ParticipantCount() == 0 && conn.isClosed()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.SessionCount())
}

func newRequestWithOrigin(origin string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, "http://server/ws", nil)
	if err != nil {
		return nil, err
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req, nil
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://app.example.com"}

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin passes", "", true},
		{"allowed origin passes", "http://localhost:3000", true},
		{"allowed https origin passes", "https://app.example.com", true},
		{"scheme mismatch fails", "https://localhost:3000", false},
		{"unknown host fails", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := newRequestWithOrigin(tt.origin)
			err := validateOrigin(req, allowed)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	h := newTestHub(t)
	for i, id := range []string{"s1", "s2", "s3"} {
		c := newSession(h, id, "user@x.y", "User", i == 0)
		joinRoom(t, h, c, "sd-1")
	}
	require.Equal(t, 3, h.SessionCount())

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, 0, h.SessionCount())
}
