package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ACM-VIT/conclave/internal/v1/drain"
	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/minutes"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/room"
	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
)

const testSecret = "operator-secret-0123"

// --- test doubles ---

type fakeSocket struct {
	mu           sync.Mutex
	id           string
	received     []events.Message
	disconnected bool
}

func newFakeSocket(id string) *fakeSocket { return &fakeSocket{id: id} }

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, events.Message{Event: event, Payload: payload})
}

func (f *fakeSocket) Disconnect(closeImmediate bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeSocket) hasEvent(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.received {
		if m.Event == name {
			return true
		}
	}
	return false
}

func (f *fakeSocket) payloadFor(name string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.received {
		if m.Event == name {
			return m.Payload
		}
	}
	return nil
}

func (f *fakeSocket) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// eventIndex returns the position of the first occurrence, or -1.
func (f *fakeSocket) eventIndex(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.received {
		if m.Event == name {
			return i
		}
	}
	return -1
}

type fakeProvider struct{}

func (fakeProvider) RouterRtpCapabilities(ctx context.Context, channelID string) (map[string]any, error) {
	return map[string]any{"codecs": []string{"opus", "vp8"}}, nil
}

func (fakeProvider) CreatePlainTransport(ctx context.Context, channelID string) (*media.PlainTransport, error) {
	return &media.PlainTransport{ID: "pt-1", LocalIP: "127.0.0.1", LocalPort: 40000}, nil
}

func (fakeProvider) Consume(ctx context.Context, channelID, transportID, producerID string) (*media.ConsumerRef, error) {
	return &media.ConsumerRef{ID: "c-1", ProducerID: producerID}, nil
}

func (fakeProvider) CloseProducer(ctx context.Context, channelID, producerID string) error {
	return nil
}

func (fakeProvider) CloseTransport(ctx context.Context, channelID, transportID string) error {
	return nil
}

type countingSummarizer struct {
	calls atomic.Int64
	delay time.Duration
}

func (s *countingSummarizer) Summarize(ctx context.Context, chunks []transcribe.Chunk) (minutes.Summary, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return minutes.Summary{Overview: "overview"}, nil
}

type emptySource struct{}

func (emptySource) Snapshot(channelID string) ([]transcribe.Chunk, bool) { return nil, false }

// --- harness ---

type harness struct {
	registry   *registry.Registry
	hub        *events.Hub
	summarizer *countingSummarizer
	generator  *minutes.Generator
	router     *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := events.NewHub(nil, "i-test")
	reg := registry.New(hub, fakeProvider{}, "i-test", "test")
	drainer := drain.New(reg, hub)

	summ := &countingSummarizer{}
	gen := minutes.New(summ, emptySource{}, func(channelID string) bool {
		rm := reg.Get(channelID)
		return rm != nil && !rm.IsEmpty()
	})

	srv := NewServer(testSecret, reg, drainer, gen, nil)
	router := gin.New()
	srv.Register(router)

	return &harness{
		registry:   reg,
		hub:        hub,
		summarizer: summ,
		generator:  gen,
		router:     router,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(HeaderSecret, testSecret)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func joinAs(t *testing.T, rm *room.Room, userKey, sessionID string, socket *fakeSocket, admin bool) *room.Participant {
	t.Helper()
	res, err := rm.Join(context.Background(), room.JoinRequest{
		UserKey:        userKey,
		SessionID:      sessionID,
		DisplayName:    userKey,
		Mode:           room.ModeMeeting,
		IsAdminByToken: admin,
		Socket:         socket,
	})
	require.NoError(t, err)
	require.Equal(t, room.StatusJoined, res.Status)
	return res.Participant
}

// --- authentication ---

func TestSharedSecret(t *testing.T) {
	h := newHarness(t)

	t.Run("missing secret is rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)
		req.Header.Set(HeaderSecret, "nope")
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("correct secret passes", func(t *testing.T) {
		w := h.do(t, "GET", "/status", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "i-test", body["instanceId"])
	})
}

// --- reads ---

func TestStatusAndRooms(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	joinAs(t, rm, "host@x.y", "s1", newFakeSocket("s1"), true)

	w := h.do(t, "GET", "/status", nil)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["roomCount"])
	assert.Equal(t, float64(1), body["participantCount"])

	w = h.do(t, "GET", "/rooms", nil)
	body = decode(t, w)
	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 1)
	assert.Equal(t, "default:r1", rooms[0].(map[string]any)["channelId"])

	w = h.do(t, "GET", "/admin/rooms/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode(t, w)
	assert.Equal(t, "r1", snap["roomId"])
	assert.Equal(t, "default", snap["clientId"])

	w = h.do(t, "GET", "/admin/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkersWithoutBus(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, "GET", "/admin/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{"i-test"}, body["instances"])
}

// --- scenario: waiting-room admit ---

func TestWaitingRoomAdmit(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	joinAs(t, rm, "host@x.y", "s0", newFakeSocket("s0"), true)

	locked := true
	rm.SetPolicies(context.Background(), room.PolicyUpdate{Locked: &locked}, "test")

	waiting := newFakeSocket("s1")
	res, err := rm.Join(context.Background(), room.JoinRequest{
		UserKey: "alice@x.y", SessionID: "s1", DisplayName: "Alice",
		Mode: room.ModeMeeting, Socket: waiting,
	})
	require.NoError(t, err)
	require.Equal(t, room.StatusWaiting, res.Status)

	w := h.do(t, "POST", "/admin/rooms/r1/pending/alice@x.y/admit", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.True(t, waiting.hasEvent(events.EventJoinApproved))

	snap := decode(t, h.do(t, "GET", "/admin/rooms/r1", nil))
	assert.Contains(t, snap["lockedAllowedUserKeys"], "alice@x.y")
	assert.Empty(t, snap["pending"])

	// a second admit for the same key is gone
	w = h.do(t, "POST", "/admin/rooms/r1/pending/alice@x.y/admit", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- scenario: block with kick ---

func TestBlockWithKick(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	socket := newFakeSocket("s1")
	joinAs(t, rm, "alice@x.y", "s1", socket, false)

	w := h.do(t, "POST", "/admin/rooms/r1/access/block", map[string]any{
		"userKeys":    []string{"alice@x.y"},
		"kickPresent": true,
		"reason":      "policy",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Contains(t, body["changed"], "alice@x.y")
	assert.Equal(t, float64(1), body["kicked"])

	payload, ok := socket.payloadFor(events.EventKicked).(events.KickedPayload)
	require.True(t, ok, "kicked event must reach the session")
	assert.Equal(t, "policy", payload.Reason)
	assert.True(t, socket.isDisconnected())

	snap := decode(t, h.do(t, "GET", "/admin/rooms/r1", nil))
	assert.Contains(t, snap["blockedUserKeys"], "alice@x.y")

	// rejoin with the same key bounces
	res, err := rm.Join(context.Background(), room.JoinRequest{
		UserKey: "alice@x.y", SessionID: "s2", Mode: room.ModeMeeting,
		Socket: newFakeSocket("s2"),
	})
	require.NoError(t, err)
	assert.Equal(t, room.StatusRejected, res.Status)
}

// --- scenario: ambiguous room ---

func TestAmbiguousRoom(t *testing.T) {
	h := newHarness(t)
	h.registry.CreateIfAbsent("t1", "rX")
	h.registry.CreateIfAbsent("t2", "rX")

	w := h.do(t, "GET", "/admin/rooms/rX", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Contains(t, body["error"], "ambiguous")
	assert.Equal(t, []any{"t1:rX", "t2:rX"}, body["candidates"])

	// explicit tenant resolves it
	w = h.do(t, "GET", "/admin/rooms/rX?clientId=t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// the header form works too
	req := httptest.NewRequest("GET", "/admin/rooms/rX", nil)
	req.Header.Set(HeaderSecret, testSecret)
	req.Header.Set(HeaderClient, "t2")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// --- scenario: remove non-admins ---

func TestRemoveNonAdminsEndpoint(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	joinAs(t, rm, "admin1@x.y", "s1", newFakeSocket("s1"), true)
	admin2 := joinAs(t, rm, "admin2@x.y", "s2", newFakeSocket("s2"), true)
	_ = admin2

	sockets := make([]*fakeSocket, 3)
	for i, key := range []string{"a@x.y", "b@x.y", "c@x.y"} {
		sockets[i] = newFakeSocket(key)
		joinAs(t, rm, key, key, sockets[i], false)
	}

	w := h.do(t, "POST", "/admin/rooms/r1/users/remove-non-admins", map[string]any{
		"includeGhosts":    false,
		"includeAttendees": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["count"])

	for _, s := range sockets {
		assert.True(t, s.hasEvent(events.EventKicked))
	}
	assert.Equal(t, 2, rm.ParticipantCount(), "admins remain")
}

// --- scenario: forced drain ---

func TestForcedDrain(t *testing.T) {
	h := newHarness(t)
	r1 := h.registry.CreateIfAbsent("default", "r1")
	r2 := h.registry.CreateIfAbsent("default", "r2")

	s1 := newFakeSocket("s1")
	s2 := newFakeSocket("s2")
	s3 := newFakeSocket("s3")
	joinAs(t, r1, "a@x.y", "s1", s1, true)
	joinAs(t, r1, "b@x.y", "s2", s2, false)
	joinAs(t, r2, "c@x.y", "s3", s3, true)

	start := time.Now()
	w := h.do(t, "POST", "/drain", map[string]any{
		"draining":      true,
		"force":         true,
		"noticeDelayMs": 100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["draining"])
	assert.Equal(t, true, body["forced"])
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	for _, s := range []*fakeSocket{s1, s2, s3} {
		require.True(t, s.hasEvent(events.EventServerRestarting))
		payload := s.payloadFor(events.EventServerRestarting).(events.ServerRestartingPayload)
		assert.True(t, payload.Reconnecting)
		assert.True(t, s.isDisconnected())
		assert.GreaterOrEqual(t, s.eventIndex(events.EventServerRestarting), 0)
	}

	status := decode(t, h.do(t, "GET", "/drain", nil))
	assert.Equal(t, true, status["draining"])
}

// --- scenario: minutes single-flight over HTTP ---

func TestMinutesEndpoint(t *testing.T) {
	h := newHarness(t)
	h.generator.CacheTranscript("default:r1", []transcribe.Chunk{
		{StartMs: 0, EndMs: 1500, Text: "Welcome to the retro", Speaker: "alice"},
		{StartMs: 2000, EndMs: 4000, Text: "Bob should follow up on the incident report", Speaker: "alice"},
	})
	h.summarizer.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := h.do(t, "POST", "/minutes", map[string]any{"roomId": "r1"})
			codes[i] = w.Code
			results[i] = w.Body.Bytes()
		}(i)
	}
	wg.Wait()

	require.Equal(t, http.StatusOK, codes[0])
	require.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, results[0], results[1], "joiners share one generation")
	assert.Equal(t, int64(1), h.summarizer.calls.Load())

	// third call is served from the cache
	w := h.do(t, "POST", "/minutes", map[string]any{"roomId": "r1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), h.summarizer.calls.Load())
	assert.Equal(t, "%PDF", string(w.Body.Bytes()[:4]))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `minutes-r1.pdf`)

	t.Run("no transcript anywhere", func(t *testing.T) {
		w := h.do(t, "POST", "/minutes", map[string]any{"roomId": "ghost-room"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("roomId is required", func(t *testing.T) {
		w := h.do(t, "POST", "/minutes", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// --- policies, notice, end ---

func TestPoliciesEndpoint(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	joinAs(t, rm, "host@x.y", "s1", newFakeSocket("s1"), true)

	w := h.do(t, "POST", "/admin/rooms/r1/policies", map[string]any{"locked": true})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	policies := body["policies"].(map[string]any)
	assert.Equal(t, true, policies["locked"])

	// re-posting the same body lands in the same state
	w = h.do(t, "POST", "/admin/rooms/r1/policies", map[string]any{"locked": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rm.Policies().Locked)
}

func TestNoticeAndEnd(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	socket := newFakeSocket("s1")
	joinAs(t, rm, "host@x.y", "s1", socket, true)

	w := h.do(t, "POST", "/admin/rooms/r1/notice", map[string]any{"notice": "meeting ends soon"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, socket.hasEvent(events.EventAdminNotice))

	w = h.do(t, "POST", "/admin/rooms/r1/notice", map[string]any{"notice": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "POST", "/admin/rooms/r1/end", map[string]any{"reason": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ended"])
	assert.True(t, socket.hasEvent(events.EventRoomEnded))
	assert.Nil(t, h.registry.Get("default:r1"))
}

// --- media moderation over HTTP ---

func TestProducerAndUserMedia(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	socket := newFakeSocket("s1")
	p := joinAs(t, rm, "alice@x.y", "s1", socket, false)

	require.NoError(t, rm.AttachProducer(p.UserID, media.ProducerRef{ID: "p-audio", Kind: media.KindAudio, Type: media.TypeWebcam}))
	require.NoError(t, rm.AttachProducer(p.UserID, media.ProducerRef{ID: "p-video", Kind: media.KindVideo, Type: media.TypeWebcam}))

	t.Run("close one producer by id", func(t *testing.T) {
		w := h.do(t, "POST", "/admin/rooms/r1/producers/p-audio/close", map[string]any{"reason": "noise"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["closed"])

		// idempotent: second close reports closed=false
		w = h.do(t, "POST", "/admin/rooms/r1/producers/p-audio/close", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["closed"])
	})

	t.Run("video-off closes the webcam video producer", func(t *testing.T) {
		w := h.do(t, "POST", "/admin/rooms/r1/users/"+p.UserID+"/video-off", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decode(t, w)["count"])
	})

	t.Run("bad selector is invalid input", func(t *testing.T) {
		w := h.do(t, "POST", "/admin/rooms/r1/users/"+p.UserID+"/media", map[string]any{"kinds": []string{"smell"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown user is not found", func(t *testing.T) {
		w := h.do(t, "POST", "/admin/rooms/r1/users/nobody%23s9/kick", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// --- access list idempotency ---

func TestAccessEndpoints(t *testing.T) {
	h := newHarness(t)
	h.registry.CreateIfAbsent("default", "r1")

	w := h.do(t, "POST", "/admin/rooms/r1/access/allow", map[string]any{"userKeys": []string{"a@x.y", "b@x.y"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["changed"], 2)

	// second call reports nothing changed
	w = h.do(t, "POST", "/admin/rooms/r1/access/allow", map[string]any{"userKeys": []string{"a@x.y", "b@x.y"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["changed"])

	w = h.do(t, "POST", "/admin/rooms/r1/access/revoke", map[string]any{"userKeys": []string{"a@x.y"}})
	assert.Equal(t, []any{"a@x.y"}, decode(t, w)["changed"])

	lists := decode(t, h.do(t, "GET", "/admin/rooms/r1/access", nil))
	assert.Equal(t, []any{"b@x.y"}, lists["allowedUserKeys"])

	w = h.do(t, "POST", "/admin/rooms/r1/access/allow", map[string]any{"userKeys": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandsClearEndpoint(t *testing.T) {
	h := newHarness(t)
	rm := h.registry.CreateIfAbsent("default", "r1")
	a := joinAs(t, rm, "a@x.y", "s1", newFakeSocket("s1"), false)
	b := joinAs(t, rm, "b@x.y", "s2", newFakeSocket("s2"), false)
	rm.RaiseHand(a.UserID)
	rm.RaiseHand(b.UserID)

	w := h.do(t, "POST", "/admin/rooms/r1/hands/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["cleared"])
	assert.Empty(t, rm.RaisedHands())
}
