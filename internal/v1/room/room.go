// Package room implements the per-room state machine: participants, the
// waiting room, access lists, policies, moderation, and snapshots.
//
// Concurrency Design:
// Each Room carries a single write guard (sync.RWMutex). Every mutation takes
// the write lock; snapshot construction takes the read lock to observe a
// consistent instant. Events emitted by one operation are enqueued, in order,
// before the guard is released; the fan-out hub's per-socket send path is
// buffered and never blocks the room.
package room

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
)

const maxChatHistoryLength = 100

// Fanout is the event surface a room needs: channel broadcast plus handle
// attachment so admitted and pending sockets receive channel events.
type Fanout interface {
	events.Sender
	Attach(channelID string, handle events.SocketHandle)
	Detach(channelID string, handleID string)
}

// Room holds all state for one tenant-scoped room.
type Room struct {
	ID        string // room name, scoped to the tenant
	ClientID  string // tenant
	channelID string // "{clientId}:{id}", process-global

	mu sync.RWMutex

	clients        map[string]*Participant // userId → participant
	admissionOrder *list.List              // *Participant, in admission order
	userKeysByID   map[string]string       // userId → userKey back-lookup

	pending      map[string]*PendingEntry // userKey → entry
	pendingOrder *list.List               // *PendingEntry, in enrollment order

	allowedUserKeys       set.Set[string]
	lockedAllowedUserKeys set.Set[string]
	blockedUserKeys       set.Set[string]

	adminUserKeys set.Set[string]
	hostUserKey   string

	policies Policies

	screenShareProducerID string

	handRaisedOrder *list.List // userId strings, raise order
	handRaisedByID  map[string]*list.Element

	displayNamesByUserKey map[string]string
	pendingDisconnects    set.Set[string] // userIds scheduled for teardown

	chatHistory *list.List

	fanout  Fanout
	media   media.Provider
	onEmpty func(channelID string)

	createdAt time.Time
	closed    bool
}

// New creates a room. onEmpty fires (on its own goroutine) when the last
// participant leaves, letting the registry schedule cleanup.
func New(clientID, roomID string, fanout Fanout, provider media.Provider, onEmpty func(channelID string)) *Room {
	return &Room{
		ID:        roomID,
		ClientID:  clientID,
		channelID: ChannelID(clientID, roomID),

		clients:        make(map[string]*Participant),
		admissionOrder: list.New(),
		userKeysByID:   make(map[string]string),

		pending:      make(map[string]*PendingEntry),
		pendingOrder: list.New(),

		allowedUserKeys:       set.New[string](),
		lockedAllowedUserKeys: set.New[string](),
		blockedUserKeys:       set.New[string](),
		adminUserKeys:         set.New[string](),

		handRaisedOrder: list.New(),
		handRaisedByID:  make(map[string]*list.Element),

		displayNamesByUserKey: make(map[string]string),
		pendingDisconnects:    set.New[string](),

		chatHistory: list.New(),

		fanout:  fanout,
		media:   provider,
		onEmpty: onEmpty,

		createdAt: time.Now(),
	}
}

// ChannelID returns the process-global room key.
func (r *Room) ChannelID() string {
	return r.channelID
}

// IsEmpty reports whether the room has no participants.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) == 0
}

// ParticipantCount returns the number of admitted sessions.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// PendingCount returns the waiting-room depth.
func (r *Room) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Policies returns a copy of the current policy flags.
func (r *Room) Policies() Policies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies
}

// HostUserKey returns the current host identity.
func (r *Room) HostUserKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostUserKey
}

// IsAdminKey reports whether the identity holds the admin role here.
func (r *Room) IsAdminKey(userKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adminUserKeys.Has(userKey)
}

// IsActiveAdmin reports whether the session is admitted and its identity is
// an administrator. Rechecked per admin socket event so mid-session demotion
// takes effect immediately.
func (r *Room) IsActiveAdmin(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.userKeysByID[userID]
	return ok && r.adminUserKeys.Has(key)
}

// ParticipantByID returns the participant for a session, or nil.
func (r *Room) ParticipantByID(userID string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[userID]
}

// participantsByKey collects every live session of one identity.
// Caller must hold r.mu.
func (r *Room) participantsByKey(userKey string) []*Participant {
	var out []*Participant
	for id, key := range r.userKeysByID {
		if key == userKey {
			if p := r.clients[id]; p != nil {
				out = append(out, p)
			}
		}
	}
	return out
}

// Close tears the room down: every producer and transport is closed, every
// socket disconnected, and the channel emptied. Idempotent.
func (r *Room) Close(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	logging.Info(ctx, "Closing room", zap.String("channelId", r.channelID), zap.String("reason", reason))

	var targets []*Participant
	for _, p := range r.clients {
		targets = append(targets, p)
	}
	var waiting []*PendingEntry
	for _, e := range r.pending {
		waiting = append(waiting, e)
	}
	r.mu.Unlock()

	r.fanout.SendToChannel(r.channelID, events.EventRoomEnded, events.RoomEndedPayload{Reason: reason})

	for _, p := range targets {
		r.closeParticipantMedia(ctx, p)
		if p.Socket != nil {
			p.Socket.Disconnect(true)
		}
	}
	for _, e := range waiting {
		if e.Socket != nil {
			e.Socket.Send(events.EventRoomEnded, events.RoomEndedPayload{Reason: reason})
			e.Socket.Disconnect(true)
		}
	}

	r.mu.Lock()
	r.clients = make(map[string]*Participant)
	r.userKeysByID = make(map[string]string)
	r.admissionOrder = list.New()
	r.pending = make(map[string]*PendingEntry)
	r.pendingOrder = list.New()
	r.mu.Unlock()

	r.fanout.DisconnectChannel(r.channelID)
	metrics.RoomParticipants.DeleteLabelValues(r.channelID)
	metrics.PendingUsers.DeleteLabelValues(r.channelID)
}

// closeParticipantMedia closes the participant's transports via the media
// core. Errors are logged; a close racing a media-plane close is a no-op.
func (r *Room) closeParticipantMedia(ctx context.Context, p *Participant) {
	if r.media == nil {
		return
	}
	if p.ProducerTransport != nil {
		if err := r.media.CloseTransport(ctx, r.channelID, p.ProducerTransport.ID); err != nil {
			logging.Warn(ctx, "Failed to close producer transport",
				zap.String("userId", p.UserID), zap.Error(err))
		}
	}
	if p.ConsumerTransport != nil {
		if err := r.media.CloseTransport(ctx, r.channelID, p.ConsumerTransport.ID); err != nil {
			logging.Warn(ctx, "Failed to close consumer transport",
				zap.String("userId", p.UserID), zap.Error(err))
		}
	}
}

// PendingSockets returns the waiting-room sockets in enrollment order, for
// broadcasts that must reach unadmitted callers too.
func (r *Room) PendingSockets() []events.SocketHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []events.SocketHandle
	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		if s := e.Value.(*PendingEntry).Socket; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// DisconnectAll force-disconnects every participant socket and then every
// waiting socket, returning the number of sockets cut. Room state is left in
// place; the drain path tears the process down afterwards.
func (r *Room) DisconnectAll(ctx context.Context) int {
	r.mu.RLock()
	var sockets []events.SocketHandle
	for _, p := range r.clients {
		if p.Socket != nil {
			sockets = append(sockets, p.Socket)
		}
	}
	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		if s := e.Value.(*PendingEntry).Socket; s != nil {
			sockets = append(sockets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range sockets {
		s.Disconnect(true)
	}
	logging.Info(ctx, "Disconnected all sockets",
		zap.String("channelId", r.channelID), zap.Int("count", len(sockets)))
	return len(sockets)
}

// notifyEmptyLocked schedules the onEmpty callback when the last participant
// left. Runs on its own goroutine to avoid lock-ordering with the registry.
// Caller must hold r.mu.
func (r *Room) notifyEmptyLocked() {
	if len(r.clients) != 0 || r.onEmpty == nil || r.closed {
		return
	}
	go r.onEmpty(r.channelID)
}
