// Package registry owns the process-global room table and the drain flag.
// Rooms are keyed by channelId; the registry guard is held only for
// get/create/remove, never across room mutations.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// cleanupGracePeriod is how long an empty room lingers before teardown, so a
// brief reconnect doesn't destroy state.
const cleanupGracePeriod = 20 * time.Second

// ErrRoomNotFound is returned when no room matches a lookup.
var ErrRoomNotFound = errors.New("room not found")

// ErrAmbiguousRoom is returned by ResolveByRoomID when more than one tenant
// owns a room with the requested id and no clientId narrowed the lookup.
type ErrAmbiguousRoom struct {
	RoomID     string
	Candidates []string
}

func (e *ErrAmbiguousRoom) Error() string {
	return "Room ID is ambiguous across tenants: " + e.RoomID +
		" (candidates: " + strings.Join(e.Candidates, ", ") + ")"
}

// Registry tracks live rooms and pending cleanup timers.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room.Room // channelId → room
	timers map[string]*time.Timer

	fanout room.Fanout
	media  media.Provider

	// onRoomCreated/onRoomClosed let dependents (transcription, minutes,
	// bus subscriptions) attach and release per-channel state.
	onRoomCreated []func(channelID string)
	onRoomClosed  []func(channelID string)

	draining bool
	drainMu  sync.RWMutex

	instanceID string
	version    string
	startedAt  time.Time
}

// New creates an empty registry.
func New(fanout room.Fanout, provider media.Provider, instanceID, version string) *Registry {
	return &Registry{
		rooms:      make(map[string]*room.Room),
		timers:     make(map[string]*time.Timer),
		fanout:     fanout,
		media:      provider,
		instanceID: instanceID,
		version:    version,
		startedAt:  time.Now(),
	}
}

// OnRoomCreated registers a creation hook. Not safe to call after serving
// starts; wire hooks during startup.
func (r *Registry) OnRoomCreated(fn func(channelID string)) {
	r.onRoomCreated = append(r.onRoomCreated, fn)
}

// OnRoomClosed registers a teardown hook. Not safe to call after serving
// starts; wire hooks during startup.
func (r *Registry) OnRoomClosed(fn func(channelID string)) {
	r.onRoomClosed = append(r.onRoomClosed, fn)
}

// Get returns the room for a channelId, or nil.
func (r *Registry) Get(channelID string) *room.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[channelID]
}

// CreateIfAbsent returns the existing room or creates one. A pending cleanup
// timer for the channel is cancelled, since the room is live again.
func (r *Registry) CreateIfAbsent(clientID, roomID string) *room.Room {
	channelID := room.ChannelID(clientID, roomID)

	r.mu.Lock()
	if t, ok := r.timers[channelID]; ok {
		t.Stop()
		delete(r.timers, channelID)
	}
	if rm, ok := r.rooms[channelID]; ok {
		r.mu.Unlock()
		return rm
	}

	rm := room.New(clientID, roomID, r.fanout, r.media, r.scheduleCleanup)
	r.rooms[channelID] = rm
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()

	// Hooks run outside the guard so they may call back into the registry.
	for _, fn := range r.onRoomCreated {
		fn(channelID)
	}

	logging.Info(context.Background(), "Room created", zap.String("channelId", channelID))
	return rm
}

// ListByClientID returns the tenant's rooms.
func (r *Registry) ListByClientID(clientID string) []*room.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*room.Room
	for _, rm := range r.rooms {
		if rm.ClientID == clientID {
			out = append(out, rm)
		}
	}
	return out
}

// All returns every live room.
func (r *Registry) All() []*room.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

// ResolveByRoomID finds a room by its tenant-scoped id. With a clientId the
// lookup is exact; without one, a single owner resolves and multiple owners
// return ErrAmbiguousRoom listing candidate channel ids.
func (r *Registry) ResolveByRoomID(roomID, clientID string) (*room.Room, error) {
	if clientID != "" {
		rm := r.Get(room.ChannelID(clientID, roomID))
		if rm == nil {
			return nil, ErrRoomNotFound
		}
		return rm, nil
	}

	r.mu.RLock()
	var matches []*room.Room
	for _, rm := range r.rooms {
		if rm.ID == roomID {
			matches = append(matches, rm)
		}
	}
	r.mu.RUnlock()

	switch len(matches) {
	case 0:
		return nil, ErrRoomNotFound
	case 1:
		return matches[0], nil
	default:
		candidates := make([]string, len(matches))
		for i, rm := range matches {
			candidates[i] = rm.ChannelID()
		}
		// Deterministic ordering for API payloads.
		sort.Strings(candidates)
		return nil, &ErrAmbiguousRoom{RoomID: roomID, Candidates: candidates}
	}
}

// ForceClose tears a room down and removes it. Idempotent.
func (r *Registry) ForceClose(ctx context.Context, channelID, reason string) bool {
	r.mu.Lock()
	rm, ok := r.rooms[channelID]
	if ok {
		delete(r.rooms, channelID)
	}
	if t, tok := r.timers[channelID]; tok {
		t.Stop()
		delete(r.timers, channelID)
	}
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()

	if !ok {
		return false
	}

	rm.Close(ctx, reason)
	for _, fn := range r.onRoomClosed {
		fn(channelID)
	}
	return true
}

// scheduleCleanup arms the grace-period timer when a room empties. A rejoin
// within the window cancels it via CreateIfAbsent.
func (r *Registry) scheduleCleanup(channelID string) {
	r.mu.Lock()
	if t, ok := r.timers[channelID]; ok {
		t.Stop()
	}
	r.timers[channelID] = time.AfterFunc(cleanupGracePeriod, func() {
		rm := r.Get(channelID)
		if rm == nil || !rm.IsEmpty() {
			return
		}
		logging.Info(context.Background(), "Cleaning up empty room", zap.String("channelId", channelID))
		r.ForceClose(context.Background(), channelID, "empty")
	})
	r.mu.Unlock()
}

// SetDraining flips the process-global drain flag and reports the previous
// value.
func (r *Registry) SetDraining(v bool) bool {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	prev := r.draining
	r.draining = v
	return prev
}

// IsDraining reports the drain flag.
func (r *Registry) IsDraining() bool {
	r.drainMu.RLock()
	defer r.drainMu.RUnlock()
	return r.draining
}

// Overview is the cluster status surface for the operator API.
type Overview struct {
	InstanceID       string `json:"instanceId"`
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Draining         bool   `json:"draining"`
	RoomCount        int    `json:"roomCount"`
	ParticipantCount int    `json:"participantCount"`
	PendingCount     int    `json:"pendingCount"`
}

// Snapshot builds the overview under short read guards.
func (r *Registry) Snapshot() Overview {
	rooms := r.All()
	ov := Overview{
		InstanceID:    r.instanceID,
		Version:       r.version,
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
		Draining:      r.IsDraining(),
		RoomCount:     len(rooms),
	}
	for _, rm := range rooms {
		ov.ParticipantCount += rm.ParticipantCount()
		ov.PendingCount += rm.PendingCount()
	}
	return ov
}
