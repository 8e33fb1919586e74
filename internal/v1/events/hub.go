package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/logging"
)

// BusPublisher is the optional cross-instance bridge. When non-nil, every
// channel broadcast is also published so peers on other instances receive it.
type BusPublisher interface {
	Publish(ctx context.Context, channelID string, event string, payload any, senderID string) error
}

// Hub groups socket handles into logical broadcast channels keyed by
// channelId. Rooms attach handles on admission and detach them on removal;
// waiting-room sockets are not attached, they are reached individually
// through the room's pending entries.
//
// Ordering: Attach/Detach/SendToChannel serialize on the hub mutex, so events
// emitted by one logical operation are enqueued per-socket in emission order.
// Delivery itself is best-effort via the handle's buffered send path.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]SocketHandle
	bus      BusPublisher

	// instanceID is stamped on every bus publish so the subscribe path can
	// drop this instance's own messages instead of delivering them twice.
	instanceID string
}

// NewHub creates an empty hub. bus may be nil for single-instance mode;
// instanceID identifies this process on the bus.
func NewHub(bus BusPublisher, instanceID string) *Hub {
	return &Hub{
		channels:   make(map[string]map[string]SocketHandle),
		bus:        bus,
		instanceID: instanceID,
	}
}

// Attach registers a handle under a channel.
func (h *Hub) Attach(channelID string, handle SocketHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.channels[channelID]
	if !ok {
		group = make(map[string]SocketHandle)
		h.channels[channelID] = group
	}
	group[handle.ID()] = handle
}

// Detach removes a handle from a channel. Empty channels are dropped.
func (h *Hub) Detach(channelID string, handleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.channels[channelID]
	if !ok {
		return
	}
	delete(group, handleID)
	if len(group) == 0 {
		delete(h.channels, channelID)
	}
}

// SendToChannel delivers an event to every handle attached to the channel
// and republishes it on the bus for other instances.
func (h *Hub) SendToChannel(channelID string, event string, payload any) {
	h.mu.RLock()
	targets := make([]SocketHandle, 0, len(h.channels[channelID]))
	for _, handle := range h.channels[channelID] {
		targets = append(targets, handle)
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		handle.Send(event, payload)
	}

	if h.bus != nil {
		if err := h.bus.Publish(context.Background(), channelID, event, payload, h.instanceID); err != nil {
			logging.Error(context.Background(), "Bus publish failed",
				zap.String("channelId", channelID), zap.String("event", event), zap.Error(err))
		}
	}
}

// SendToSocket delivers an event to a single handle.
func (h *Hub) SendToSocket(handle SocketHandle, event string, payload any) {
	if handle == nil {
		return
	}
	handle.Send(event, payload)
}

// DisconnectChannel disconnects every handle attached to the channel.
func (h *Hub) DisconnectChannel(channelID string) {
	h.mu.Lock()
	group := h.channels[channelID]
	delete(h.channels, channelID)
	h.mu.Unlock()

	for _, handle := range group {
		handle.Disconnect(true)
	}
}

// ChannelSize reports the number of attached handles, for health and tests.
func (h *Hub) ChannelSize(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// ChannelIDs returns a snapshot of currently populated channels.
func (h *Hub) ChannelIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	return ids
}

// DeliverLocal sends an event to local handles only, skipping the sender.
// Used by the bus subscription path to forward cross-instance events without
// echoing them back.
func (h *Hub) DeliverLocal(channelID string, event string, payload any, excludeID string) {
	h.mu.RLock()
	targets := make([]SocketHandle, 0, len(h.channels[channelID]))
	for id, handle := range h.channels[channelID] {
		if excludeID != "" && id == excludeID {
			continue
		}
		targets = append(targets, handle)
	}
	h.mu.RUnlock()

	for _, handle := range targets {
		handle.Send(event, payload)
	}
}
