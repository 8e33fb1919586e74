package room

import "github.com/ACM-VIT/conclave/internal/v1/events"

// AppendChat records one broadcast chat message, dropping the oldest entry
// past the retention bound. DMs are never retained.
func (r *Room) AppendChat(msg events.ChatMessagePayload) {
	if msg.Private {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatHistory.PushBack(msg)
	for r.chatHistory.Len() > maxChatHistoryLength {
		r.chatHistory.Remove(r.chatHistory.Front())
	}
}

// ChatHistory returns the retained broadcast messages, oldest first.
func (r *Room) ChatHistory() []events.ChatMessagePayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.ChatMessagePayload, 0, r.chatHistory.Len())
	for e := r.chatHistory.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(events.ChatMessagePayload))
	}
	return out
}

// Mute flags (advisory; enforcement happens by closing producers).

// SetMuted updates a session's advisory mute flag.
func (r *Room) SetMuted(userID string, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.clients[userID]
	if p == nil || p.IsMuted == muted {
		return false
	}
	p.IsMuted = muted
	return true
}

// SetCameraOff updates a session's advisory camera flag.
func (r *Room) SetCameraOff(userID string, off bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.clients[userID]
	if p == nil || p.IsCameraOff == off {
		return false
	}
	p.IsCameraOff = off
	return true
}
