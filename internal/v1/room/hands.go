package room

import (
	"container/list"

	"github.com/ACM-VIT/conclave/internal/v1/events"
)

// RaiseHand records a raised hand for the session in raise order and
// broadcasts the new snapshot. Raising twice is a no-op.
func (r *Room) RaiseHand(userID string) bool {
	r.mu.Lock()
	if r.clients[userID] == nil {
		r.mu.Unlock()
		return false
	}
	if _, up := r.handRaisedByID[userID]; up {
		r.mu.Unlock()
		return false
	}
	r.handRaisedByID[userID] = r.handRaisedOrder.PushBack(userID)
	r.mu.Unlock()

	r.broadcastHandSnapshot()
	return true
}

// LowerHand removes the session's raised hand.
func (r *Room) LowerHand(userID string) bool {
	r.mu.Lock()
	changed := r.lowerHandLocked(userID)
	r.mu.Unlock()

	if changed {
		r.broadcastHandSnapshot()
	}
	return changed
}

// lowerHandLocked unlinks one raised hand. Caller must hold r.mu.
func (r *Room) lowerHandLocked(userID string) bool {
	e, ok := r.handRaisedByID[userID]
	if !ok {
		return false
	}
	r.handRaisedOrder.Remove(e)
	delete(r.handRaisedByID, userID)
	return true
}

// ClearHands lowers every raised hand, the host's included, and tells the
// room both that hands changed and that an admin cleared them.
func (r *Room) ClearHands() int {
	r.mu.Lock()
	n := r.handRaisedOrder.Len()
	if n == 0 {
		r.mu.Unlock()
		return 0
	}
	r.handRaisedOrder.Init()
	r.handRaisedByID = make(map[string]*list.Element)
	r.mu.Unlock()

	r.broadcastHandSnapshot()
	r.fanout.SendToChannel(r.channelID, events.EventAdminHandsCleared, nil)
	return n
}

// RaisedHands returns the raised userIds in raise order.
func (r *Room) RaisedHands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.handRaisedOrder.Len())
	for e := r.handRaisedOrder.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (r *Room) broadcastHandSnapshot() {
	r.fanout.SendToChannel(r.channelID, events.EventHandRaisedSnapshot, events.HandRaisedSnapshotPayload{
		UserIDs: r.RaisedHands(),
	})
}
