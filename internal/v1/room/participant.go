package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/identity"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
)

// installParticipantLocked inserts an admitted session into the room and
// attaches its socket to the broadcast channel. Caller must hold r.mu.
func (r *Room) installParticipantLocked(req JoinRequest, asAdmin bool) *Participant {
	userID := identity.ComposeUserID(req.UserKey, req.SessionID)

	p := &Participant{
		UserID:      userID,
		UserKey:     req.UserKey,
		DisplayName: req.DisplayName,
		Mode:        req.Mode,
		Socket:      req.Socket,
		Producers:   make(map[ProducerKey]media.ProducerRef),
		AdmittedAt:  time.Now(),
	}

	r.clients[userID] = p
	r.userKeysByID[userID] = req.UserKey
	r.admissionOrder.PushBack(p)
	if req.DisplayName != "" {
		r.displayNamesByUserKey[req.UserKey] = req.DisplayName
	}

	if asAdmin && req.Mode.CanBeAdmin() {
		r.adminUserKeys.Insert(req.UserKey)
		if r.hostUserKey == "" {
			r.hostUserKey = req.UserKey
		}
	}

	if req.Socket != nil {
		r.fanout.Attach(r.channelID, req.Socket)
	}

	metrics.RoomParticipants.WithLabelValues(r.channelID).Set(float64(len(r.clients)))
	return p
}

// RemoveParticipant tears one session down: producers and transports are
// closed, peers get producerClosed for each removed producer, and the session
// leaves the maps. Admin and host role survive removal (identity-scoped)
// unless explicitly demoted.
func (r *Room) RemoveParticipant(ctx context.Context, userID string, reason string) bool {
	r.mu.Lock()
	p := r.clients[userID]
	if p == nil {
		r.mu.Unlock()
		return false
	}

	r.pendingDisconnects.Insert(userID)

	var closed []events.ProducerClosedPayload
	for key, ref := range p.Producers {
		closed = append(closed, events.ProducerClosedPayload{
			ProducerID: ref.ID,
			UserID:     userID,
			Kind:       string(key.Kind),
			Type:       string(key.Type),
			Reason:     reason,
		})
		if ref.ID == r.screenShareProducerID {
			r.screenShareProducerID = ""
		}
	}
	p.Producers = make(map[ProducerKey]media.ProducerRef)

	delete(r.clients, userID)
	delete(r.userKeysByID, userID)
	r.removeFromAdmissionOrderLocked(p)
	r.lowerHandLocked(userID)
	r.pendingDisconnects.Delete(userID)

	count := len(r.clients)
	r.notifyEmptyLocked()
	r.mu.Unlock()

	r.closeParticipantMedia(ctx, p)
	for _, pc := range closed {
		if r.media != nil {
			if err := r.media.CloseProducer(ctx, r.channelID, pc.ProducerID); err != nil {
				logging.Warn(ctx, "Producer close on removal failed",
					zap.String("producerId", pc.ProducerID), zap.Error(err))
			}
		}
		r.fanout.SendToChannel(r.channelID, events.EventProducerClosed, pc)
	}

	if p.Socket != nil {
		r.fanout.Detach(r.channelID, p.Socket.ID())
	}

	if count > 0 {
		metrics.RoomParticipants.WithLabelValues(r.channelID).Set(float64(count))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(r.channelID)
	}

	logging.Info(ctx, "Participant removed",
		zap.String("channelId", r.channelID),
		zap.String("userId", userID),
		zap.String("reason", reason))
	return true
}

// HandleDisconnect is the media/transport callback path for a socket that
// went away on its own.
func (r *Room) HandleDisconnect(ctx context.Context, userID string) {
	r.RemoveParticipant(ctx, userID, "disconnect")
	r.removePendingBySocketOwner(userID)
}

// removePendingBySocketOwner clears a pending entry whose session matches a
// departed socket. The waiting socket owning the entry is gone, so no event
// is sent.
func (r *Room) removePendingBySocketOwner(userID string) {
	userKey, sessionID := identity.SplitUserID(userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[userKey]
	if !ok || entry.SessionID != sessionID {
		return
	}
	r.removePendingLocked(userKey)
}

// removeFromAdmissionOrderLocked unlinks p from the admission list.
// Caller must hold r.mu.
func (r *Room) removeFromAdmissionOrderLocked(p *Participant) {
	for e := r.admissionOrder.Front(); e != nil; e = e.Next() {
		if e.Value.(*Participant) == p {
			r.admissionOrder.Remove(e)
			return
		}
	}
}

// SetDisplayName updates the label for an identity and notifies the room.
func (r *Room) SetDisplayName(userID, name string) bool {
	r.mu.Lock()
	p := r.clients[userID]
	if p == nil || p.DisplayName == name {
		r.mu.Unlock()
		return false
	}
	p.DisplayName = name
	r.displayNamesByUserKey[p.UserKey] = name
	r.mu.Unlock()

	r.fanout.SendToChannel(r.channelID, events.EventDisplayNameUpdated, events.DisplayNameUpdatedPayload{
		UserID:      userID,
		DisplayName: name,
	})
	return true
}

// AttachProducer records a published stream for a participant, enforcing one
// producer per (kind, type). A screen-share video producer claims the room's
// single screen-share slot; a second claim is rejected.
func (r *Room) AttachProducer(userID string, ref media.ProducerRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.clients[userID]
	if p == nil {
		return ErrParticipantNotFound
	}

	key := ProducerKey{Kind: ref.Kind, Type: ref.Type}
	if _, exists := p.Producers[key]; exists {
		return ErrNotEligible
	}
	if ref.Kind == media.KindVideo && ref.Type == media.TypeScreen {
		if r.screenShareProducerID != "" {
			return ErrNotEligible
		}
		r.screenShareProducerID = ref.ID
	}
	p.Producers[key] = ref
	return nil
}

// ScreenShareProducerID returns the room's current screen-share producer id.
func (r *Room) ScreenShareProducerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.screenShareProducerID
}
