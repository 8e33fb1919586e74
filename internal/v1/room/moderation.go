package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/identity"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
)

// ProducerSelector filters producers by kind and stream type. Nil slices
// match everything.
type ProducerSelector struct {
	Kinds []media.Kind       `json:"kinds,omitempty"`
	Types []media.StreamType `json:"types,omitempty"`
}

func (s ProducerSelector) matches(key ProducerKey) bool {
	if len(s.Kinds) > 0 {
		ok := false
		for _, k := range s.Kinds {
			if k == key.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == key.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// BulkCloseOptions gates which participant classes a bulk close touches.
// Admins are exempt unless IncludeAdmins is set explicitly.
type BulkCloseOptions struct {
	IncludeAdmins    bool `json:"includeAdmins"`
	IncludeGhosts    bool `json:"includeGhosts"`
	IncludeAttendees bool `json:"includeAttendees"`
}

// ClosedProducer reports one producer removed by a moderation action.
type ClosedProducer struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	Type       string `json:"type"`
}

// CloseProducerByID finds the producer's owner, removes the entry, and closes
// it in the media core. Peers (minus the owner and watch-only attendees) get
// producerClosed, admins get the admin variant, and the owner gets a
// mediaEnforced notice. A producer the room no longer knows reports
// closed=false rather than an error; the media plane may have beaten us.
func (r *Room) CloseProducerByID(ctx context.Context, producerID, reason string) (ClosedProducer, bool) {
	r.mu.Lock()
	var owner *Participant
	var key ProducerKey
	for _, p := range r.clients {
		for k, ref := range p.Producers {
			if ref.ID == producerID {
				owner, key = p, k
				break
			}
		}
		if owner != nil {
			break
		}
	}
	if owner == nil {
		r.mu.Unlock()
		return ClosedProducer{}, false
	}

	delete(owner.Producers, key)
	if r.screenShareProducerID == producerID {
		r.screenShareProducerID = ""
	}
	r.mu.Unlock()

	if r.media != nil {
		if err := r.media.CloseProducer(ctx, r.channelID, producerID); err != nil {
			logging.Warn(ctx, "Media core producer close failed",
				zap.String("producerId", producerID), zap.Error(err))
		}
	}

	closed := ClosedProducer{
		ProducerID: producerID,
		UserID:     owner.UserID,
		Kind:       string(key.Kind),
		Type:       string(key.Type),
	}
	payload := events.ProducerClosedPayload{
		ProducerID: closed.ProducerID,
		UserID:     closed.UserID,
		Kind:       closed.Kind,
		Type:       closed.Type,
		Reason:     reason,
	}

	r.sendToPeers(payload, owner.UserID)
	r.fanout.SendToChannel(r.channelID, events.EventAdminProducerClosed, payload)
	if owner.Socket != nil {
		owner.Socket.Send(events.EventMediaEnforced, events.MediaEnforcedPayload{
			Reason:    reason,
			Producers: []events.ProducerClosedPayload{payload},
		})
	}
	return closed, true
}

// sendToPeers delivers producerClosed to every participant except the owner
// and webinar attendees, who never consume moderation state.
func (r *Room) sendToPeers(payload events.ProducerClosedPayload, ownerID string) {
	r.mu.RLock()
	var sockets []events.SocketHandle
	for _, p := range r.clients {
		if p.UserID == ownerID || p.Mode == ModeAttendee || p.Socket == nil {
			continue
		}
		sockets = append(sockets, p.Socket)
	}
	r.mu.RUnlock()

	for _, s := range sockets {
		s.Send(events.EventProducerClosed, payload)
	}
}

// CloseClientProducers closes every producer of one session matching the
// selector, sends the owner a single aggregate mediaEnforced, and announces
// the enforcement to the channel on the admin variant.
func (r *Room) CloseClientProducers(ctx context.Context, userID string, sel ProducerSelector, reason string) ([]ClosedProducer, error) {
	return r.closeClientProducers(ctx, userID, sel, reason, true)
}

// closeClientProducers is the shared sweep. announceAdmin is off on the bulk
// path, which emits one room-wide aggregate instead of one per target.
func (r *Room) closeClientProducers(ctx context.Context, userID string, sel ProducerSelector, reason string, announceAdmin bool) ([]ClosedProducer, error) {
	r.mu.RLock()
	p := r.clients[userID]
	if p == nil {
		r.mu.RUnlock()
		return nil, ErrParticipantNotFound
	}
	var ids []string
	for k, ref := range p.Producers {
		if sel.matches(k) {
			ids = append(ids, ref.ID)
		}
	}
	socket := p.Socket
	r.mu.RUnlock()

	var closed []ClosedProducer
	var payloads []events.ProducerClosedPayload
	for _, id := range ids {
		if c, ok := r.closeProducerQuiet(ctx, id, reason); ok {
			closed = append(closed, c)
			payloads = append(payloads, events.ProducerClosedPayload{
				ProducerID: c.ProducerID,
				UserID:     c.UserID,
				Kind:       c.Kind,
				Type:       c.Type,
				Reason:     reason,
			})
		}
	}

	if len(closed) > 0 {
		if socket != nil {
			socket.Send(events.EventMediaEnforced, events.MediaEnforcedPayload{
				Reason:    reason,
				Producers: payloads,
			})
		}
		if announceAdmin {
			r.fanout.SendToChannel(r.channelID, events.EventAdminMediaEnforced, events.MediaEnforcedPayload{
				Reason:    reason,
				Producers: payloads,
			})
		}
	}
	return closed, nil
}

// closeProducerQuiet removes and closes one producer, notifying peers and
// admins but not the owner. Used by the aggregate paths so the owner gets a
// single mediaEnforced instead of one per producer.
func (r *Room) closeProducerQuiet(ctx context.Context, producerID, reason string) (ClosedProducer, bool) {
	r.mu.Lock()
	var owner *Participant
	var key ProducerKey
	for _, p := range r.clients {
		for k, ref := range p.Producers {
			if ref.ID == producerID {
				owner, key = p, k
				break
			}
		}
		if owner != nil {
			break
		}
	}
	if owner == nil {
		r.mu.Unlock()
		return ClosedProducer{}, false
	}
	delete(owner.Producers, key)
	if r.screenShareProducerID == producerID {
		r.screenShareProducerID = ""
	}
	r.mu.Unlock()

	if r.media != nil {
		if err := r.media.CloseProducer(ctx, r.channelID, producerID); err != nil {
			logging.Warn(ctx, "Media core producer close failed",
				zap.String("producerId", producerID), zap.Error(err))
		}
	}

	payload := events.ProducerClosedPayload{
		ProducerID: producerID,
		UserID:     owner.UserID,
		Kind:       string(key.Kind),
		Type:       string(key.Type),
		Reason:     reason,
	}
	r.sendToPeers(payload, owner.UserID)
	r.fanout.SendToChannel(r.channelID, events.EventAdminProducerClosed, payload)

	return ClosedProducer{
		ProducerID: producerID,
		UserID:     owner.UserID,
		Kind:       string(key.Kind),
		Type:       string(key.Type),
	}, true
}

// BulkClose applies the selector across every participant the options admit
// and emits one room-wide admin:bulkMediaEnforced when anything was closed.
func (r *Room) BulkClose(ctx context.Context, sel ProducerSelector, opts BulkCloseOptions, reason string) []ClosedProducer {
	r.mu.RLock()
	var targets []string
	for _, p := range r.clients {
		switch {
		case !opts.IncludeAdmins && r.adminUserKeys.Has(p.UserKey):
			continue
		case !opts.IncludeGhosts && p.Mode == ModeGhost:
			continue
		case !opts.IncludeAttendees && p.Mode == ModeAttendee:
			continue
		}
		targets = append(targets, p.UserID)
	}
	r.mu.RUnlock()

	var all []ClosedProducer
	touched := make(map[string]struct{})
	for _, id := range targets {
		closed, err := r.closeClientProducers(ctx, id, sel, reason, false)
		if err != nil {
			continue // target left mid-sweep
		}
		for _, c := range closed {
			all = append(all, c)
			touched[c.UserID] = struct{}{}
		}
	}

	if len(all) > 0 {
		ids := make([]string, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		r.fanout.SendToChannel(r.channelID, events.EventAdminBulkMediaEnforce, events.BulkMediaEnforcedPayload{
			Reason:      reason,
			ClosedCount: len(all),
			UserIDs:     ids,
		})
	}
	return all
}

// KickParticipant removes one session: kicked lands on its socket first, then
// the socket is disconnected and the participant torn down. Access lists are
// untouched; the identity may rejoin. Self-kick is a validation error.
func (r *Room) KickParticipant(ctx context.Context, userID, byUserID, reason string) error {
	if byUserID != "" && byUserID == userID {
		return ErrSelfTarget
	}

	r.mu.RLock()
	p := r.clients[userID]
	r.mu.RUnlock()
	if p == nil {
		return ErrParticipantNotFound
	}

	if p.Socket != nil {
		p.Socket.Send(events.EventKicked, events.KickedPayload{Reason: reason})
	}
	r.RemoveParticipant(ctx, userID, "kicked")
	if p.Socket != nil {
		p.Socket.Disconnect(false)
	}
	return nil
}

// PromoteToAdmin grants the session's identity the admin role.
func (r *Room) PromoteToAdmin(userID string) (bool, error) {
	r.mu.Lock()
	p := r.clients[userID]
	if p == nil {
		r.mu.Unlock()
		return false, ErrParticipantNotFound
	}
	if !p.Mode.CanBeAdmin() {
		r.mu.Unlock()
		return false, ErrNotEligible
	}
	if r.adminUserKeys.Has(p.UserKey) {
		r.mu.Unlock()
		return false, nil
	}
	r.adminUserKeys.Insert(p.UserKey)
	r.mu.Unlock()

	r.broadcastAdminUsersChanged()
	return true, nil
}

// DemoteAdmin revokes the admin role from an identity. The host cannot be
// demoted; transfer host first.
func (r *Room) DemoteAdmin(userKey string) (bool, error) {
	r.mu.Lock()
	if userKey == r.hostUserKey {
		r.mu.Unlock()
		return false, ErrNotEligible
	}
	if !r.adminUserKeys.Has(userKey) {
		r.mu.Unlock()
		return false, nil
	}
	r.adminUserKeys.Delete(userKey)
	r.mu.Unlock()

	r.broadcastAdminUsersChanged()
	return true, nil
}

// TransferHost hands the host role to another admitted session. Ghosts and
// attendees are ineligible. The new host is promoted to admin if needed; the
// prior host keeps the admin role. The lock exemption list is untouched.
func (r *Room) TransferHost(ctx context.Context, toUserID string) error {
	r.mu.Lock()
	p := r.clients[toUserID]
	if p == nil {
		r.mu.Unlock()
		return ErrParticipantNotFound
	}
	if !p.Mode.CanBeAdmin() {
		r.mu.Unlock()
		return ErrNotEligible
	}
	r.adminUserKeys.Insert(p.UserKey)
	r.hostUserKey = p.UserKey
	r.mu.Unlock()

	r.fanout.SendToChannel(r.channelID, events.EventHostChanged, events.HostChangedPayload{
		HostUserID:  toUserID,
		HostUserKey: p.UserKey,
	})
	r.broadcastAdminUsersChanged()

	logging.Info(ctx, "Host transferred",
		zap.String("channelId", r.channelID),
		zap.String("hostUserKey", logging.RedactEmail(p.UserKey)))
	return nil
}

// RemoveNonAdmins kicks every session whose identity lacks the admin role.
// Ghosts and watch-only attendees are skipped unless their flag is set.
// Returns the kicked userIds.
func (r *Room) RemoveNonAdmins(ctx context.Context, reason string, includeGhosts, includeAttendees bool) []string {
	r.mu.RLock()
	var targets []string
	for id, p := range r.clients {
		if r.adminUserKeys.Has(p.UserKey) {
			continue
		}
		if p.Mode == ModeGhost && !includeGhosts {
			continue
		}
		if p.Mode == ModeAttendee && !includeAttendees {
			continue
		}
		targets = append(targets, id)
	}
	r.mu.RUnlock()

	var kicked []string
	for _, id := range targets {
		if err := r.KickParticipant(ctx, id, "", reason); err == nil {
			kicked = append(kicked, id)
		}
	}
	return kicked
}

// SendNotice broadcasts an adminNotice to the room.
func (r *Room) SendNotice(notice, from string) {
	r.fanout.SendToChannel(r.channelID, events.EventAdminNotice, events.AdminNoticePayload{
		Notice: notice,
		From:   from,
	})
}

// HandleMediaClose absorbs close notifications pushed by the media core.
// Producer closes from the core skip the media call-back (already closed
// there) but still clean room state and notify peers.
func (r *Room) HandleMediaClose(ctx context.Context, ev media.CloseEvent) {
	switch ev.Kind {
	case media.CloseProducer:
		r.mu.Lock()
		var owner *Participant
		var key ProducerKey
		for _, p := range r.clients {
			for k, ref := range p.Producers {
				if ref.ID == ev.ProducerID {
					owner, key = p, k
					break
				}
			}
			if owner != nil {
				break
			}
		}
		if owner == nil {
			r.mu.Unlock()
			return
		}
		delete(owner.Producers, key)
		if r.screenShareProducerID == ev.ProducerID {
			r.screenShareProducerID = ""
		}
		r.mu.Unlock()

		r.sendToPeers(events.ProducerClosedPayload{
			ProducerID: ev.ProducerID,
			UserID:     owner.UserID,
			Kind:       string(key.Kind),
			Type:       string(key.Type),
			Reason:     string(media.CloseProducer),
		}, owner.UserID)

	case media.CloseRouter:
		r.Close(ctx, "router closed")
	}
}

// UserIDsForKey returns the live sessions of one identity.
func (r *Room) UserIDsForKey(userKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, key := range r.userKeysByID {
		if key == userKey {
			out = append(out, id)
		}
	}
	return out
}

// KeyForUserID resolves a session back to its identity.
func (r *Room) KeyForUserID(userID string) (string, bool) {
	if k, ok := r.lookupKey(userID); ok {
		return k, true
	}
	// Tolerate callers that hand us a bare userKey.
	key, _ := identity.SplitUserID(userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.userKeysByID {
		if k == key {
			return k, true
		}
	}
	return "", false
}
