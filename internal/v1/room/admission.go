package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/identity"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
)

// Join runs the admission decision for one session. The decision order is
// fixed: blocked identities are rejected first (admin tokens override),
// token admins are admitted, a locked room parks non-exempt identities in
// the waiting room, the no-guests gate rejects unknown guests, and everyone
// else is admitted. Duplicate sessions of one identity may coexist.
func (r *Room) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomClosed
	}

	switch {
	case r.blockedUserKeys.Has(req.UserKey) && !req.IsAdminByToken:
		r.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("rejected").Inc()
		logging.Info(ctx, "Join rejected: blocked",
			zap.String("channelId", r.channelID), zap.String("userKey", logging.RedactEmail(req.UserKey)))
		return JoinResult{Status: StatusRejected, Reason: RejectReasonBlocked}, nil

	case req.IsAdminByToken || r.adminUserKeys.Has(req.UserKey):
		p := r.installParticipantLocked(req, true)
		hadPending := r.clearPendingOnAdmitLocked(req, p)
		r.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("admitted").Inc()
		r.broadcastAdminUsersChanged()
		if hadPending {
			r.broadcastPendingSnapshot()
		}
		return JoinResult{Status: StatusJoined, Participant: p}, nil

	case r.policies.Locked && !r.lockedAllowedUserKeys.Has(req.UserKey):
		r.enrollPendingLocked(req)
		r.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("waiting").Inc()
		r.broadcastPendingSnapshot()
		return JoinResult{Status: StatusWaiting}, nil

	case r.policies.NoGuests && identity.IsGuestKey(req.UserKey) && !r.allowedUserKeys.Has(req.UserKey):
		r.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("rejected").Inc()
		return JoinResult{Status: StatusRejected, Reason: RejectReasonGuestsDisabled}, nil

	default:
		p := r.installParticipantLocked(req, false)
		hadPending := r.clearPendingOnAdmitLocked(req, p)
		r.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("admitted").Inc()
		if hadPending {
			r.broadcastPendingSnapshot()
		}
		return JoinResult{Status: StatusJoined, Participant: p}, nil
	}
}

// clearPendingOnAdmitLocked drops a stale waiting-room entry once its identity
// is admitted. An entry held by a different session is told the identity was
// approved; the same session's entry just goes away. Caller must hold r.mu.
func (r *Room) clearPendingOnAdmitLocked(req JoinRequest, p *Participant) bool {
	entry := r.pending[req.UserKey]
	if entry == nil {
		return false
	}
	r.removePendingLocked(req.UserKey)
	if entry.Socket != nil && entry.SessionID != req.SessionID {
		entry.Socket.Send(events.EventJoinApproved, events.UserAdmittedPayload{
			UserID:      p.UserID,
			UserKey:     p.UserKey,
			DisplayName: p.DisplayName,
		})
	}
	return true
}

// enrollPendingLocked adds or replaces a waiting-room entry for the identity.
// A newer session supersedes the older one, which is told so and dropped; a
// retry over the same socket re-enrolls without disconnecting it.
// Caller must hold r.mu.
func (r *Room) enrollPendingLocked(req JoinRequest) {
	if prev, ok := r.pending[req.UserKey]; ok {
		sameSocket := prev.Socket != nil && req.Socket != nil && prev.Socket.ID() == req.Socket.ID()
		if prev.Socket != nil && !sameSocket {
			prev.Socket.Send(events.EventJoinSuperseded, nil)
			prev.Socket.Disconnect(false)
		}
		r.removePendingLocked(req.UserKey)
	}

	entry := &PendingEntry{
		UserKey:     req.UserKey,
		SessionID:   req.SessionID,
		DisplayName: req.DisplayName,
		Mode:        req.Mode,
		Socket:      req.Socket,
		EnrolledAt:  time.Now(),
	}
	r.pending[req.UserKey] = entry
	r.pendingOrder.PushBack(entry)
	metrics.PendingUsers.WithLabelValues(r.channelID).Set(float64(len(r.pending)))
}

// removePendingLocked unlinks one waiting-room entry. Caller must hold r.mu.
func (r *Room) removePendingLocked(userKey string) *PendingEntry {
	entry, ok := r.pending[userKey]
	if !ok {
		return nil
	}
	delete(r.pending, userKey)
	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		if e.Value.(*PendingEntry) == entry {
			r.pendingOrder.Remove(e)
			break
		}
	}
	if len(r.pending) > 0 {
		metrics.PendingUsers.WithLabelValues(r.channelID).Set(float64(len(r.pending)))
	} else {
		metrics.PendingUsers.DeleteLabelValues(r.channelID)
	}
	return entry
}

// AdmitPending approves a waiting identity. The waiting socket gets
// joinApproved and is promoted to a participant; admins get an updated
// waiting-room snapshot and a userAdmitted notice.
func (r *Room) AdmitPending(ctx context.Context, userKey string) error {
	r.mu.Lock()
	entry := r.pending[userKey]
	if entry == nil {
		r.mu.Unlock()
		return ErrPendingNotFound
	}
	r.removePendingLocked(userKey)

	// Admission through the waiting room also exempts the identity from the
	// lock gate, so a reconnect doesn't land it back in the queue.
	r.lockedAllowedUserKeys.Insert(userKey)

	p := r.installParticipantLocked(JoinRequest{
		UserKey:     entry.UserKey,
		SessionID:   entry.SessionID,
		DisplayName: entry.DisplayName,
		Mode:        entry.Mode,
		Socket:      entry.Socket,
	}, false)
	r.mu.Unlock()

	admitted := events.UserAdmittedPayload{
		UserID:      p.UserID,
		UserKey:     p.UserKey,
		DisplayName: p.DisplayName,
	}
	if entry.Socket != nil {
		entry.Socket.Send(events.EventJoinApproved, admitted)
	}
	r.fanout.SendToChannel(r.channelID, events.EventUserAdmitted, admitted)
	r.broadcastPendingSnapshot()

	logging.Info(ctx, "Pending user admitted",
		zap.String("channelId", r.channelID), zap.String("userId", p.UserID))
	return nil
}

// RejectPending denies a waiting identity. The waiting socket gets
// joinRejected and is disconnected.
func (r *Room) RejectPending(ctx context.Context, userKey string) error {
	r.mu.Lock()
	entry := r.removePendingLocked(userKey)
	r.mu.Unlock()

	if entry == nil {
		return ErrPendingNotFound
	}

	if entry.Socket != nil {
		entry.Socket.Send(events.EventJoinRejected, events.UserRejectedPayload{UserKey: userKey})
		entry.Socket.Disconnect(false)
	}
	r.fanout.SendToChannel(r.channelID, events.EventUserRejected, events.UserRejectedPayload{UserKey: userKey})
	r.broadcastPendingSnapshot()

	logging.Info(ctx, "Pending user rejected",
		zap.String("channelId", r.channelID), zap.String("userKey", logging.RedactEmail(userKey)))
	return nil
}

// AdmitAllPending approves every waiting identity in enrollment order and
// returns how many were admitted.
func (r *Room) AdmitAllPending(ctx context.Context) int {
	keys := r.pendingKeysInOrder()
	n := 0
	for _, k := range keys {
		if err := r.AdmitPending(ctx, k); err == nil {
			n++
		}
	}
	return n
}

// RejectAllPending denies every waiting identity and returns the count.
func (r *Room) RejectAllPending(ctx context.Context) int {
	keys := r.pendingKeysInOrder()
	n := 0
	for _, k := range keys {
		if err := r.RejectPending(ctx, k); err == nil {
			n++
		}
	}
	return n
}

func (r *Room) pendingKeysInOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, r.pendingOrder.Len())
	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*PendingEntry).UserKey)
	}
	return keys
}

// broadcastPendingSnapshot sends the full waiting-room state to the channel.
// Admin sockets render it; everyone else ignores the event.
func (r *Room) broadcastPendingSnapshot() {
	r.mu.RLock()
	snap := make([]events.PendingUserInfo, 0, r.pendingOrder.Len())
	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*PendingEntry)
		snap = append(snap, events.PendingUserInfo{
			UserKey:     entry.UserKey,
			DisplayName: entry.DisplayName,
			EnrolledAt:  entry.EnrolledAt.UnixMilli(),
		})
	}
	r.mu.RUnlock()

	r.fanout.SendToChannel(r.channelID, events.EventPendingUsersSnapshot, events.PendingUsersSnapshotPayload{
		Pending: snap,
	})
}

// broadcastAdminUsersChanged announces the current admin identity set.
func (r *Room) broadcastAdminUsersChanged() {
	r.mu.RLock()
	admins := r.adminUserKeys.SortedList()
	host := r.hostUserKey
	r.mu.RUnlock()

	r.fanout.SendToChannel(r.channelID, events.EventAdminUsersChanged, events.AdminUsersChangedPayload{
		AdminUserKeys: admins,
		HostUserKey:   host,
	})
}
