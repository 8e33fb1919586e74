package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/logging"
)

// Access-list mutations. Each reports whether the set actually changed, so
// callers can surface idempotent repeats. The lists are independent:
// blocking does not remove an allow entry, and unblocking does not restore
// one. An identity on both lists stays rejected until unblocked.

// AllowUser exempts an identity from the no-guests gate.
func (r *Room) AllowUser(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allowedUserKeys.Has(userKey) {
		return false
	}
	r.allowedUserKeys.Insert(userKey)
	return true
}

// RevokeAllowedUser removes the no-guests exemption.
func (r *Room) RevokeAllowedUser(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allowedUserKeys.Has(userKey) {
		return false
	}
	r.allowedUserKeys.Delete(userKey)
	return true
}

// AllowLockedUser exempts an identity from the lock gate.
func (r *Room) AllowLockedUser(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockedAllowedUserKeys.Has(userKey) {
		return false
	}
	r.lockedAllowedUserKeys.Insert(userKey)
	return true
}

// RevokeLockedAllowedUser removes the lock exemption. Sessions already in the
// room are unaffected; the identity queues on its next join while locked.
func (r *Room) RevokeLockedAllowedUser(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lockedAllowedUserKeys.Has(userKey) {
		return false
	}
	r.lockedAllowedUserKeys.Delete(userKey)
	return true
}

// BlockUser denies the identity unconditionally on future joins. Present
// sessions are untouched; use BlockIdentity for block-with-kick.
func (r *Room) BlockUser(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blockedUserKeys.Has(userKey) {
		return false
	}
	r.blockedUserKeys.Insert(userKey)
	return true
}

// UnblockUser lifts the block. Whatever allow state the identity held before
// the block is not reconstructed; re-allow explicitly if needed.
func (r *Room) UnblockUser(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blockedUserKeys.Has(userKey) {
		return false
	}
	r.blockedUserKeys.Delete(userKey)
	return true
}

// BlockIdentity blocks the identity and, when present, removes every live
// session and pending entry it holds. Returns whether any session was kicked.
func (r *Room) BlockIdentity(ctx context.Context, userKey, byUserID, reason string) (kicked bool, err error) {
	if byUserID != "" {
		if byKey, ok := r.lookupKey(byUserID); ok && byKey == userKey {
			return false, ErrSelfTarget
		}
	}
	if reason == "" {
		reason = RejectReasonBlocked
	}

	r.BlockUser(userKey)

	r.mu.Lock()
	sessions := r.participantsByKey(userKey)
	ids := make([]string, 0, len(sessions))
	for _, p := range sessions {
		ids = append(ids, p.UserID)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if r.KickParticipant(ctx, id, "", reason) == nil {
			kicked = true
		}
	}

	if rmErr := r.RejectPending(ctx, userKey); rmErr == nil {
		logging.Info(ctx, "Blocked identity removed from waiting room",
			zap.String("channelId", r.channelID),
			zap.String("userKey", logging.RedactEmail(userKey)))
	}
	return kicked, nil
}

func (r *Room) lookupKey(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.userKeysByID[userID]
	return k, ok
}

// AccessLists returns sorted copies of the three lists for snapshots.
func (r *Room) AccessLists() (allowed, lockedAllowed, blocked []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowedUserKeys.SortedList(),
		r.lockedAllowedUserKeys.SortedList(),
		r.blockedUserKeys.SortedList()
}
