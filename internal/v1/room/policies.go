package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
)

// SetPolicies applies the fields present in the update and emits one change
// event per flag that actually flipped. Locking the room grandfathers every
// current participant into the lock exemption list; unlocking auto-admits
// the pending entries whose identity is on the allow list.
func (r *Room) SetPolicies(ctx context.Context, update PolicyUpdate, by string) Policies {
	type change struct {
		event   string
		enabled bool
	}
	var changes []change
	var autoAdmit []string

	r.mu.Lock()

	apply := func(field *bool, v *bool, event string) {
		if v == nil || *field == *v {
			return
		}
		*field = *v
		if event != "" {
			changes = append(changes, change{event: event, enabled: *v})
		}
	}

	prevLocked := r.policies.Locked
	apply(&r.policies.Locked, update.Locked, events.EventRoomLockChanged)
	apply(&r.policies.ChatLocked, update.ChatLocked, events.EventChatLockChanged)
	apply(&r.policies.NoGuests, update.NoGuests, events.EventNoGuestsChanged)
	apply(&r.policies.TTSDisabled, update.TTSDisabled, events.EventTTSDisabledChanged)
	apply(&r.policies.DMEnabled, update.DMEnabled, events.EventDMStateChanged)
	apply(&r.policies.RequiresMeetingInviteCode, update.RequiresMeetingInviteCode, "")

	if !prevLocked && r.policies.Locked {
		for _, p := range r.clients {
			r.lockedAllowedUserKeys.Insert(p.UserKey)
		}
	}
	if prevLocked && !r.policies.Locked {
		for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*PendingEntry)
			if r.allowedUserKeys.Has(entry.UserKey) {
				autoAdmit = append(autoAdmit, entry.UserKey)
			}
		}
	}

	result := r.policies
	r.mu.Unlock()

	for _, c := range changes {
		r.fanout.SendToChannel(r.channelID, c.event, events.PolicyChangedPayload{
			Enabled: c.enabled,
			By:      by,
		})
	}
	for _, key := range autoAdmit {
		if err := r.AdmitPending(ctx, key); err != nil {
			logging.Warn(ctx, "Auto-admit after unlock failed",
				zap.String("channelId", r.channelID), zap.Error(err))
		}
	}

	if len(changes) > 0 {
		logging.Info(ctx, "Room policies updated",
			zap.String("channelId", r.channelID),
			zap.Int("changed", len(changes)),
			zap.String("by", by))
	}
	return result
}
