package room

import (
	"github.com/ACM-VIT/conclave/internal/v1/identity"
)

// ParticipantView is one admitted session as rendered in a snapshot.
type ParticipantView struct {
	UserID        string   `json:"userId"`
	UserKey       string   `json:"userKey"`
	DisplayName   string   `json:"displayName"`
	Mode          string   `json:"mode"`
	Role          string   `json:"role"`
	ProducerKinds []string `json:"producerKinds,omitempty"`
	IsMuted       bool     `json:"isMuted"`
	IsCameraOff   bool     `json:"isCameraOff"`
	AdmittedAt    int64    `json:"admittedAt"`
}

// PendingView is one waiting-room entry as rendered in a snapshot.
type PendingView struct {
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
	Mode        string `json:"mode"`
	EnrolledAt  int64  `json:"enrolledAt"`
}

// RoomSnapshot is the deterministic serialization of one room: participants
// in admission order, pending entries in enrollment order, access lists
// sorted, plus policies and counts.
type RoomSnapshot struct {
	RoomID    string `json:"roomId"`
	ClientID  string `json:"clientId"`
	ChannelID string `json:"channelId"`

	Participants []ParticipantView `json:"participants"`
	Pending      []PendingView     `json:"pending"`

	AllowedUserKeys       []string `json:"allowedUserKeys"`
	LockedAllowedUserKeys []string `json:"lockedAllowedUserKeys"`
	BlockedUserKeys       []string `json:"blockedUserKeys"`
	AdminUserKeys         []string `json:"adminUserKeys"`

	HostUserID  string `json:"hostUserId,omitempty"`
	HostUserKey string `json:"hostUserKey,omitempty"`

	Policies Policies `json:"policies"`

	ParticipantCount int      `json:"participantCount"`
	PendingCount     int      `json:"pendingCount"`
	RaisedHands      []string `json:"raisedHands,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// Snapshot renders the room under the read guard.
func (r *Room) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RoomSnapshot{
		RoomID:    r.ID,
		ClientID:  r.ClientID,
		ChannelID: r.channelID,

		Participants: make([]ParticipantView, 0, r.admissionOrder.Len()),
		Pending:      make([]PendingView, 0, r.pendingOrder.Len()),

		AllowedUserKeys:       r.allowedUserKeys.SortedList(),
		LockedAllowedUserKeys: r.lockedAllowedUserKeys.SortedList(),
		BlockedUserKeys:       r.blockedUserKeys.SortedList(),
		AdminUserKeys:         r.adminUserKeys.SortedList(),

		HostUserKey: r.hostUserKey,
		Policies:    r.policies,

		ParticipantCount: len(r.clients),
		PendingCount:     len(r.pending),

		CreatedAt: r.createdAt.UnixMilli(),
	}

	for e := r.admissionOrder.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Participant)
		view := ParticipantView{
			UserID:      p.UserID,
			UserKey:     p.UserKey,
			DisplayName: p.DisplayName,
			Mode:        string(p.Mode),
			Role:        string(r.roleOfLocked(p)),
			IsMuted:     p.IsMuted,
			IsCameraOff: p.IsCameraOff,
			AdmittedAt:  p.AdmittedAt.UnixMilli(),
		}
		for key := range p.Producers {
			view.ProducerKinds = append(view.ProducerKinds, string(key.Kind)+"/"+string(key.Type))
		}
		snap.Participants = append(snap.Participants, view)

		if p.UserKey == r.hostUserKey && snap.HostUserID == "" {
			snap.HostUserID = p.UserID
		}
	}

	for e := r.pendingOrder.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*PendingEntry)
		snap.Pending = append(snap.Pending, PendingView{
			UserKey:     entry.UserKey,
			DisplayName: entry.DisplayName,
			Mode:        string(entry.Mode),
			EnrolledAt:  entry.EnrolledAt.UnixMilli(),
		})
	}

	for e := r.handRaisedOrder.Front(); e != nil; e = e.Next() {
		snap.RaisedHands = append(snap.RaisedHands, e.Value.(string))
	}

	return snap
}

// roleOfLocked derives a participant's role from set membership.
// Caller must hold r.mu.
func (r *Room) roleOfLocked(p *Participant) Role {
	switch {
	case p.Mode == ModeGhost:
		return RoleGhost
	case p.Mode == ModeAttendee:
		return RoleAttendee
	case p.UserKey == r.hostUserKey:
		return RoleHost
	case r.adminUserKeys.Has(p.UserKey):
		return RoleAdmin
	default:
		return RoleParticipant
	}
}

// SummaryView is the compact listing used by the rooms index endpoints.
type SummaryView struct {
	RoomID           string `json:"roomId"`
	ClientID         string `json:"clientId"`
	ChannelID        string `json:"channelId"`
	ParticipantCount int    `json:"participantCount"`
	PendingCount     int    `json:"pendingCount"`
	Locked           bool   `json:"locked"`
	HostUserKey      string `json:"hostUserKey,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}

// Summary renders the compact listing form.
func (r *Room) Summary() SummaryView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return SummaryView{
		RoomID:           r.ID,
		ClientID:         r.ClientID,
		ChannelID:        r.channelID,
		ParticipantCount: len(r.clients),
		PendingCount:     len(r.pending),
		Locked:           r.policies.Locked,
		HostUserKey:      r.hostUserKey,
		CreatedAt:        r.createdAt.UnixMilli(),
	}
}

// DisplayNameForKey returns the last known label for an identity.
func (r *Room) DisplayNameForKey(userKey string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.displayNamesByUserKey[userKey]; ok {
		return name
	}
	return identity.LocalHandle(userKey)
}
