package room

import (
	"errors"
	"time"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/media"
)

// Mode is the participation mode a session joined with.
type Mode string

const (
	ModeMeeting  Mode = "meeting"
	ModeGhost    Mode = "ghost"
	ModeAttendee Mode = "webinar_attendee"
	ModeObserver Mode = "observer"
)

// ValidMode reports whether s names a known participation mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeMeeting, ModeGhost, ModeAttendee, ModeObserver:
		return true
	}
	return false
}

// Role is derived from set membership, never stored on the participant.
type Role string

const (
	RoleHost        Role = "host"
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
	RoleGhost       Role = "ghost"
	RoleAttendee    Role = "attendee"
)

// CanBeAdmin reports whether a mode is eligible for the admin role.
// Ghosts and watch-only attendees never are.
func (m Mode) CanBeAdmin() bool {
	return m == ModeMeeting
}

// ProducerKey addresses the single allowed producer per (kind, type) tuple.
type ProducerKey struct {
	Kind media.Kind
	Type media.StreamType
}

// Participant is one live session admitted into a room.
type Participant struct {
	UserID      string
	UserKey     string
	DisplayName string
	Mode        Mode

	Socket events.SocketHandle

	ProducerTransport *media.TransportRef
	ConsumerTransport *media.TransportRef
	Producers         map[ProducerKey]media.ProducerRef
	Consumers         int

	IsMuted     bool
	IsCameraOff bool

	AdmittedAt time.Time
}

// PendingEntry is one waiting-room record, keyed by userKey. A new join
// request from the same identity replaces the previous entry.
type PendingEntry struct {
	UserKey     string
	SessionID   string
	DisplayName string
	Mode        Mode
	Socket      events.SocketHandle
	EnrolledAt  time.Time
}

// Policies are the room's admission and feature gates.
type Policies struct {
	Locked                    bool `json:"locked"`
	ChatLocked                bool `json:"chatLocked"`
	NoGuests                  bool `json:"noGuests"`
	TTSDisabled               bool `json:"ttsDisabled"`
	DMEnabled                 bool `json:"dmEnabled"`
	RequiresMeetingInviteCode bool `json:"requiresMeetingInviteCode"`
}

// PolicyUpdate applies only the fields that are present.
type PolicyUpdate struct {
	Locked                    *bool `json:"locked,omitempty"`
	ChatLocked                *bool `json:"chatLocked,omitempty"`
	NoGuests                  *bool `json:"noGuests,omitempty"`
	TTSDisabled               *bool `json:"ttsDisabled,omitempty"`
	DMEnabled                 *bool `json:"dmEnabled,omitempty"`
	RequiresMeetingInviteCode *bool `json:"requiresMeetingInviteCode,omitempty"`
}

// JoinRequest is the admission engine's input.
type JoinRequest struct {
	UserKey        string
	SessionID      string
	DisplayName    string
	Mode           Mode
	IsAdminByToken bool
	Socket         events.SocketHandle
}

// JoinStatus is the immediate outcome of a join request.
type JoinStatus string

const (
	StatusJoined   JoinStatus = "joined"
	StatusWaiting  JoinStatus = "waiting"
	StatusRejected JoinStatus = "rejected"
)

// JoinResult reports how a join request was resolved.
type JoinResult struct {
	Status      JoinStatus
	Reason      string
	Participant *Participant
}

// Rejection reasons surfaced to callers.
const (
	RejectReasonBlocked        = "blocked"
	RejectReasonGuestsDisabled = "guests_disabled"
	RejectReasonDraining       = "draining"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrPendingNotFound     = errors.New("pending entry not found")
	ErrNotEligible         = errors.New("participant not eligible")
	ErrSelfTarget          = errors.New("cannot target yourself")
	ErrRoomClosed          = errors.New("room is closed")
)

// ChannelID composes the process-global room key.
func ChannelID(clientID, roomID string) string {
	return clientID + ":" + roomID
}
