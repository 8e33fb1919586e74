// Package events defines the control plane's typed notification surface and
// the channel hub that fans events out to connected sockets.
package events

// Event names delivered to room channels and individual sockets. The admin:
// family is visible only to room administrators.
const (
	EventProducerClosed        = "producerClosed"
	EventAdminProducerClosed   = "admin:producerClosed"
	EventMediaEnforced         = "mediaEnforced"
	EventAdminMediaEnforced    = "admin:mediaEnforced"
	EventAdminBulkMediaEnforce = "admin:bulkMediaEnforced"
	EventRoomLockChanged       = "roomLockChanged"
	EventChatLockChanged       = "chatLockChanged"
	EventNoGuestsChanged       = "noGuestsChanged"
	EventTTSDisabledChanged    = "ttsDisabledChanged"
	EventDMStateChanged        = "dmStateChanged"
	EventHostChanged           = "hostChanged"
	EventAdminUsersChanged     = "adminUsersChanged"
	EventPendingUsersSnapshot  = "pendingUsersSnapshot"
	EventUserAdmitted          = "userAdmitted"
	EventUserRejected          = "userRejected"
	EventJoinApproved          = "joinApproved"
	EventJoinRejected          = "joinRejected"
	EventJoinSuperseded        = "joinSuperseded"
	EventKicked                = "kicked"
	EventHandRaisedSnapshot    = "handRaisedSnapshot"
	EventAdminHandsCleared     = "admin:handsCleared"
	EventAdminNotice           = "adminNotice"
	EventRoomEnded             = "roomEnded"
	EventServerRestarting      = "serverRestarting"
	EventDisplayNameUpdated    = "displayNameUpdated"
	EventChatMessage           = "chatMessage"
	EventDirectMessage         = "directMessage"
)

// Message is the wire envelope for every socket event. Consumers ignore
// unknown payload fields, which is what lets payload schemas grow.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// SocketHandle is the narrow capability every socket-like must satisfy.
// Implementations must be safe for concurrent use; Send is best-effort and
// must never block the caller.
type SocketHandle interface {
	ID() string
	Send(event string, payload any)
	Disconnect(closeImmediate bool)
}

// Sender is the fan-out surface handed to room and drain logic.
type Sender interface {
	SendToChannel(channelID string, event string, payload any)
	SendToSocket(handle SocketHandle, event string, payload any)
	DisconnectChannel(channelID string)
}

// --- Payload schemas ---
// Optional fields carry omitempty so older consumers see stable shapes.

type ProducerClosedPayload struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
}

type MediaEnforcedPayload struct {
	Reason    string                  `json:"reason"`
	Producers []ProducerClosedPayload `json:"producers"`
}

type BulkMediaEnforcedPayload struct {
	Reason      string   `json:"reason"`
	ClosedCount int      `json:"closedCount"`
	UserIDs     []string `json:"userIds"`
}

type PolicyChangedPayload struct {
	Enabled bool   `json:"enabled"`
	By      string `json:"by,omitempty"`
}

type HostChangedPayload struct {
	HostUserID  string `json:"hostUserId"`
	HostUserKey string `json:"hostUserKey"`
}

type AdminUsersChangedPayload struct {
	AdminUserKeys []string `json:"adminUserKeys"`
	HostUserKey   string   `json:"hostUserKey,omitempty"`
}

type PendingUserInfo struct {
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
	EnrolledAt  int64  `json:"enrolledAt"`
}

type PendingUsersSnapshotPayload struct {
	Pending []PendingUserInfo `json:"pending"`
}

type UserAdmittedPayload struct {
	UserID      string `json:"userId"`
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
}

type UserRejectedPayload struct {
	UserKey string `json:"userKey"`
	Reason  string `json:"reason,omitempty"`
}

type KickedPayload struct {
	Reason string `json:"reason"`
}

type HandRaisedSnapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

type AdminNoticePayload struct {
	Notice string `json:"notice"`
	From   string `json:"from,omitempty"`
}

type RoomEndedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ServerRestartingPayload struct {
	Reconnecting bool   `json:"reconnecting"`
	Notice       string `json:"notice,omitempty"`
}

type DisplayNameUpdatedPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type ChatMessagePayload struct {
	From        string `json:"from"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	Private     bool   `json:"private,omitempty"`
	To          string `json:"to,omitempty"`
}
