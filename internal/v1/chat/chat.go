// Package chat routes room chat: broadcasts, directed messages addressed
// with a leading @handle, and the server-enforced command gates.
package chat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/identity"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// MaxMessageLength is the chat content bound in code points.
const MaxMessageLength = 1000

var (
	ErrEmptyMessage    = errors.New("message cannot be empty")
	ErrMessageTooLong  = errors.New("message cannot exceed 1000 characters")
	ErrChatLocked      = errors.New("chat is locked")
	ErrTTSDisabled     = errors.New("text-to-speech is disabled")
	ErrDMDisabled      = errors.New("direct messages are disabled")
	ErrSelfMessage     = errors.New("cannot send a direct message to yourself")
	ErrTargetNotFound  = errors.New("recipient not found")
	ErrTargetAmbiguous = errors.New("recipient is ambiguous")
)

// Router resolves and delivers chat for one room at a time. It holds no
// state of its own; everything comes from the room snapshot at send time.
type Router struct {
	fanout events.Sender
}

// NewRouter creates a chat router over the given fan-out.
func NewRouter(fanout events.Sender) *Router {
	return &Router{fanout: fanout}
}

// Send validates, routes, and delivers one message from an admitted session.
// A leading "@handle " makes it a DM; "/tts ..." is gated on the room policy;
// everything else broadcasts to the channel and lands in the room's history.
func (c *Router) Send(rm *room.Room, fromUserID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return ErrMessageTooLong
	}

	policies := rm.Policies()
	fromKey, ok := rm.KeyForUserID(fromUserID)
	if !ok {
		return room.ErrParticipantNotFound
	}
	if policies.ChatLocked && !rm.IsAdminKey(fromKey) {
		return ErrChatLocked
	}
	if strings.HasPrefix(content, "/tts") && policies.TTSDisabled {
		return ErrTTSDisabled
	}

	if handle, body, isDM := parseDM(content); isDM {
		if !policies.DMEnabled {
			return ErrDMDisabled
		}
		return c.sendDirect(rm, fromUserID, handle, body)
	}

	msg := events.ChatMessagePayload{
		From:        fromUserID,
		DisplayName: rm.DisplayNameForKey(fromKey),
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
	}
	rm.AppendChat(msg)
	c.fanout.SendToChannel(rm.ChannelID(), events.EventChatMessage, msg)
	return nil
}

func (c *Router) sendDirect(rm *room.Room, fromUserID, handle, body string) error {
	if body == "" {
		return ErrEmptyMessage
	}

	target, err := Resolve(rm, fromUserID, handle)
	if err != nil {
		return err
	}

	fromKey, _ := rm.KeyForUserID(fromUserID)
	msg := events.ChatMessagePayload{
		From:        fromUserID,
		DisplayName: rm.DisplayNameForKey(fromKey),
		Content:     body,
		Timestamp:   time.Now().UnixMilli(),
		Private:     true,
		To:          target.UserID,
	}

	if target.Socket != nil {
		target.Socket.Send(events.EventDirectMessage, msg)
	}
	return nil
}

// parseDM splits a "@handle body" message. The token must be more than the
// bare '@' and must be followed by whitespace and a body to count as a DM.
func parseDM(content string) (handle, body string, ok bool) {
	if !strings.HasPrefix(content, "@") {
		return "", "", false
	}
	idx := strings.IndexFunc(content, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	})
	if idx <= 1 {
		return "", "", false
	}
	return content[1:idx], strings.TrimSpace(content[idx:]), true
}

// Resolve maps a typed handle to an admitted session. Matching is
// case-insensitive with trailing punctuation stripped, against the full
// userId, the bare userKey, the local handle before '@', and the current
// display name. Self-addressing is rejected; multiple distinct matches are
// ambiguous.
func Resolve(rm *room.Room, fromUserID, handle string) (*room.Participant, error) {
	needle := foldHandle(handle)
	if needle == "" {
		return nil, ErrTargetNotFound
	}

	var matches []*room.Participant
	seen := map[string]bool{}
	for _, view := range rm.Snapshot().Participants {
		if !matchesHandle(needle, view.UserID, view.UserKey, view.DisplayName) {
			continue
		}
		if seen[view.UserID] {
			continue
		}
		seen[view.UserID] = true
		if p := rm.ParticipantByID(view.UserID); p != nil {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 0:
		return nil, ErrTargetNotFound
	case 1:
		if matches[0].UserID == fromUserID {
			return nil, ErrSelfMessage
		}
		return matches[0], nil
	default:
		// Several sessions of one identity are a single logical recipient
		// only if every match shares the key.
		key := matches[0].UserKey
		for _, m := range matches[1:] {
			if m.UserKey != key {
				return nil, ErrTargetAmbiguous
			}
		}
		for _, m := range matches {
			if m.UserID == fromUserID {
				return nil, ErrSelfMessage
			}
		}
		return matches[0], nil
	}
}

func matchesHandle(needle, userID, userKey, displayName string) bool {
	if needle == strings.ToLower(userID) {
		return true
	}
	if needle == strings.ToLower(userKey) {
		return true
	}
	if needle == strings.ToLower(identity.LocalHandle(userKey)) {
		return true
	}
	if displayName != "" && needle == strings.ToLower(displayName) {
		return true
	}
	return false
}

// foldHandle lowercases and strips the trailing punctuation run that
// naturally follows a mention ("@bob:", "@bob,").
func foldHandle(handle string) string {
	h := strings.ToLower(strings.TrimSpace(handle))
	return strings.TrimRight(h, ",:;.!?")
}
