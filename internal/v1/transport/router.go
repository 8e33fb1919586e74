package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/identity"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/room"
	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
)

// clientMessage is the inbound frame envelope. requestId, when present, is
// echoed in the response so callers can pair them.
type clientMessage struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// responseEvent carries every request's outcome back to the sender.
const responseEvent = "response"

func (c *Client) respondOK(msg clientMessage, data map[string]any) {
	body := map[string]any{"success": true}
	if msg.RequestID != "" {
		body["requestId"] = msg.RequestID
	}
	for k, v := range data {
		body[k] = v
	}
	c.Send(responseEvent, body)
}

func (c *Client) respondErr(msg clientMessage, err error) {
	body := map[string]any{"error": err.Error()}
	if msg.RequestID != "" {
		body["requestId"] = msg.RequestID
	}
	c.Send(responseEvent, body)
}

var (
	errNotJoined    = errors.New("join a room first")
	errNotAdmin     = errors.New("administrator role required")
	errUnknownEvent = errors.New("unknown event")
	errBadPayload   = errors.New("malformed payload")
)

func bind(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errBadPayload
	}
	return nil
}

// route dispatches one inbound frame. Admin events recheck the caller's role
// on every message, so a demotion takes effect mid-session.
func (h *Hub) route(ctx context.Context, c *Client, msg clientMessage) {
	if msg.Event == "joinRoom" {
		h.handleJoin(ctx, c, msg)
		return
	}

	rm, userID := c.currentRoom()
	if rm == nil {
		c.respondErr(msg, errNotJoined)
		return
	}

	if strings.HasPrefix(msg.Event, "admin:") {
		if !rm.IsActiveAdmin(userID) {
			c.respondErr(msg, errNotAdmin)
			return
		}
		h.routeAdmin(ctx, c, rm, userID, msg)
		return
	}

	switch msg.Event {
	case "chat":
		var req struct {
			Content string `json:"content"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		if err := h.chat.Send(rm, userID, req.Content); err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, nil)

	case "setDisplayName":
		var req struct {
			DisplayName string `json:"displayName"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		name, err := identity.NormalizeDisplayName(req.DisplayName)
		if err != nil {
			c.respondErr(msg, err)
			return
		}
		rm.SetDisplayName(userID, name)
		c.mu.Lock()
		c.displayName = name
		c.mu.Unlock()
		c.respondOK(msg, nil)

	case "raiseHand":
		rm.RaiseHand(userID)
		c.respondOK(msg, nil)

	case "lowerHand":
		rm.LowerHand(userID)
		c.respondOK(msg, nil)

	case "produce":
		h.handleProduce(ctx, c, rm, userID, msg)

	default:
		c.respondErr(msg, errUnknownEvent)
	}
}

type joinPayload struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
	Mode     string `json:"mode"`
}

// handleJoin runs the admission flow. During a drain new joins bounce with
// joinRejected before any room state is touched.
func (h *Hub) handleJoin(ctx context.Context, c *Client, msg clientMessage) {
	var req joinPayload
	if err := bind(msg.Payload, &req); err != nil {
		c.respondErr(msg, err)
		return
	}
	if req.RoomID == "" {
		c.respondErr(msg, errors.New("roomId is required"))
		return
	}
	if req.ClientID == "" {
		req.ClientID = "default"
	}
	mode := room.ModeMeeting
	if req.Mode != "" {
		if !room.ValidMode(req.Mode) {
			c.respondErr(msg, errors.New("unknown mode"))
			return
		}
		mode = room.Mode(req.Mode)
	}

	if h.registry.IsDraining() {
		c.Send(events.EventJoinRejected, events.UserRejectedPayload{
			UserKey: c.userKey, Reason: room.RejectReasonDraining,
		})
		c.respondErr(msg, errors.New("instance is draining"))
		return
	}

	rm := h.registry.CreateIfAbsent(req.ClientID, req.RoomID)
	res, err := rm.Join(ctx, room.JoinRequest{
		UserKey:        c.userKey,
		SessionID:      c.sessionID,
		DisplayName:    c.displayName,
		Mode:           mode,
		IsAdminByToken: c.adminToken,
		Socket:         c,
	})
	if err != nil {
		c.respondErr(msg, err)
		return
	}

	switch res.Status {
	case room.StatusRejected:
		c.Send(events.EventJoinRejected, events.UserRejectedPayload{
			UserKey: c.userKey, Reason: res.Reason,
		})
		c.respondErr(msg, errors.New("join rejected: "+res.Reason))
		return
	case room.StatusWaiting:
		c.setRoom(rm, identity.ComposeUserID(c.userKey, c.sessionID))
		c.respondOK(msg, map[string]any{"status": string(room.StatusWaiting)})
		return
	}

	c.setRoom(rm, res.Participant.UserID)
	caps, err := h.media.RouterRtpCapabilities(ctx, rm.ChannelID())
	if err != nil {
		logging.Warn(ctx, "RTP capabilities unavailable",
			zap.String("channelId", rm.ChannelID()), zap.Error(err))
		caps = nil
	}
	c.respondOK(msg, map[string]any{
		"status":          string(room.StatusJoined),
		"rtpCapabilities": caps,
	})
}

type producePayload struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	Type       string `json:"type"`
}

// handleProduce records a published stream and, for the room's first audio
// producer, brings the transcription pipeline up.
func (h *Hub) handleProduce(ctx context.Context, c *Client, rm *room.Room, userID string, msg clientMessage) {
	var req producePayload
	if err := bind(msg.Payload, &req); err != nil {
		c.respondErr(msg, err)
		return
	}
	if req.ProducerID == "" || !media.ValidKind(req.Kind) || !media.ValidStreamType(req.Type) {
		c.respondErr(msg, errors.New("producerId, kind, and type are required"))
		return
	}

	ref := media.ProducerRef{
		ID:   req.ProducerID,
		Kind: media.Kind(req.Kind),
		Type: media.StreamType(req.Type),
	}
	if err := rm.AttachProducer(userID, ref); err != nil {
		c.respondErr(msg, err)
		return
	}

	if ref.Kind == media.KindAudio && h.transcriber != nil && h.transcriber.Enabled() {
		err := h.transcriber.Start(ctx, rm.ChannelID(), ref.ID, c.displayName)
		if err != nil && !errors.Is(err, transcribe.ErrAlreadyActive) {
			logging.Warn(ctx, "Transcription start failed",
				zap.String("channelId", rm.ChannelID()), zap.Error(err))
		}
	}
	c.respondOK(msg, nil)
}

// routeAdmin dispatches the admin: event family. The role check already
// passed; every handler still goes through the engine, which enforces its
// own invariants.
func (h *Hub) routeAdmin(ctx context.Context, c *Client, rm *room.Room, adminID string, msg clientMessage) {
	switch msg.Event {
	case "admin:kick":
		var req struct {
			UserID string `json:"userId"`
			Reason string `json:"reason"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		if req.Reason == "" {
			req.Reason = "removed by moderator"
		}
		if err := rm.KickParticipant(ctx, req.UserID, adminID, req.Reason); err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, nil)

	case "admin:mute", "admin:videoOff", "admin:stopScreen":
		h.adminMediaEnforce(ctx, c, rm, msg)

	case "admin:closeProducer":
		var req struct {
			ProducerID string `json:"producerId"`
			Reason     string `json:"reason"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		closed, found := rm.CloseProducerByID(ctx, req.ProducerID, req.Reason)
		if !found {
			c.respondErr(msg, room.ErrProducerNotFound)
			return
		}
		c.respondOK(msg, map[string]any{"producer": closed})

	case "admin:media":
		var req struct {
			UserID string   `json:"userId"`
			Kinds  []string `json:"kinds"`
			Types  []string `json:"types"`
			Reason string   `json:"reason"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		sel, ok := buildSelector(req.Kinds, req.Types)
		if !ok {
			c.respondErr(msg, errors.New("unknown media kind or type"))
			return
		}
		closed, err := rm.CloseClientProducers(ctx, req.UserID, sel, req.Reason)
		if err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, map[string]any{"closed": closed})

	case "admin:bulkMedia":
		var req struct {
			Kinds            []string `json:"kinds"`
			Types            []string `json:"types"`
			IncludeAdmins    bool     `json:"includeAdmins"`
			IncludeGhosts    bool     `json:"includeGhosts"`
			IncludeAttendees bool     `json:"includeAttendees"`
			Reason           string   `json:"reason"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		sel, ok := buildSelector(req.Kinds, req.Types)
		if !ok {
			c.respondErr(msg, errors.New("unknown media kind or type"))
			return
		}
		closed := rm.BulkClose(ctx, sel, room.BulkCloseOptions{
			IncludeAdmins:    req.IncludeAdmins,
			IncludeGhosts:    req.IncludeGhosts,
			IncludeAttendees: req.IncludeAttendees,
		}, req.Reason)
		c.respondOK(msg, map[string]any{"closedCount": len(closed)})

	case "admin:policies":
		var update room.PolicyUpdate
		if err := bind(msg.Payload, &update); err != nil {
			c.respondErr(msg, err)
			return
		}
		applied := rm.SetPolicies(ctx, update, adminID)
		c.respondOK(msg, map[string]any{"policies": applied})

	case "admin:admit", "admin:reject":
		var req struct {
			UserKey string `json:"userKey"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		var err error
		if msg.Event == "admin:admit" {
			err = rm.AdmitPending(ctx, req.UserKey)
		} else {
			err = rm.RejectPending(ctx, req.UserKey)
		}
		if err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, nil)

	case "admin:admitAll":
		c.respondOK(msg, map[string]any{"admitted": rm.AdmitAllPending(ctx)})

	case "admin:rejectAll":
		c.respondOK(msg, map[string]any{"rejected": rm.RejectAllPending(ctx)})

	case "admin:allow", "admin:revoke", "admin:unblock":
		var req struct {
			UserKeys []string `json:"userKeys"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		mutate := rm.AllowUser
		switch msg.Event {
		case "admin:revoke":
			mutate = rm.RevokeAllowedUser
		case "admin:unblock":
			mutate = rm.UnblockUser
		}
		var changed []string
		for _, key := range req.UserKeys {
			if mutate(key) {
				changed = append(changed, key)
			}
		}
		c.respondOK(msg, map[string]any{"changed": changed})

	case "admin:block":
		var req struct {
			UserKeys    []string `json:"userKeys"`
			KickPresent bool     `json:"kickPresent"`
			Reason      string   `json:"reason"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		kicked := 0
		for _, key := range req.UserKeys {
			if req.KickPresent {
				wasKicked, err := rm.BlockIdentity(ctx, key, adminID, req.Reason)
				if err != nil {
					c.respondErr(msg, err)
					return
				}
				if wasKicked {
					kicked++
				}
			} else {
				rm.BlockUser(key)
			}
		}
		c.respondOK(msg, map[string]any{"kicked": kicked})

	case "admin:promote":
		var req struct {
			UserID string `json:"userId"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		changed, err := rm.PromoteToAdmin(req.UserID)
		if err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, map[string]any{"changed": changed})

	case "admin:demote":
		var req struct {
			UserKey string `json:"userKey"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		changed, err := rm.DemoteAdmin(req.UserKey)
		if err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, map[string]any{"changed": changed})

	case "admin:transferHost":
		var req struct {
			UserID string `json:"userId"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		if err := rm.TransferHost(ctx, req.UserID); err != nil {
			c.respondErr(msg, err)
			return
		}
		c.respondOK(msg, nil)

	case "admin:notice":
		var req struct {
			Notice string `json:"notice"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		if strings.TrimSpace(req.Notice) == "" {
			c.respondErr(msg, errors.New("notice must not be empty"))
			return
		}
		rm.SendNotice(req.Notice, adminID)
		c.respondOK(msg, nil)

	case "admin:clearHands":
		c.respondOK(msg, map[string]any{"cleared": rm.ClearHands()})

	case "admin:removeNonAdmins":
		var req struct {
			Reason           string `json:"reason"`
			IncludeGhosts    bool   `json:"includeGhosts"`
			IncludeAttendees bool   `json:"includeAttendees"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		if req.Reason == "" {
			req.Reason = "removed by moderator"
		}
		kicked := rm.RemoveNonAdmins(ctx, req.Reason, req.IncludeGhosts, req.IncludeAttendees)
		c.respondOK(msg, map[string]any{"kicked": kicked})

	case "admin:end":
		var req struct {
			Reason string `json:"reason"`
		}
		if err := bind(msg.Payload, &req); err != nil {
			c.respondErr(msg, err)
			return
		}
		if req.Reason == "" {
			req.Reason = "ended by host"
		}
		c.respondOK(msg, map[string]any{"ended": h.registry.ForceClose(ctx, rm.ChannelID(), req.Reason)})

	default:
		c.respondErr(msg, errUnknownEvent)
	}
}

// adminMediaEnforce maps the three shorthand enforcement events onto the
// selector engine.
func (h *Hub) adminMediaEnforce(ctx context.Context, c *Client, rm *room.Room, msg clientMessage) {
	var req struct {
		UserID string `json:"userId"`
		Reason string `json:"reason"`
	}
	if err := bind(msg.Payload, &req); err != nil {
		c.respondErr(msg, err)
		return
	}

	var sel room.ProducerSelector
	switch msg.Event {
	case "admin:mute":
		rm.SetMuted(req.UserID, true)
		sel = room.ProducerSelector{Kinds: []media.Kind{media.KindAudio}}
		if req.Reason == "" {
			req.Reason = "muted by moderator"
		}
	case "admin:videoOff":
		rm.SetCameraOff(req.UserID, true)
		sel = room.ProducerSelector{
			Kinds: []media.Kind{media.KindVideo},
			Types: []media.StreamType{media.TypeWebcam},
		}
		if req.Reason == "" {
			req.Reason = "camera disabled by moderator"
		}
	case "admin:stopScreen":
		sel = room.ProducerSelector{Types: []media.StreamType{media.TypeScreen}}
		if req.Reason == "" {
			req.Reason = "screen share stopped by moderator"
		}
	}

	closed, err := rm.CloseClientProducers(ctx, req.UserID, sel, req.Reason)
	if err != nil {
		c.respondErr(msg, err)
		return
	}
	c.respondOK(msg, map[string]any{"closed": closed})
}

func buildSelector(kinds, types []string) (room.ProducerSelector, bool) {
	var sel room.ProducerSelector
	for _, k := range kinds {
		if !media.ValidKind(k) {
			return sel, false
		}
		sel.Kinds = append(sel.Kinds, media.Kind(k))
	}
	for _, t := range types {
		if !media.ValidStreamType(t) {
			return sel, false
		}
		sel.Types = append(sel.Types, media.StreamType(t))
	}
	return sel, true
}
