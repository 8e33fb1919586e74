package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context, fallback string) string {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		return fallback
	}
	return req.Reason
}

// handleProducerClose closes one producer by id. Closing an unknown or
// already-closed producer reports closed=false instead of failing.
// POST /admin/rooms/{roomId}/producers/{producerId}/close
func (s *Server) handleProducerClose(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	reason := bindReason(c, "closed by moderator")
	closed, found := rm.CloseProducerByID(c.Request.Context(), c.Param("producerId"), reason)
	if !found {
		c.JSON(http.StatusOK, gin.H{"closed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true, "producer": closed})
}

// handleKick removes one session from the room.
// POST /admin/rooms/{roomId}/users/{userId}/kick
func (s *Server) handleKick(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	reason := bindReason(c, "removed by moderator")
	if err := rm.KickParticipant(c.Request.Context(), c.Param("userId"), "", reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": true})
}

type mediaRequest struct {
	Kinds  []string `json:"kinds"`
	Types  []string `json:"types"`
	Reason string   `json:"reason"`
}

func (r mediaRequest) selector() (room.ProducerSelector, bool) {
	var sel room.ProducerSelector
	for _, k := range r.Kinds {
		if !media.ValidKind(k) {
			return sel, false
		}
		sel.Kinds = append(sel.Kinds, media.Kind(k))
	}
	for _, t := range r.Types {
		if !media.ValidStreamType(t) {
			return sel, false
		}
		sel.Types = append(sel.Types, media.StreamType(t))
	}
	return sel, true
}

// closeUserProducers runs the selector against one participant's producers
// and writes the result. Shared by the media/mute/video-off/stop-screen
// variants, which only differ in selector and default reason.
func (s *Server) closeUserProducers(c *gin.Context, rm *room.Room, sel room.ProducerSelector, reason string) {
	closed, err := rm.CloseClientProducers(c.Request.Context(), c.Param("userId"), sel, reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed, "count": len(closed)})
}

// handleUserMedia closes the user's producers matching a caller-provided
// selector; omitted fields match everything.
// POST /admin/rooms/{roomId}/users/{userId}/media
func (s *Server) handleUserMedia(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "malformed media request: %v", err)
		return
	}
	sel, valid := req.selector()
	if !valid {
		invalidInput(c, "unknown media kind or type")
		return
	}
	if req.Reason == "" {
		req.Reason = "media closed by moderator"
	}
	s.closeUserProducers(c, rm, sel, req.Reason)
}

// POST /admin/rooms/{roomId}/users/{userId}/mute
func (s *Server) handleUserMute(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	rm.SetMuted(c.Param("userId"), true)
	sel := room.ProducerSelector{Kinds: []media.Kind{media.KindAudio}}
	s.closeUserProducers(c, rm, sel, bindReason(c, "muted by moderator"))
}

// POST /admin/rooms/{roomId}/users/{userId}/video-off
func (s *Server) handleUserVideoOff(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	rm.SetCameraOff(c.Param("userId"), true)
	sel := room.ProducerSelector{
		Kinds: []media.Kind{media.KindVideo},
		Types: []media.StreamType{media.TypeWebcam},
	}
	s.closeUserProducers(c, rm, sel, bindReason(c, "camera disabled by moderator"))
}

// POST /admin/rooms/{roomId}/users/{userId}/stop-screen
func (s *Server) handleUserStopScreen(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	sel := room.ProducerSelector{Types: []media.StreamType{media.TypeScreen}}
	s.closeUserProducers(c, rm, sel, bindReason(c, "screen share stopped by moderator"))
}

// handleUserBlock blocks the identity behind a live session and kicks every
// session it holds.
// POST /admin/rooms/{roomId}/users/{userId}/block
func (s *Server) handleUserBlock(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	key, found := rm.KeyForUserID(c.Param("userId"))
	if !found {
		respondError(c, room.ErrParticipantNotFound)
		return
	}

	kicked, err := rm.BlockIdentity(c.Request.Context(), key, "", bindReason(c, ""))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": key, "kicked": kicked})
}

// POST /admin/rooms/{roomId}/users/{userId}/unblock
func (s *Server) handleUserUnblock(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	key, found := rm.KeyForUserID(c.Param("userId"))
	if !found {
		respondError(c, room.ErrParticipantNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": rm.UnblockUser(key)})
}

type removeNonAdminsRequest struct {
	Reason           string `json:"reason"`
	IncludeGhosts    bool   `json:"includeGhosts"`
	IncludeAttendees bool   `json:"includeAttendees"`
}

// handleRemoveNonAdmins kicks every non-admin session, honoring the ghost
// and attendee flags.
// POST /admin/rooms/{roomId}/users/remove-non-admins
func (s *Server) handleRemoveNonAdmins(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	var req removeNonAdminsRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "removed by moderator"
	}

	kicked := rm.RemoveNonAdmins(c.Request.Context(), req.Reason, req.IncludeGhosts, req.IncludeAttendees)
	c.JSON(http.StatusOK, gin.H{"kicked": kicked, "count": len(kicked)})
}
