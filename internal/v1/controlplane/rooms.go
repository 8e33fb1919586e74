package controlplane

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// handleRoomSnapshot renders the deterministic room snapshot.
// GET /admin/rooms/{roomId}
func (s *Server) handleRoomSnapshot(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rm.Snapshot())
}

// handlePolicies applies the policy fields present in the body and returns
// the resulting flags. Re-posting the same body is a no-op that reports the
// unchanged state.
// POST /admin/rooms/{roomId}/policies
func (s *Server) handlePolicies(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	var update room.PolicyUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		invalidInput(c, "malformed policy update: %v", err)
		return
	}

	applied := rm.SetPolicies(c.Request.Context(), update, "operator")
	c.JSON(http.StatusOK, gin.H{"policies": applied})
}

type noticeRequest struct {
	Notice string `json:"notice"`
	From   string `json:"from"`
}

// handleNotice broadcasts an adminNotice to the room channel.
// POST /admin/rooms/{roomId}/notice
func (s *Server) handleNotice(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	var req noticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "malformed notice: %v", err)
		return
	}
	if strings.TrimSpace(req.Notice) == "" {
		invalidInput(c, "notice must not be empty")
		return
	}

	from := req.From
	if from == "" {
		from = "operator"
	}
	rm.SendNotice(req.Notice, from)
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type endRequest struct {
	Reason string `json:"reason"`
}

// handleEnd force-closes the room: everyone gets roomEnded and is
// disconnected, then the room is removed from the registry.
// POST /admin/rooms/{roomId}/end
func (s *Server) handleEnd(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	var req endRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "ended by operator"
	}

	ended := s.registry.ForceClose(c.Request.Context(), rm.ChannelID(), req.Reason)
	c.JSON(http.StatusOK, gin.H{"ended": ended})
}
