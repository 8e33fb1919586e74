package controlplane

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

type minutesRequest struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

// handleMinutes renders the meeting-minutes PDF for a room. Ended rooms are
// served from the generator's cache; concurrent requests for the same
// channel share one generation.
// POST /minutes
func (s *Server) handleMinutes(c *gin.Context) {
	if s.minutes == nil {
		respondError(c, fmt.Errorf("%w: minutes generation is not configured", ErrUpstream))
		return
	}

	var req minutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "malformed minutes request: %v", err)
		return
	}
	if req.RoomID == "" {
		invalidInput(c, "roomId is required")
		return
	}
	if req.ClientID == "" {
		req.ClientID = clientID(c)
	}

	channel, ok := s.minutesChannel(c, req)
	if !ok {
		return
	}

	pdf, err := s.minutes.Generate(c.Request.Context(), channel, req.RoomID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="minutes-%s.pdf"`, req.RoomID))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// minutesChannel determines the channel the transcript lives under. A live
// room wins; an ended room falls back to the default tenant unless the
// caller disambiguated, and an ambiguous name is refused.
func (s *Server) minutesChannel(c *gin.Context, req minutesRequest) (string, bool) {
	if req.ClientID != "" {
		return room.ChannelID(req.ClientID, req.RoomID), true
	}

	rm, err := s.registry.ResolveByRoomID(req.RoomID, "")
	switch {
	case err == nil:
		return rm.ChannelID(), true
	case errors.Is(err, registry.ErrRoomNotFound):
		return room.ChannelID("default", req.RoomID), true
	default:
		respondError(c, err)
		return "", false
	}
}
