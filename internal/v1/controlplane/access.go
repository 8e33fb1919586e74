package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleAccessLists returns the three sorted access lists.
// GET /admin/rooms/{roomId}/access
func (s *Server) handleAccessLists(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}

	allowed, lockedAllowed, blocked := rm.AccessLists()
	c.JSON(http.StatusOK, gin.H{
		"allowedUserKeys":       allowed,
		"lockedAllowedUserKeys": lockedAllowed,
		"blockedUserKeys":       blocked,
	})
}

type accessRequest struct {
	UserKeys    []string `json:"userKeys"`
	KickPresent bool     `json:"kickPresent"`
	Reason      string   `json:"reason"`
}

func bindAccess(c *gin.Context) (accessRequest, bool) {
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "malformed access request: %v", err)
		return req, false
	}
	if len(req.UserKeys) == 0 {
		invalidInput(c, "userKeys must not be empty")
		return req, false
	}
	return req, true
}

// applyAccess runs one list mutation per key and reports which keys actually
// changed, making re-posts visibly idempotent.
func applyAccess(c *gin.Context, keys []string, mutate func(string) bool) {
	changed := make([]string, 0, len(keys))
	for _, key := range keys {
		if mutate(key) {
			changed = append(changed, key)
		}
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// POST /admin/rooms/{roomId}/access/allow
func (s *Server) handleAccessAllow(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	req, ok := bindAccess(c)
	if !ok {
		return
	}
	applyAccess(c, req.UserKeys, rm.AllowUser)
}

// POST /admin/rooms/{roomId}/access/revoke
func (s *Server) handleAccessRevoke(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	req, ok := bindAccess(c)
	if !ok {
		return
	}
	applyAccess(c, req.UserKeys, rm.RevokeAllowedUser)
}

// handleAccessBlock blocks each identity; with kickPresent every live
// session of a blocked identity is kicked with the given reason.
// POST /admin/rooms/{roomId}/access/block
func (s *Server) handleAccessBlock(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	req, ok := bindAccess(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	changed := make([]string, 0, len(req.UserKeys))
	kicked := 0
	for _, key := range req.UserKeys {
		if req.KickPresent {
			sessions := len(rm.UserIDsForKey(key))
			wasKicked, err := rm.BlockIdentity(ctx, key, "", req.Reason)
			if err != nil {
				respondError(c, err)
				return
			}
			changed = append(changed, key)
			if wasKicked {
				kicked += sessions
			}
		} else if rm.BlockUser(key) {
			changed = append(changed, key)
		}
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "kicked": kicked})
}

// POST /admin/rooms/{roomId}/access/unblock
func (s *Server) handleAccessUnblock(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	req, ok := bindAccess(c)
	if !ok {
		return
	}
	applyAccess(c, req.UserKeys, rm.UnblockUser)
}

// POST /admin/rooms/{roomId}/pending/{userKey}/admit
func (s *Server) handleAdmit(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	if err := rm.AdmitPending(c.Request.Context(), c.Param("userKey")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admitted": c.Param("userKey")})
}

// POST /admin/rooms/{roomId}/pending/{userKey}/reject
func (s *Server) handleReject(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	if err := rm.RejectPending(c.Request.Context(), c.Param("userKey")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": c.Param("userKey")})
}

// POST /admin/rooms/{roomId}/pending/admit-all
func (s *Server) handleAdmitAll(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"admitted": rm.AdmitAllPending(c.Request.Context())})
}

// POST /admin/rooms/{roomId}/pending/reject-all
func (s *Server) handleRejectAll(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": rm.RejectAllPending(c.Request.Context())})
}

// POST /admin/rooms/{roomId}/hands/clear
func (s *Server) handleHandsClear(c *gin.Context) {
	rm, ok := s.resolveRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": rm.ClearHands()})
}
