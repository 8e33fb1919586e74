// Package controlplane is the operator HTTP surface. Every route calls into
// the same engine functions the administrator socket uses; no state lives
// here. Authentication is a shared secret; tenant disambiguation comes from
// the clientId query parameter or the x-sfu-client header.
package controlplane

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ACM-VIT/conclave/internal/v1/auth"
	"github.com/ACM-VIT/conclave/internal/v1/bus"
	"github.com/ACM-VIT/conclave/internal/v1/drain"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
	"github.com/ACM-VIT/conclave/internal/v1/minutes"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// HeaderSecret authenticates operator calls.
const HeaderSecret = "x-sfu-secret"

// HeaderClient disambiguates tenants when the query parameter is absent.
const HeaderClient = "x-sfu-client"

// Server wires the operator routes to the engines.
type Server struct {
	secret   string
	registry *registry.Registry
	drainer  *drain.Coordinator
	minutes  *minutes.Generator
	bus      *bus.Service
}

// NewServer creates the operator API server. bus may be nil in
// single-instance mode; minutes may be nil when transcription is disabled.
func NewServer(secret string, reg *registry.Registry, drainer *drain.Coordinator, gen *minutes.Generator, busService *bus.Service) *Server {
	return &Server{
		secret:   secret,
		registry: reg,
		drainer:  drainer,
		minutes:  gen,
		bus:      busService,
	}
}

// Register mounts every operator route on the router. All routes require the
// shared secret.
func (s *Server) Register(router gin.IRouter) {
	g := router.Group("/")
	g.Use(s.requireSecret(), countRequests())

	g.GET("/status", s.handleStatus)
	g.GET("/rooms", s.handleRooms)

	g.GET("/drain", s.handleDrainStatus)
	g.POST("/drain", s.handleDrain)

	admin := g.Group("/admin")
	{
		admin.GET("/drain", s.handleDrainStatus)
		admin.POST("/drain", s.handleDrain)
		admin.GET("/overview", s.handleOverview)
		admin.GET("/workers", s.handleWorkers)
		admin.GET("/rooms", s.handleRooms)

		rm := admin.Group("/rooms/:roomId")
		{
			rm.GET("", s.handleRoomSnapshot)
			rm.POST("/policies", s.handlePolicies)
			rm.POST("/notice", s.handleNotice)
			rm.POST("/end", s.handleEnd)

			rm.POST("/producers/:producerId/close", s.handleProducerClose)

			rm.POST("/users/remove-non-admins", s.handleRemoveNonAdmins)
			rm.POST("/users/:userId/kick", s.handleKick)
			rm.POST("/users/:userId/media", s.handleUserMedia)
			rm.POST("/users/:userId/mute", s.handleUserMute)
			rm.POST("/users/:userId/video-off", s.handleUserVideoOff)
			rm.POST("/users/:userId/stop-screen", s.handleUserStopScreen)
			rm.POST("/users/:userId/block", s.handleUserBlock)
			rm.POST("/users/:userId/unblock", s.handleUserUnblock)

			rm.GET("/access", s.handleAccessLists)
			rm.POST("/access/allow", s.handleAccessAllow)
			rm.POST("/access/revoke", s.handleAccessRevoke)
			rm.POST("/access/block", s.handleAccessBlock)
			rm.POST("/access/unblock", s.handleAccessUnblock)

			rm.POST("/pending/admit-all", s.handleAdmitAll)
			rm.POST("/pending/reject-all", s.handleRejectAll)
			rm.POST("/pending/:userKey/admit", s.handleAdmit)
			rm.POST("/pending/:userKey/reject", s.handleReject)

			rm.POST("/hands/clear", s.handleHandsClear)
		}
	}

	g.POST("/minutes", s.handleMinutes)
}

// requireSecret rejects requests without a matching shared secret. The
// comparison is constant-time; an unset secret rejects everything.
func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.CheckSharedSecret(s.secret, c.GetHeader(HeaderSecret)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.OperatorRequests.WithLabelValues(c.FullPath(), strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// clientID extracts the tenant hint from the request.
func clientID(c *gin.Context) string {
	if id := c.Query("clientId"); id != "" {
		return id
	}
	return c.GetHeader(HeaderClient)
}

// resolveRoom finds the room named in the path, honoring the tenant hint.
// On failure the response has already been written.
func (s *Server) resolveRoom(c *gin.Context) (*room.Room, bool) {
	rm, err := s.registry.ResolveByRoomID(c.Param("roomId"), clientID(c))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return rm, true
}

func invalidInput(c *gin.Context, format string, args ...any) {
	respondError(c, fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)))
}
