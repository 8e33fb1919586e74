package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/drain"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/room"
)

// handleStatus reports process identity and aggregate counts.
// GET /status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Snapshot())
}

// handleRooms lists room summaries, optionally filtered by tenant.
// GET /rooms, GET /admin/rooms
func (s *Server) handleRooms(c *gin.Context) {
	var rooms []*room.Room
	if id := clientID(c); id != "" {
		rooms = s.registry.ListByClientID(id)
	} else {
		rooms = s.registry.All()
	}

	summaries := make([]room.SummaryView, 0, len(rooms))
	for _, rm := range rooms {
		summaries = append(summaries, rm.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"rooms": summaries})
}

// handleDrainStatus reports the drain flag without touching it.
// GET /drain, GET /admin/drain
func (s *Server) handleDrainStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.drainer.Status())
}

// handleDrain transitions the drain flag; force runs the two-phase
// notify-then-disconnect sequence before responding.
// POST /drain, POST /admin/drain
func (s *Server) handleDrain(c *gin.Context) {
	var req drain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "malformed drain request: %v", err)
		return
	}

	ctx := c.Request.Context()
	logging.Info(ctx, "Operator drain request",
		zap.Bool("draining", req.Draining), zap.Bool("force", req.Force))

	c.JSON(http.StatusOK, s.drainer.Apply(ctx, req))
}

// handleOverview combines the process snapshot with per-room summaries.
// GET /admin/overview
func (s *Server) handleOverview(c *gin.Context) {
	rooms := s.registry.All()
	summaries := make([]room.SummaryView, 0, len(rooms))
	for _, rm := range rooms {
		summaries = append(summaries, rm.Summary())
	}
	c.JSON(http.StatusOK, gin.H{
		"instance": s.registry.Snapshot(),
		"rooms":    summaries,
	})
}

// handleWorkers lists the registered instances. Without a bus this process
// is the only worker.
// GET /admin/workers
func (s *Server) handleWorkers(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusOK, gin.H{"instances": []string{s.registry.Snapshot().InstanceID}})
		return
	}

	instances, err := s.bus.Instances(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}
