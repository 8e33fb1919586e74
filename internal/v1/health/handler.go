// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/bus"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
)

// ASRChecker checks the health of the speech-recognition backend.
type ASRChecker interface {
	Check(ctx context.Context, url string) string
}

// DefaultASRChecker dials the ASR websocket endpoint and closes it again.
type DefaultASRChecker struct{}

// Check verifies the ASR endpoint accepts websocket connections.
func (c *DefaultASRChecker) Check(ctx context.Context, url string) string {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		logging.Error(ctx, "ASR health check failed", zap.Error(err), zap.String("url", url))
		return "unhealthy"
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	_ = conn.Close()
	return "healthy"
}

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
	asrURL       string
	asrEnabled   bool
	asrChecker   ASRChecker
}

// NewHandler creates a new health check handler. The ASR probe is skipped
// entirely when transcription is not configured.
func NewHandler(redisService *bus.Service) *Handler {
	asrURL := os.Getenv("ASR_URL")

	// Allow disabling the probe even when transcription is configured
	asrEnabled := asrURL != "" && os.Getenv("ASR_HEALTH_CHECK_ENABLED") != "false"

	return &Handler{
		redisService: redisService,
		asrURL:       asrURL,
		asrEnabled:   asrEnabled,
		asrChecker:   &DefaultASRChecker{},
	}
}

// Register mounts the probe routes. The bare /health path aliases liveness
// for monitors that probe a single endpoint.
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/health", h.Liveness)
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	// Check ASR connectivity (if transcription is configured)
	if h.asrEnabled {
		asrStatus := h.checkASR(ctx)
		checks["asr"] = asrStatus
		if asrStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

func (h *Handler) checkASR(ctx context.Context) string {
	if h.asrChecker == nil {
		return "unhealthy"
	}
	return h.asrChecker.Check(ctx, h.asrURL)
}
