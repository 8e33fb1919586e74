package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/auth"
	"github.com/ACM-VIT/conclave/internal/v1/chat"
	"github.com/ACM-VIT/conclave/internal/v1/identity"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
	"github.com/ACM-VIT/conclave/internal/v1/ratelimit"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
)

// Hub owns every live websocket session on this instance. Room state lives in
// the registry; the hub only authenticates, upgrades, and routes.
type Hub struct {
	registry    *registry.Registry
	validator   auth.TokenValidator
	limiter     *ratelimit.RateLimiter
	chat        *chat.Router
	transcriber *transcribe.Manager
	media       media.Provider
	devMode     bool

	mu      sync.Mutex
	clients map[string]*Client // sessionId → client
}

// NewHub creates the websocket hub. limiter and transcriber may be nil.
func NewHub(reg *registry.Registry, validator auth.TokenValidator, limiter *ratelimit.RateLimiter,
	chatRouter *chat.Router, transcriber *transcribe.Manager, provider media.Provider, devMode bool) *Hub {
	return &Hub{
		registry:    reg,
		validator:   validator,
		limiter:     limiter,
		chat:        chatRouter,
		transcriber: transcriber,
		media:       provider,
		devMode:     devMode,
		clients:     make(map[string]*Client),
	}
}

// ServeWs authenticates the caller and upgrades the connection.
// GET /ws
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // response already written
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenResult.Token)
	if err != nil {
		logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	userKey := identity.DeriveKey(claims.Identity())
	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), userKey); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	conn, err := h.upgrade(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection installs a client over an established connection and
// starts its pumps. Split from ServeWs so tests can inject fake connections.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	userKey := identity.DeriveKey(claims.Identity())

	displayName := c.Query("displayName")
	if displayName == "" {
		displayName = claims.Name
	}
	if displayName == "" {
		displayName = identity.LocalHandle(userKey)
	}
	if normalized, err := identity.NormalizeDisplayName(displayName); err == nil {
		displayName = normalized
	}

	client := &Client{
		conn:        conn,
		hub:         h,
		sessionID:   uuid.New().String(),
		userKey:     userKey,
		displayName: displayName,
		adminToken:  claims.Admin,
		send:        make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client.sessionID] = client
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(c.Request.Context(), "Websocket session established",
		zap.String("sessionId", client.sessionID),
		zap.String("userKey", logging.RedactEmail(userKey)))

	go client.writePump()
	go client.readPump()
}

// handleDisconnect is the read pump's teardown path.
func (h *Hub) handleDisconnect(c *Client) {
	if rm, userID := c.currentRoom(); rm != nil {
		rm.HandleDisconnect(context.Background(), userID)
	}
	c.Disconnect(false)

	h.mu.Lock()
	delete(h.clients, c.sessionID)
	h.mu.Unlock()
}

// SessionCount reports live sessions, for health surfaces and tests.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown disconnects every session. Rooms are closed separately by the
// registry; this only cuts the transport layer loose.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(true)
	}
	logging.Info(ctx, "Websocket hub shut down", zap.Int("sessions", len(clients)))
	return nil
}

// tokenExtractionResult records where the token came from so the upgrade can
// echo the right subprotocol back.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken pulls the JWT from the Sec-WebSocket-Protocol header, falling
// back to the token query parameter for non-browser clients.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	if headerVal := c.GetHeader("Sec-WebSocket-Protocol"); headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p == "" {
				continue
			}
			if _, err := h.validator.ValidateToken(p); err == nil {
				result.Token = p
				result.FromHeader = true
			}
		}
	}

	if result.Token == "" {
		if q := c.Query("token"); q != "" {
			result.Token = q
		}
	}
	if result.Token == "" {
		return nil, fmt.Errorf("token not provided")
	}
	return result, nil
}

// validateOrigin checks the Origin header against the allow-list. Requests
// without an Origin (non-browser clients) pass.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgrade performs the websocket upgrade, echoing the token subprotocol the
// browser sent so the handshake completes.
func (h *Hub) upgrade(c *gin.Context, allowedOrigins []string, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
