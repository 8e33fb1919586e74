package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ACM-VIT/conclave/internal/v1/auth"
	"github.com/ACM-VIT/conclave/internal/v1/bus"
	"github.com/ACM-VIT/conclave/internal/v1/chat"
	"github.com/ACM-VIT/conclave/internal/v1/config"
	"github.com/ACM-VIT/conclave/internal/v1/controlplane"
	"github.com/ACM-VIT/conclave/internal/v1/drain"
	"github.com/ACM-VIT/conclave/internal/v1/events"
	"github.com/ACM-VIT/conclave/internal/v1/health"
	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/middleware"
	"github.com/ACM-VIT/conclave/internal/v1/minutes"
	"github.com/ACM-VIT/conclave/internal/v1/ratelimit"
	"github.com/ACM-VIT/conclave/internal/v1/registry"
	"github.com/ACM-VIT/conclave/internal/v1/tracing"
	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
	"github.com/ACM-VIT/conclave/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "sfu-control", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("✅ OpenTelemetry tracing initialized", "collector", collectorAddr)
		}
	}

	// --- Auth Validator ---
	skipAuth := cfg.SkipAuth

	var authValidator *auth.Validator
	if !skipAuth {
		// FALLBACK: If in dev mode and credentials missing, auto-skip
		if cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
			slog.Warn("⚠️  Development Mode: auth credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		} else if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			slog.Error("AUTH_DOMAIN and AUTH_AUDIENCE must be set in environment when SKIP_AUTH=false")
			return
		}
	}

	if !skipAuth {
		var err error
		authValidator, err = auth.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			return
		}
		slog.Info("✅ Auth validator initialized", "domain", cfg.AuthDomain, "audience", cfg.AuthAudience)
	} else {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
	}

	var validator auth.TokenValidator
	if authValidator != nil {
		validator = authValidator
	} else {
		validator = &auth.MockValidator{}
	}

	// --- Redis Bus Initialization (Optional) ---
	// Initialize Redis for distributed pub/sub if enabled
	var busService *bus.Service
	if cfg.RedisEnabled {
		var err error
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Engines ---
	var publisher events.BusPublisher
	if busService != nil {
		publisher = busService
	}
	evHub := events.NewHub(publisher, cfg.InstanceID)

	provider := media.NewHTTPClient(cfg.MediaURL)
	reg := registry.New(evHub, provider, cfg.InstanceID, cfg.Version)
	drainer := drain.New(reg, evHub)

	transcriber := transcribe.NewManager(transcribe.Config{
		ASRURL:     cfg.ASRURL,
		SampleRate: cfg.ASRSampleRate,
		DecoderBin: cfg.DecoderBin,
	}, provider)

	var summarizer minutes.Summarizer
	if cfg.SummarizerURL != "" && cfg.SummarizerToken != "" {
		summarizer = minutes.NewRemoteSummarizer(cfg.SummarizerURL, cfg.SummarizerToken)
	} else {
		summarizer = minutes.NewLocalSummarizer()
	}
	gen := minutes.New(summarizer, transcriber, func(channelID string) bool {
		return reg.Get(channelID) != nil
	})

	// When a room closes, stop its transcription pipeline and keep the
	// transcript around so minutes can still be generated afterwards.
	reg.OnRoomClosed(func(channelID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chunks, err := transcriber.Stop(ctx, channelID)
		if err != nil {
			return // no pipeline was active
		}
		gen.CacheTranscript(channelID, chunks)
	})

	// --- Cross-Instance Fan-In ---
	// Each live room gets a bus subscription so broadcasts from peer
	// instances reach local sockets. Closed rooms release theirs.
	var subWg sync.WaitGroup
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if busService != nil {
		var subMu sync.Mutex
		subs := make(map[string]context.CancelFunc)

		reg.OnRoomCreated(func(channelID string) {
			subMu.Lock()
			defer subMu.Unlock()
			if _, ok := subs[channelID]; ok {
				return
			}
			subCtx, cancel := context.WithCancel(busCtx)
			subs[channelID] = cancel
			busService.Subscribe(subCtx, channelID, &subWg, func(msg bus.PubSubPayload) {
				if msg.SenderID == cfg.InstanceID {
					return // our own publish echoed back
				}
				evHub.DeliverLocal(msg.ChannelID, msg.Event, msg.Payload, "")
			})
		})
		reg.OnRoomClosed(func(channelID string) {
			subMu.Lock()
			if cancel, ok := subs[channelID]; ok {
				cancel()
				delete(subs, channelID)
			}
			subMu.Unlock()
		})

		if err := busService.RegisterInstance(context.Background(), cfg.InstanceID); err != nil {
			slog.Error("Failed to register instance", "error", err)
		}
	}

	// --- Rate Limiting ---
	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Websocket Hub ---
	chatRouter := chat.NewRouter(evHub)
	wsHub := transport.NewHub(reg, validator, limiter, chatRouter, transcriber, provider, cfg.DevelopmentMode)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Cors
	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		controlplane.HeaderSecret, controlplane.HeaderClient, "Authorization")
	router.Use(cors.New(corsConfig))

	// Error handling, tracing, correlation ids, rate limits
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("sfu-control"))
	router.Use(middleware.CorrelationID())
	router.Use(limiter.GlobalMiddleware())

	// Routing
	router.GET("/ws", wsHub.ServeWs)

	operator := controlplane.NewServer(cfg.SharedSecret, reg, drainer, gen, busService)
	operator.Register(router)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService)
	healthHandler.Register(router)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Control plane starting", "port", cfg.Port, "instance_id", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := wsHub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Deregister from the cluster and close Redis if it was initialized
	if busService != nil {
		if err := busService.DeregisterInstance(ctx, cfg.InstanceID); err != nil {
			slog.Error("Failed to deregister instance:", "error", err)
		}
		busCancel()
		subWg.Wait()
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
