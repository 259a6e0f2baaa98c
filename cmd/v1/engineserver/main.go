// Command engineserver runs the experiment engine process: a single
// websocket Transport hub fronting SessionRegistry, SceneStager,
// LoadingGate, and one GameManager per scene, wired together by
// internal/v1/engine. Grounded on the teacher's cmd/v1/session/main.go
// wiring order (env → auth → hub → router → graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openlab-research/experiment-engine/internal/v1/auth"
	"github.com/openlab-research/experiment-engine/internal/v1/bus"
	"github.com/openlab-research/experiment-engine/internal/v1/config"
	"github.com/openlab-research/experiment-engine/internal/v1/engine"
	"github.com/openlab-research/experiment-engine/internal/v1/exportsink"
	"github.com/openlab-research/experiment-engine/internal/v1/gamemanager"
	"github.com/openlab-research/experiment-engine/internal/v1/gameruntime"
	"github.com/openlab-research/experiment-engine/internal/v1/health"
	"github.com/openlab-research/experiment-engine/internal/v1/loadinggate"
	"github.com/openlab-research/experiment-engine/internal/v1/logging"
	"github.com/openlab-research/experiment-engine/internal/v1/matchlog"
	"github.com/openlab-research/experiment-engine/internal/v1/matchmaker"
	"github.com/openlab-research/experiment-engine/internal/v1/middleware"
	"github.com/openlab-research/experiment-engine/internal/v1/pairing"
	"github.com/openlab-research/experiment-engine/internal/v1/probe"
	"github.com/openlab-research/experiment-engine/internal/v1/ratelimit"
	"github.com/openlab-research/experiment-engine/internal/v1/scene"
	"github.com/openlab-research/experiment-engine/internal/v1/session"
	"github.com/openlab-research/experiment-engine/internal/v1/tracing"
	"github.com/openlab-research/experiment-engine/internal/v1/transport"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
)

// buildScript returns the fixed script every subject progresses through. Scene
// content (what an interactive scene's Environment actually simulates) is
// out of scope here, so this is a minimal two-step script: a static
// lobby, then the one interactive scene this deployment hosts.
const interactiveSceneId types.SceneId = "game-1"

func buildScript() scene.Script {
	return scene.Script{
		{SceneId: "lobby", Kind: scene.KindStatic, Metadata: map[string]any{"message": "welcome"}},
		{SceneId: interactiveSceneId, Kind: scene.KindInteractive},
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize structured logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "experiment-engine", collector)
		if err != nil {
			slog.Warn("tracing disabled: failed to initialize tracer", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var redisService *bus.Service
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisService.Close()
	}

	var tokenValidator types.TokenValidator
	if cfg.SkipAuth {
		slog.Warn("authentication DISABLED for development")
		tokenValidator = auth.NewSubjectValidator(&auth.MockValidator{})
	} else {
		validator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("failed to initialize auth validator", "error", err)
			os.Exit(1)
		}
		tokenValidator = auth.NewSubjectValidator(validator)
	}

	hub := transport.NewHub(tokenValidator)

	var rateLimiter *ratelimit.RateLimiter
	if redisService != nil {
		rateLimiter, err = ratelimit.NewRateLimiter(cfg, redisService.Client())
		if err != nil {
			slog.Error("failed to initialize rate limiter", "error", err)
			os.Exit(1)
		}
	}

	dataDir := getEnvOrDefault("DATA_DIR", "data")
	runID := getEnvOrDefault("RUN_ID", fmt.Sprintf("run-%d", os.Getpid()))

	matchLogger, err := matchlog.New(dataDir, cfg.ExperimentId, runID)
	if err != nil {
		slog.Error("failed to initialize match logger", "error", err)
		os.Exit(1)
	}
	defer matchLogger.Close()

	exportSink := exportsink.New(dataDir, cfg.ExperimentId)

	// eng is constructed after sessionRegistry (CleanupForSubject needs the
	// GameManagers sessionRegistry feeds into), so the grace-expiry callback
	// forwards through a closure over this not-yet-assigned pointer rather
	// than the reverse.
	var eng *engine.Engine
	sessionRegistry := session.New(cfg.ReconnectionGrace(), func(subjectID types.SubjectId) {
		if eng != nil {
			eng.CleanupForSubject(subjectID)
		}
	})

	// pairingRegistry is declared as the narrow interface gamemanager.New
	// expects, not the concrete *pairing.Registry: assigning a nil
	// *pairing.Registry through a concrete-typed variable would box a
	// non-nil interface around a nil pointer, so CleanupGame's "m.pairing
	// != nil" guard would wrongly fire and panic on a nil receiver.
	var pairingRegistry gamemanager.PairingRegistry
	if redisService != nil {
		pairingRegistry = pairing.New(redisService)
	}

	// Declared as the narrow interface for the same reason as
	// pairingRegistry above: a nil *probe.Coordinator boxed through a
	// concrete-typed variable would defeat Manager's "m.probe != nil"
	// guard.
	var probeCoordinator gamemanager.ProbeCoordinator
	if cfg.MaxP2PRTTMs > 0 {
		slog.Warn("MAX_P2P_RTT_MS is set but no RTT-measurement Dispatcher is wired; noopProbeDispatcher reports every pair as unmeasured, so ShouldRejectForRTT will reject all pairings",
			"max_p2p_rtt_ms", cfg.MaxP2PRTTMs)
		probeCoordinator = probe.New(noopProbeDispatcher, cfg.ProbeTimeoutMs)
	}

	subjectIndex := gamemanager.NewSubjectIndex()

	// relayRuntimeFactory builds a client-simulated Relay runtime for every
	// freshly created game: Relay needs no Environment (the opaque,
	// out-of-scope simulation ServerAuthoritative would require), only each
	// seat's current connection, resolved from sessionRegistry at game
	// creation time.
	relayRuntimeFactory := func(game *types.Game, onTerminated gameruntime.TerminatedHandler) gameruntime.Runtime {
		endpoints := make([]gameruntime.RelayEndpoint, 0, len(game.Seats))
		for seat, s := range game.Seats {
			connID, _ := sessionRegistry.ConnectionFor(s.SubjectId)
			endpoints = append(endpoints, gameruntime.RelayEndpoint{Seat: seat, SubjectId: s.SubjectId, ConnId: connID})
		}
		return gameruntime.NewRelay(gameruntime.RelayConfig{
			GameId:              game.GameId,
			RoomId:              string(game.GameId),
			FrameConfirmTimeout: cfg.FrameConfirmTimeout(),
		}, hub, endpoints, onTerminated)
	}

	mgr := gamemanager.New(
		gamemanager.Config{
			SceneId:         interactiveSceneId,
			GroupSize:       2,
			WaitroomTimeout: cfg.WaitroomTimeout(),
			MaxServerRTTMs:  cfg.MaxServerRTTMs,
			MaxP2PRTTMs:     cfg.MaxP2PRTTMs,
			ProbeTimeoutMs:  cfg.ProbeTimeoutMs,
		},
		subjectIndex,
		matchmaker.FIFO{},
		probeCoordinator,
		pairingRegistry,
		matchLogger,
		exportSink,
		hub,
		sessionRegistry,
		relayRuntimeFactory,
	)
	scenesManagers := map[types.SceneId]*gamemanager.Manager{interactiveSceneId: mgr}

	stager := scene.New(buildScript(), map[types.SceneId]scene.GameJoiner{interactiveSceneId: mgr}, hub)
	gate := loadinggate.New(int(cfg.PyodideLoadTimeout().Milliseconds()))

	eng = engine.New(engine.Deps{
		Sessions:     sessionRegistry,
		MatchLogger:  matchLogger,
		ExportSink:   exportSink,
		Gate:         gate,
		Stager:       stager,
		SubjectIndex: subjectIndex,
		Managers:     scenesManagers,
		Transport:    hub,
		ExperimentId: cfg.ExperimentId,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("experiment-engine"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.GET("/ws", func(c *gin.Context) {
		if rateLimiter != nil && !rateLimiter.CheckWebSocket(c) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		hub.ServeWs(c)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisService).WithEngineChecker(eng)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("experiment engine listening", "port", cfg.Port, "experiment_id", cfg.ExperimentId)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("transport shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}

// noopProbeDispatcher is the RTT-measurement oracle's placeholder
// dispatcher: spec.md places the actual probe mechanism out of scope, so
// this deployment runs with probing effectively disabled unless a real
// Dispatcher is substituted.
func noopProbeDispatcher(ctx context.Context, subjectA, subjectB types.SubjectId, deliver probe.ResultCallback) {
	deliver(nil)
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
