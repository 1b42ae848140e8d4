// Command helene-server wires every package in this repo into one running
// process: config loading, the method/event/session registries, the
// optional cluster relay and JWT authenticator, and the three transports
// (WebSocket, HTTP POST, SSE) mounted on one gin router. Grounded on the
// teacher's cmd/main.go graceful-shutdown/signal-handling shape, trimmed
// to this repo's much smaller dependency surface (no database, no k8s
// client, no webhook/quota subsystems).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heleneproject/helene/internal/auth"
	"github.com/heleneproject/helene/internal/cache"
	"github.com/heleneproject/helene/internal/cluster"
	"github.com/heleneproject/helene/internal/config"
	"github.com/heleneproject/helene/internal/dispatch"
	"github.com/heleneproject/helene/internal/events"
	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/methods"
	"github.com/heleneproject/helene/internal/middleware"
	"github.com/heleneproject/helene/internal/scheduler"
	"github.com/heleneproject/helene/internal/session"
	"github.com/heleneproject/helene/internal/transport/httprpc"
	"github.com/heleneproject/helene/internal/transport/sse"
	"github.com/heleneproject/helene/internal/transport/ws"
	"github.com/heleneproject/helene/internal/wire"
)

func main() {
	cfg := config.FromEnv(config.Default())
	if cfg.InstanceID == "" {
		cfg.InstanceID = wire.NewID()
	}

	logging.Initialize(cfg.LogLevel, cfg.Pretty)
	log := logging.Dispatch()
	log.Info().Str("instanceId", cfg.InstanceID).Msg("starting helene-server")

	redisCache, err := cache.New(cache.Config{
		URL:     cfg.PresenceRedisURL,
		Enabled: cfg.PresenceRedisURL != "",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis cache")
	}

	sessions := session.NewRegistry()
	eventsRegistry := events.NewRegistry(cfg.InstanceID)
	methodsRegistry := methods.NewRegistry(cache.NewMemo(redisCache), nil)

	var authenticator auth.Authenticator
	if cfg.JWTSecret != "" {
		authenticator = auth.NewJWTVerifier(auth.JWTConfig{SecretKey: cfg.JWTSecret})
	}

	var presence *cluster.Presence
	if cfg.PresenceRedisURL != "" {
		presence = cluster.NewPresence(redisCache, cfg.InstanceID)
		if err := presence.JoinInstance(context.Background()); err != nil {
			log.Warn().Err(err).Msg("presence: join instance failed")
		}
	}

	var relay *cluster.Relay
	if cfg.ClusterBusURL != "" {
		relay, err = cluster.NewRelay(cfg.ClusterBusURL, "", cfg.InstanceID, eventsRegistry)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to cluster bus")
		}
		eventsRegistry.AttachRelay(relay)
		defer relay.Close()
	}

	sched := scheduler.New()
	eventsRegistry.AttachScheduler(sched)

	d := dispatch.New(methodsRegistry, eventsRegistry, sessions, authenticator, presence, cfg)

	if _, err := sched.Every(cfg.KeepAliveInterval, func() { sweepStaleSessions(d, cfg) }); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule stale-session sweep")
	}
	sched.Start()
	defer sched.Stop()

	router := newRouter(cfg, d)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	if presence != nil {
		if err := presence.LeaveInstance(context.Background()); err != nil {
			log.Warn().Err(err).Msg("presence: leave instance failed")
		}
	}
}

// connectionsPerSecond and connectionBurst bound how fast a single IP can open connections or
// issue HTTP RPC calls, ahead of and independent from the per-session
// token bucket internal/session.Session.Allow enforces once a session
// exists (config.Options.RateLimit).
const (
	connectionsPerSecond = 20
	connectionBurst      = 40
)

func newRouter(cfg config.Options, d *dispatch.Dispatcher) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.StructuredLogger(), gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.DefaultSizeLimiter())
	router.Use(middleware.NewRateLimiter(connectionsPerSecond, connectionBurst).Middleware())

	timeoutCfg := middleware.DefaultTimeoutConfig()
	timeoutCfg.ExcludedPaths = []string{cfg.WSPath, cfg.SSEPath}
	router.Use(middleware.Timeout(timeoutCfg))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.GET(cfg.WSPath, ws.New(d, cfg).ServeHTTP)
	router.POST(cfg.HTTPPath, httprpc.New(d, cfg).ServeHTTP)
	router.GET(cfg.SSEPath, sse.New(d, cfg).ServeHTTP)

	return router
}

// sweepStaleSessions closes sessions that have missed their heartbeat
// window, grounded on the teacher's AgentHub.checkStaleConnections sweep.
func sweepStaleSessions(d *dispatch.Dispatcher, cfg config.Options) {
	cutoff := 2 * cfg.KeepAliveInterval
	stale := d.Sessions.StaleSince(func(s *session.Session) bool {
		return time.Since(s.LastActivity()) > cutoff
	})
	for _, sess := range stale {
		d.Teardown(sess)
	}
}
