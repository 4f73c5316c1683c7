package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luminasearch/realtime-gateway/internal/backlog"
	"github.com/luminasearch/realtime-gateway/internal/config"
	"github.com/luminasearch/realtime-gateway/internal/gateway"
	"github.com/luminasearch/realtime-gateway/internal/ingest"
	"github.com/luminasearch/realtime-gateway/internal/jobstore"
	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/metrics"
	"github.com/luminasearch/realtime-gateway/internal/ownership"
	"github.com/luminasearch/realtime-gateway/internal/pending"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
	"github.com/luminasearch/realtime-gateway/internal/publish"
	"github.com/luminasearch/realtime-gateway/internal/ratelimit"
	"github.com/luminasearch/realtime-gateway/internal/storage/pg"
	"github.com/luminasearch/realtime-gateway/internal/subscription"
	"github.com/luminasearch/realtime-gateway/internal/ticket"
)

func main() {
	cfg := config.Load()

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting realtime gateway", "instance_id", logger.GetInstanceID())

	gin.SetMode(cfg.GinMode)

	// Database holds request ownership and state snapshots.
	db, err := pg.InitDatabase(cfg)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Ticket store gates admission. With auth required the gateway refuses to
	// start without it rather than running open.
	var tickets ticket.Store
	redisStore, err := ticket.NewRedisStore(context.Background(), cfg.RedisURL)
	if err != nil {
		if cfg.AuthRequired {
			log.Error("failed to initialize ticket store", "error", err)
			os.Exit(1)
		}
		log.Warn("ticket store unavailable, admitting anonymously", "error", err)
	} else {
		tickets = redisStore
		defer redisStore.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	jobs := jobstore.New(db.DB)

	registry := subscription.NewRegistry(log)
	bl := backlog.NewStore(cfg.BacklogPerKeyLimit, cfg.BacklogGlobalLimit, cfg.BacklogTTL, log, m)
	pend := pending.NewRegistry(cfg.PendingTTL, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefillTokens, cfg.RateLimitRefillInterval)
	verifier := ownership.NewVerifier(jobs, log)
	publisher := publish.NewPublisher(registry, bl, log, m)

	manager := gateway.NewManager(
		gateway.Options{
			AuthRequired:      cfg.AuthRequired,
			LegacyEnabled:     cfg.LegacyProtocolEnabled,
			HeartbeatInterval: cfg.HeartbeatInterval,
			IdleTimeout:       cfg.IdleTimeout,
		},
		registry, bl, pend, limiter, verifier, publisher, jobs, nil, log, m,
	)

	// Bus bridge is optional: without NATS the internal HTTP surface still
	// drives publishes and activations.
	var bridge *ingest.Bridge
	if cfg.NatsURL != "" {
		bridge, err = ingest.NewBridge(cfg.NatsURL, manager, log)
		if err != nil {
			log.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
		manager.SetEventSink(bridge)
		log.Info("nats bridge connected")
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go manager.Run(heartbeatCtx)

	wsHandler := gateway.NewHandler(manager, tickets, cfg, log)

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	startedAt := time.Now()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"uptimeSeconds": int(time.Since(startedAt).Seconds()),
			"stats":         manager.Stats(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	router.GET("/ws", wsHandler.HandleWS)

	// Internal surface for the search backend, shared-secret guarded.
	internal := router.Group("/internal")
	internal.Use(requireInternalToken(cfg.InternalToken))
	{
		internal.POST("/publish", publishHandler(manager))
		internal.POST("/requests/:id/activate", activateHandler(manager))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("gateway listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	manager.Shutdown()
	stopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// requireInternalToken guards the backend-facing endpoints with a constant
// time shared-secret check. An empty configured token disables the surface.
func requireInternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal api disabled"})
			return
		}
		got := c.GetHeader("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type publishRequest struct {
	Channel   string          `json:"channel" binding:"required"`
	RequestID string          `json:"requestId" binding:"required"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message" binding:"required"`
}

func publishHandler(manager *gateway.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ch, ok := protocol.ParseChannel(req.Channel)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
			return
		}

		summary := manager.Publish(ch, req.RequestID, req.SessionID, req.Message)
		c.JSON(http.StatusOK, summary)
	}
}

type activateRequest struct {
	OwnerSessionID string `json:"ownerSessionId" binding:"required"`
}

func activateHandler(manager *gateway.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		promoted := manager.ActivatePendingSubscriptions(c.Param("id"), req.OwnerSessionID)
		c.JSON(http.StatusOK, gin.H{"promoted": promoted})
	}
}
