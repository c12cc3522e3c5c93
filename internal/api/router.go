// Package api exposes the operator HTTP surface of the engine.
package api

import (
	"fmt"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/command"
	"laundry-sync-backend/internal/mw"
	"laundry-sync-backend/internal/notification"
	"laundry-sync-backend/internal/realtime"
	"laundry-sync-backend/internal/store"
)

// Deps are the collaborators the router wires into its handlers.
type Deps struct {
	Store    store.Store
	Operator *command.Service
	Notifier notification.Notifier
	Link     Link
	Hub      *realtime.Hub
	WebPush  *webpush.Options
}

// NewRouter creates and configures a new Gin router.
func NewRouter(deps Deps, cfg config.ServerConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	handler := NewHandler(deps.Store, deps.Operator, deps.Notifier, deps.Link, deps.WebPush, logger)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if sqlDB, err := deps.Store.DB().DB(); err == nil {
		health.AddReadinessCheck("database-check", healthcheck.DatabasePingCheck(sqlDB, time.Second))
	}
	if deps.Link != nil {
		health.AddReadinessCheck("mqtt-check", func() error {
			if deps.Link.IsConnected() {
				return nil
			}
			return fmt.Errorf("mqtt not connected")
		})
	}
	r.GET("/live", gin.WrapF(health.LiveEndpoint))
	r.GET("/ready", gin.WrapF(health.ReadyEndpoint))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 10*time.Minute)
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	api := r.Group("/api")
	{
		api.GET("/health", handler.GetHealth)
		if deps.Hub != nil {
			// Long-lived streams stay outside the rate limiter.
			api.GET("/events", deps.Hub.ServeSSE)
		}
	}

	limited := api.Group("", mw.RateLimiter(limiter))
	{
		limited.GET("/machines", handler.ListMachines)
		limited.GET("/machines/:id", handler.GetMachine)
		limited.GET("/machines/:id/stats", caching, handler.GetMachineStats)
		limited.POST("/machines/:id/pause", handler.PauseMachine)
		limited.POST("/machines/:id/resume", handler.ResumeMachine)
		limited.POST("/machines/:id/reset", handler.ResetMachine)
		limited.POST("/machines/:id/maintenance", handler.SetMaintenance)

		limited.POST("/orders", handler.CreateOrder)
		limited.GET("/orders/:code", handler.GetOrder)
		limited.POST("/orders/:code/start", handler.StartOrder)
		limited.POST("/orders/:code/pickup", handler.PickupOrder)
		limited.DELETE("/orders/:code", handler.CancelOrder)

		limited.GET("/subscriptions", handler.GetSubscription)
		limited.PUT("/subscriptions", handler.PutSubscription)
		limited.DELETE("/subscriptions", handler.DeleteSubscription)
		limited.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
