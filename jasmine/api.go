package jasmine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealth      = "/health"
	apiPathStatus      = "/status"
	apiPathFacts       = "/api/facts/:guild_id"
	apiPathFactHistory = "/api/facts/:guild_id/history"
)

// API is a small read-only HTTP server exposing health and
// diagnostics endpoints alongside the bot: current status, queue
// counters, and per-guild fact listings with their audit history.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
	bot        *Jasmine
}

func newAPI(j *Jasmine, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
		bot:    j,
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(gin.Recovery(), api.loggingMiddleware())

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathStatus, api.status)
	r.GET(apiPathFacts, api.guildFacts)
	r.GET(apiPathFactHistory, api.guildFactHistory)

	return api, nil
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			a.logger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			a.logger.Info(
				fmt.Sprintf(
					"%s %s finished",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) status(c *gin.Context) {
	j := a.bot
	c.JSON(
		http.StatusOK, gin.H{
			"version":    Version,
			"commit_sha": CommitSHA,
			"build_time": BuildTime,
			"started_at": j.startedAt,
			"uptime":     time.Since(j.startedAt).String(),
			"discord_connected": j.discord != nil &&
				j.discord.connected.Load(),
			"personality": j.Personality(),
			"chat_queue": gin.H{
				"waiting":   j.chatQueue.Len(),
				"processed": j.chatQueue.Processed(),
				"dropped":   j.chatQueue.Dropped(),
			},
			"image_queue": gin.H{
				"waiting":   j.imageQueue.Len(),
				"processed": j.imageQueue.Processed(),
				"dropped":   j.imageQueue.Dropped(),
			},
		},
	)
}

func (a *API) guildFacts(c *gin.Context) {
	guildID := c.Param("guild_id")
	if a.bot.store == nil {
		c.JSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "memory store not initialized"},
		)
		return
	}
	facts, err := a.bot.store.ListedFacts(guildID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error reading guild facts"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "facts": facts})
}

func (a *API) guildFactHistory(c *gin.Context) {
	guildID := c.Param("guild_id")
	if a.bot.db == nil {
		c.JSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "database not initialized"},
		)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := a.bot.db.FactHistory(c.Request.Context(), guildID, limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error reading fact history"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "history": history})
}

// Serve listens on the configured address until the server is shut
// down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}
