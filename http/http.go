package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/mediastation/config"
	"github.com/jkaberg/mediastation/metrics"
)

const shutdownTimeout = 10 * time.Second

// Deps are the services exposed over HTTP. Nil optional members disable
// their routes.
type Deps struct {
	Engine   Engine
	Searcher Searcher
	History  History
	Limits   Limiter
	Config   *config.Handler
	Hub      *Hub
	Gatherer prometheus.Gatherer
	LogPath  string
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())
	r.Use(Metrics())

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/sessions", apiListSessionsHandler(d.Engine))
		api.POST("/sessions", apiAddSessionHandler(d.Engine))
		api.GET("/sessions/:id", apiGetSessionHandler(d.Engine))
		api.DELETE("/sessions/:id", apiRemoveSessionHandler(d.Engine))
		api.POST("/sessions/:id/pause", apiPauseSessionHandler(d.Engine))
		api.POST("/sessions/:id/resume", apiResumeSessionHandler(d.Engine))

		if d.Searcher != nil {
			api.GET("/search", apiSearchHandler(d.Searcher))
		}

		if d.History != nil {
			api.GET("/history", apiListHistoryHandler(d.History))
			api.DELETE("/history/:id", apiDeleteHistoryHandler(d.History))
		}

		if d.Limits != nil {
			// rate limit endpoints (Mbit/s)
			api.GET("/settings/limits", apiGetLimitsHandler(d.Limits))
			api.POST("/settings/limits", apiSetLimitsHandler(d.Limits, d.Config))
		}

		if d.Hub != nil {
			api.GET("/events", apiEventsHandler(d.Hub, d.Engine))
		}

		if d.LogPath != "" {
			api.GET("/log", apiLogHandler(d.LogPath))
		}
	}

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, h http.Handler, cfg *config.HTTPGlobal) error {
	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("host", addr).Msg("starting webserver")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("error initializing server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

func Logger() gin.HandlerFunc {
	l := log.Logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()
		if raw != "" {
			path = path + "?" + raw
		}
		msg := c.Errors.String()
		if msg == "" {
			msg = "Request"
		}

		s := c.Writer.Status()
		switch {
		case s >= 400 && s < 500:
			l.Warn().Str("path", path).Int("status", s).Msg(msg)
		case s >= 500:
			l.Error().Str("path", path).Int("status", s).Msg(msg)
		default:
			l.Debug().Str("path", path).Int("status", s).Msg(msg)
		}
	}
}

// Metrics records request counts and durations by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
