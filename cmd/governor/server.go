package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Morse2580/Mimir-sub001/internal/governor"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/health"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
	"github.com/Morse2580/Mimir-sub001/pkg/metrics"
	"github.com/Morse2580/Mimir-sub001/pkg/tracing"
)

// newRouter builds the ops router. Only operational surfaces are
// exposed over HTTP; the domain operations stay in-process behind the
// facade.
func newRouter(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, ts *tracing.TracingService, hs *health.Service, gov *governor.Governor) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(recoveryMiddleware(logger, m))
	router.Use(requestLogging(logger))
	router.Use(m.PrometheusMiddleware())
	router.Use(ts.TracingMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "HEAD"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", hs.Handler())
	router.GET("/health/live", hs.LivenessHandler())
	router.GET("/health/ready", hs.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/degraded", degradedHandler(gov))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// degradedHandler reports the degraded-mode snapshot
func degradedHandler(gov *governor.Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gov.DegradedModeStatus(c.Request.Context()))
	}
}

func requestLogging(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path,
			c.Request.UserAgent(), c.ClientIP(), c.Writer.Status(), time.Since(start))
	}
}

func recoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.LogPanic(c.Request.Context(), r, "Ops handler panicked")
				m.RecordPanic("ops_server")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
