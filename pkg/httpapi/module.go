package httpapi

import (
	"net/http"
	"time"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/health"
	"loyalty-engine/pkg/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		func(e *gin.Engine) http.Handler { return e },
	),
)

// Route is implemented by service handlers that mount themselves under /v1.
type Route interface {
	Register(r gin.IRouter)
}

// AsRoute annotates a constructor so its result joins the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

type Params struct {
	fx.In
	Config *config.Config
	Health health.HealthService `optional:"true"`
	Routes []Route              `group:"routes"`
}

func NewEngine(p Params) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), accessLog())

	if p.Config.Server.EnableCORS {
		corsConfig := cors.DefaultConfig()
		if len(p.Config.Server.CORSOrigins) > 0 {
			corsConfig.AllowOrigins = p.Config.Server.CORSOrigins
		} else {
			corsConfig.AllowAllOrigins = true
		}
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.RequestIDHeader)
		engine.Use(cors.New(corsConfig))
	}

	if p.Health != nil {
		engine.GET("/healthz", p.Health.Liveness)
		engine.GET("/readyz", p.Health.Readiness)
	}
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1", middleware.Error())
	for _, route := range p.Routes {
		route.Register(v1)
	}

	return engine
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}

		zap.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.RequestIDFromContext(c.Request.Context())),
		)
	}
}
