package webserver

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/horizoncircle/circle-recon/src/recon/config"
	"github.com/horizoncircle/circle-recon/src/recon/pipeline"
)

func New(cfg config.Config, rdb *redis.Client, pipe *pipeline.Pipeline) *gin.Engine {
	r := gin.Default()
	attachRoutes(r, cfg, rdb, pipe)
	return r
}

func attachRoutes(r *gin.Engine, cfg config.Config, rdb *redis.Client, pipe *pipeline.Pipeline) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "https://app.horizoncircle.io"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	authH := NewAuth(rdb, []byte(cfg.JWTSecret))
	reqH := NewRequests(rdb, pipe)
	adminH := NewAdmin(pipe)

	limiter := NewRateLimiter(30, time.Minute)

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/challenge", authH.Challenge)
		v1.POST("/auth/verify", authH.Verify)

		secured := v1.Group("")
		secured.Use(JWTMiddleware([]byte(cfg.JWTSecret)), RateLimitMiddleware(limiter))
		{
			secured.GET("/requests", reqH.List)
			secured.GET("/circles", reqH.Circles)
			secured.GET("/loans", reqH.Loans)
			secured.POST("/requests/:id/contribute", reqH.Contribute)
			secured.POST("/requests/:id/decline", reqH.Decline)
			secured.POST("/requests/:id/execute", reqH.Execute)
		}

		admin := v1.Group("/admin")
		admin.Use(JWTMiddleware([]byte(cfg.JWTSecret)))
		{
			admin.POST("/cache/invalidate", adminH.InvalidateCache)
			admin.GET("/cache/stats", adminH.CacheStats)
		}
	}
}
