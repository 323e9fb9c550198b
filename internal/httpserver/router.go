package httpserver

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskpulse/internal/handler"
	"taskpulse/internal/repository"
)

type Router struct {
	Engine *gin.Engine
}

// NewRouter builds the subscription API router.
func NewRouter(
	subscriptionHandler *handler.SubscriptionHandler,
	jwtSecret string,
	db *pgxpool.Pool,
) *Router {
	r := gin.Default()
	r.Use(TraceMiddleware())

	registerHealth(r, db)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/push/subscriptions", subscriptionHandler.Register)
		auth.GET("/push/subscriptions", subscriptionHandler.List)
		auth.DELETE("/push/subscriptions", subscriptionHandler.Unregister)
	}

	return &Router{Engine: r}
}

// NewOpsRouter builds the health/metrics-only router the worker binaries
// serve; tickFn, when non-nil, is exposed as the platform-cron trigger.
func NewOpsRouter(db *pgxpool.Pool, tickFn func(ctx context.Context) (int, int)) *Router {
	r := gin.Default()

	registerHealth(r, db)

	if tickFn != nil {
		// 平台 cron 触发入口；与内部调度互不排斥，claim 保证并发安全
		r.POST("/internal/tick", func(c *gin.Context) {
			claimed, published := tickFn(c.Request.Context())
			c.JSON(200, gin.H{"claimed": claimed, "published": published})
		})
	}

	// 排障入口：查看最近被丢弃的事件
	failedEvents := repository.NewFailedEventRepository(db)
	r.GET("/internal/failed-events", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := failedEvents.ListRecent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(500, gin.H{"error": "failed to list failed events"})
			return
		}
		if events == nil {
			events = []repository.FailedEvent{}
		}
		c.JSON(200, gin.H{"failed_events": events})
	})

	return &Router{Engine: r}
}

func registerHealth(r *gin.Engine, db *pgxpool.Pool) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
