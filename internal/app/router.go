package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dispatchd/internal/handler"
	"dispatchd/internal/metrics"
	"dispatchd/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	RequestHandler *handler.RequestHandler
	DriverHandler  *handler.DriverHandler
	StreamHandler  *handler.StreamHandler
	Responses      middleware.ResponseStore
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	NewRelicApp    *newrelic.Application
	Logger         zerolog.Logger
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.Idempotency(deps.Responses, deps.Logger))
	{
		requests := v1.Group("/requests")
		{
			requests.POST("", deps.RequestHandler.Create)
			requests.GET("/:id", deps.RequestHandler.Get)
			requests.GET("/:id/offers", deps.RequestHandler.Offers)
			requests.GET("/:id/bids", deps.RequestHandler.Bids)
			requests.POST("/:id/bids", deps.RequestHandler.SubmitBid)
			requests.POST("/:id/accept", deps.RequestHandler.Accept)
			requests.GET("/:id/assignment", deps.RequestHandler.Assignment)
			requests.POST("/:id/cancel", deps.RequestHandler.Cancel)
		}

		drivers := v1.Group("/drivers")
		{
			drivers.POST("/:id/location", deps.DriverHandler.UpdateLocation)
			drivers.PUT("/:id/profile", deps.DriverHandler.UpdateProfile)
			drivers.POST("/:id/availability", deps.DriverHandler.SetAvailability)
		}

		if deps.StreamHandler != nil {
			drivers.GET("/:id/ws", deps.StreamHandler.Connect)
			v1.GET("/clients/:id/ws", deps.StreamHandler.Connect)
		}
	}

	return router
}
