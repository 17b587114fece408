package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"mapsync/internal/metrics"
)

// SetupRoutes registers all routes and middleware.
func SetupRoutes(app *fiber.App, deps *Dependencies) {
	// Prometheus metrics
	app.Use(metrics.Middleware())
	app.Get("/metrics", metrics.Handler())

	// Request ID
	app.Use(requestid.New())

	// Access logs (structured HTTP request logging)
	app.Use(AccessLogMiddleware())

	app.Get("/v1/health", HealthHandler())

	v1 := app.Group("/v1")
	v1.Post("/auto-match", AutoMatchHandler(deps))
	v1.Post("/georeference", SolveHandler(deps))
	v1.Post("/metadata/probe", ProbeHandler(deps))
}
