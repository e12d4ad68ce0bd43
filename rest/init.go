package rest

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pos-dispatch-api/registry"
)

func Init(app *fiber.App, reg *registry.Registry) {
	SetupSwagger(app)

	app.Post("/orders", CreateOrderHandler)
	app.Get("/tenants/:tenantId/schedules", ListSchedulesHandler)
	app.Get("/tenants/:tenantId/failed-orders", ListFailedOrdersHandler)
	app.Post("/tenants/:tenantId/orders/:orderId/retry", ManualRetryHandler)
	app.Delete("/tenants/:tenantId/orders/:orderId", CancelOrderHandler)

	RegisterPOSRoutes(app, reg)

	app.Get("/health", HealthHandler(reg))
	app.Get("/tenants/:tenantId/health", TenantHealthHandler(reg))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	log.Info("REST API started")
}
