package rest

import (
	"github.com/gofiber/fiber/v2"

	"pos-dispatch-api/db"
	"pos-dispatch-api/registry"
)

type HealthResponse struct {
	Status   string         `json:"status"`
	Database string         `json:"database"`
	Tenants  map[string]int `json:"tenants"`
}

type TenantHealthResponse struct {
	TenantID        string   `json:"tenant_id"`
	Connections     int      `json:"connections"`
	ConnectionIDs   []string `json:"connection_ids"`
	PendingOrders   int      `json:"pending_orders"`
	FiringOrders    int      `json:"firing_orders"`
	FiredOrders     int      `json:"fired_orders"`
	FailedOrders    int      `json:"failed_orders"`
	DeviceConnected bool     `json:"device_connected"`
}

// HealthHandler reports overall liveness plus live POS connection counts
// per tenant. The web tier shows "POS connected/disconnected" from this,
// so the response must never be served stale.
func HealthHandler(reg *registry.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Cache-Control", "no-store")

		status := "ok"
		database := "connected"
		if err := db.GetDB().Ping(); err != nil {
			status = "degraded"
			database = "unavailable"
		}

		return c.JSON(HealthResponse{
			Status:   status,
			Database: database,
			Tenants:  reg.Counts(),
		})
	}
}

// TenantHealthHandler reports one tenant's live connections and schedule
// state counts for operator tooling.
func TenantHealthHandler(reg *registry.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Cache-Control", "no-store")

		tenantID := c.Params("tenantId")
		if tenantID == "" {
			return ReturnBadRequest(c, "tenantId is required")
		}

		count, ids := reg.LiveConnections(tenantID)

		summary, err := db.GetScheduleSummary(tenantID)
		if err != nil {
			return ReturnInternalError(c, "Failed to retrieve schedule summary")
		}

		return c.JSON(TenantHealthResponse{
			TenantID:        tenantID,
			Connections:     count,
			ConnectionIDs:   ids,
			PendingOrders:   summary.Pending,
			FiringOrders:    summary.Firing,
			FiredOrders:     summary.Fired,
			FailedOrders:    summary.Failed,
			DeviceConnected: count > 0,
		})
	}
}
