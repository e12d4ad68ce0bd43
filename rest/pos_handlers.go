package rest

import (
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pos-dispatch-api/registry"
)

// DeviceMessage is the frame format on the POS duplex channel. The
// server pushes order payloads; the device answers with ack/nack frames
// correlated by order id and may send pings at any time.
type DeviceMessage struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// wsTransport adapts the websocket connection to the registry's write
// side.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v interface{}) error { return t.conn.WriteJSON(v) }
func (t *wsTransport) Close() error                  { return t.conn.Close() }

// RegisterPOSRoutes wires the per-tenant device endpoint.
func RegisterPOSRoutes(app *fiber.App, reg *registry.Registry) {
	app.Use("/pos/:tenantId", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/pos/:tenantId", websocket.New(func(c *websocket.Conn) {
		runPOSSession(reg, c)
	}))
}

func runPOSSession(reg *registry.Registry, c *websocket.Conn) {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		c.Close()
		return
	}

	connID := fmt.Sprintf("conn_%s", uuid.New().String()[:8])

	// The connected acknowledgment completes the handshake. The session
	// is registered only after it succeeds, so the registry never counts
	// a connection the device cannot hear us on.
	if err := c.WriteJSON(DeviceMessage{Type: "connected", TenantID: tenantID}); err != nil {
		c.Close()
		return
	}

	conn := reg.Register(tenantID, connID, &wsTransport{conn: c})
	defer reg.Unregister(connID)

	for {
		var msg DeviceMessage
		if err := c.ReadJSON(&msg); err != nil {
			// Transport closed or broke; the deferred unregister prunes
			// the session eagerly.
			return
		}

		conn.Touch()

		switch msg.Type {
		case "ping":
			if err := conn.Send(DeviceMessage{Type: "pong"}); err != nil {
				return
			}
		case "ack":
			conn.Resolve(msg.OrderID, true, "")
		case "nack":
			conn.Resolve(msg.OrderID, false, msg.Reason)
		default:
			logrus.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"type":      msg.Type,
			}).Debug("ignoring unknown POS frame")
		}
	}
}
