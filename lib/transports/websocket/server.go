package websocket

import (
	"errors"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/nostrhive/nostrhive/lib/config"
	"github.com/nostrhive/nostrhive/lib/logging"
	"github.com/nostrhive/nostrhive/lib/policy"
	"github.com/nostrhive/nostrhive/lib/relays"
	"github.com/nostrhive/nostrhive/lib/stores"
)

const (
	defaultOutboundQueueSize = 512
	defaultMaxQueryLimit     = 500
)

// Server owns the websocket side of the process: the fan-out registry and
// the per-connection wiring. Each hosted relay is addressed by its id as
// the URL path.
type Server struct {
	store    stores.Store
	relays   *relays.Registry
	enforcer *policy.Enforcer
	registry *ConnectionRegistry
}

// BuildServer assembles the fiber app: the relay info middleware and the
// websocket endpoint at /:relayID.
func BuildServer(store stores.Store, relayRegistry *relays.Registry, enforcer *policy.Enforcer) *fiber.App {
	s := &Server{
		store:    store,
		relays:   relayRegistry,
		enforcer: enforcer,
		registry: NewConnectionRegistry(),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/:relayID", s.handleRelayInfoRequests, websocket.New(s.handleConnection))

	return app
}

// StartServer listens on the configured address. Blocks until the app is
// shut down.
func StartServer(app *fiber.App) error {
	cfg := config.GetConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	logging.Infof("Relay server listening on %s", addr)
	return app.Listen(addr)
}

// handleRelayInfoRequests serves the NIP-11 document for plain GETs that
// ask for application/nostr+json and lets upgrade requests through.
func (s *Server) handleRelayInfoRequests(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}

	if c.Method() == fiber.MethodGet && c.Get("Accept") == "application/nostr+json" {
		relay, err := s.relays.GetPublic(c.Params("relayID"))
		if err != nil {
			if errors.Is(err, stores.ErrRelayNotFound) {
				return c.SendStatus(fiber.StatusNotFound)
			}
			logging.Errorf("Failed to load relay info for %s: %v", c.Params("relayID"), err)
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		c.Set("Access-Control-Allow-Origin", "*")
		return c.JSON(relayInfoDocument(relay))
	}

	return fiber.ErrUpgradeRequired
}

func (s *Server) handleConnection(ws *websocket.Conn) {
	relayID := ws.Params("relayID")

	if _, ok := s.relays.Spec(relayID); !ok {
		_ = ws.WriteMessage(websocket.TextMessage, noticeResponse("relay not found or inactive"))
		ws.Close()
		return
	}

	conn := s.newConnection(ws, relayID)
	s.registry.Attach(conn)
	logging.Debugf("Connection %s attached to relay %s", conn.remote, relayID)

	conn.run()
}

func (s *Server) newConnection(ws *websocket.Conn, relayID string) *Connection {
	queueSize := defaultOutboundQueueSize
	maxQueryLimit := defaultMaxQueryLimit
	if cfg := config.GetConfig(); cfg != nil {
		if cfg.Relay.OutboundQueueSize > 0 {
			queueSize = cfg.Relay.OutboundQueueSize
		}
		if cfg.Relay.MaxQueryLimit > 0 {
			maxQueryLimit = cfg.Relay.MaxQueryLimit
		}
	}

	return &Connection{
		ws:            ws,
		relayID:       relayID,
		remote:        ws.RemoteAddr().String(),
		store:         s.store,
		relays:        s.relays,
		enforcer:      s.enforcer,
		registry:      s.registry,
		maxQueryLimit: maxQueryLimit,
		out:           make(chan []byte, queueSize),
		done:          make(chan struct{}),
	}
}
