package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luminasearch/realtime-gateway/internal/config"
	"github.com/luminasearch/realtime-gateway/internal/logger"
	"github.com/luminasearch/realtime-gateway/internal/ownership"
	"github.com/luminasearch/realtime-gateway/internal/protocol"
	"github.com/luminasearch/realtime-gateway/internal/ticket"
)

// Handler terminates websocket upgrades: origin check, ticket exchange,
// upgrade, then the per-connection read loop.
type Handler struct {
	manager  *Manager
	tickets  ticket.Store
	cfg      config.Config
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(manager *Manager, tickets ticket.Store, cfg config.Config, log *logger.Logger) *Handler {
	h := &Handler{
		manager: manager,
		tickets: tickets,
		cfg:     cfg,
		log:     log.WithComponent("ws-handler"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin is validated explicitly before the upgrade is attempted.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return h
}

// originAllowed checks the Origin header against the allow-list. Requests
// without an Origin header (non-browser clients) pass; an unlisted browser
// origin is rejected. When the allow-list is empty in production, only the
// configured fallback origin is accepted, never a wildcard.
func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		if config.IsProduction() {
			return origin == h.cfg.FallbackOrigin
		}
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// admit resolves the connection identity from the ticket query parameter.
// With auth required, a missing or unredeemable ticket rejects the upgrade.
func (h *Handler) admit(c *gin.Context) (Identity, bool) {
	id := Identity{ConnectionID: uuid.New().String()}

	ticketID := c.Query("ticket")
	if ticketID == "" || h.tickets == nil {
		if h.cfg.AuthRequired {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ticket required"})
			return id, false
		}
		id.SessionID = ownership.AnonymousSession
		return id, true
	}

	payload, err := h.tickets.Exchange(c.Request.Context(), ticketID)
	if errors.Is(err, ticket.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired ticket"})
		return id, false
	}
	if err != nil {
		// Ticket store down: fail closed rather than admitting unverified clients.
		h.log.Error("ticket exchange failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admission unavailable"})
		return id, false
	}

	id.SessionID = payload.SessionID
	id.UserID = payload.UserID
	if id.SessionID == "" {
		id.SessionID = ownership.AnonymousSession
	}
	return id, true
}

// HandleWS is the GET /ws endpoint.
func (h *Handler) HandleWS(c *gin.Context) {
	if h.manager.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	if origin := c.GetHeader("Origin"); !h.originAllowed(origin) {
		h.log.Warn("rejected upgrade from disallowed origin", slog.String("origin", origin))
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	identity, ok := h.admit(c)
	if !ok {
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newConn(ws, identity)

	ws.SetReadLimit(h.cfg.MaxFrameBytes)
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	h.manager.Register(conn)
	conn.Send(protocol.NewWSStatus("connected"))

	h.readLoop(c, conn, ws)
}

// readLoop pumps inbound frames until the socket dies, then runs cleanup.
// Runs on the request goroutine; gin keeps it alive for the connection's life.
func (h *Handler) readLoop(c *gin.Context, conn *Conn, ws *websocket.Conn) {
	defer h.manager.CleanupConn(conn.ID())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("read loop ended",
					slog.String("connection_id", conn.ID()),
					slog.String("error", err.Error()))
			}
			return
		}
		conn.Touch()
		h.manager.HandleInbound(c.Request.Context(), conn, data)
	}
}
