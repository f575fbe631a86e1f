package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/config"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultReadLimit = 64 * 1024
)

// Options tunes the transport.
type Options struct {
	ReadLimit int64
	// PingPeriod must be less than PongWait.
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// OptionsFromConfig maps the ws config section onto Options.
func OptionsFromConfig(c config.WSConfig) Options {
	return Options{
		ReadLimit:      c.ReadLimit,
		PingPeriod:     c.PingPeriod,
		PongWait:       c.PongWait,
		WriteWait:      c.WriteWait,
		SendBuffer:     c.SendBuffer,
		AllowedOrigins: c.AllowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	return o
}

// Handler upgrades HTTP requests to gateway connections.
type Handler struct {
	gw       *realtime.Gateway
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(gw *realtime.Gateway, opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		gw:   gw,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
	}
}

// checkOrigin admits requests without an Origin header and, when allowed is
// non-empty, only the listed origins. "*" admits everything.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// credential reads the bearer token from ?token= or the Authorization header.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return auth.CredentialFromHeader(r.Header.Get("Authorization"))
}

// ServeHTTP authenticates the request, upgrades it and starts the pumps.
// Rejected credentials get 401 before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.gw.Authenticate(r.Context(), credential(r))
	if err != nil {
		log.Debug().Err(err).Str("module", "ws").Str("remote", r.RemoteAddr).Msg("connection rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.gw.State() != realtime.StateRunning {
		http.Error(w, "gateway not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		log.Debug().Err(err).Str("module", "ws").Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	client := NewClient(conn, h.opts.SendBuffer)
	rc, err := h.gw.Accept(uuid.NewString(), client, user)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("connection not accepted")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "gateway not running"),
			time.Now().Add(h.opts.WriteWait))
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client, rc)
}

// readPump dispatches inbound frames until the socket fails, then
// disconnects the connection from the gateway.
func (h *Handler) readPump(client *Client, rc *realtime.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.gw.Disconnect(rc.ID())
		client.Close()
		client.Conn().Close()
	}()

	conn := client.Conn()
	conn.SetReadLimit(h.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("conn", rc.ID()).Msg("websocket error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			log.Debug().Str("module", "ws").Str("conn", rc.ID()).Msg("dropping malformed frame")
			continue
		}
		if msg.Event == EventPing {
			_ = client.Send(EventPong, nil)
			continue
		}

		h.gw.Dispatch(ctx, rc.ID(), msg.Event, msg.Data)
	}
}

// writePump drains the client's queue, one frame per WebSocket message.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	conn := client.Conn()
	for {
		select {
		case message, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if !ok {
				// The client was closed
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
