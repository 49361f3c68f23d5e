package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/biomex/biomex/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers enforce same-origin for REST; subscriptions are
		// read-only market data so any origin may attach.
		return true
	},
}

// wsCommand is the client-to-server message shape.
type wsCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// wsReply is the server-to-client acknowledgement shape. Data events
// published by the engines use the hub's envelope instead.
type wsReply struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleWS upgrades GET /ws and attaches the connection to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	id := uuid.New().String()
	sub := s.hub.Attach(id)
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}
	log.Debug().Str("conn", id).Msg("ws: connected")

	client := &wsClient{
		server:   s,
		conn:     conn,
		id:       id,
		control:  make(chan wsReply, 16),
		channels: make(map[string]struct{}),
	}
	go client.writePump(sub.Send())
	client.readPump()
}

type wsClient struct {
	server   *Server
	conn     *websocket.Conn
	id       string
	control  chan wsReply
	channels map[string]struct{} // owned by readPump
}

// readPump consumes client commands until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.Detach(c.id)
		if c.server.metrics != nil {
			c.server.metrics.WSConnections.Dec()
		}
		close(c.control)
		c.conn.Close()
		log.Debug().Str("conn", c.id).Msg("ws: disconnected")
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("ws: read error")
			}
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.reply(wsReply{Type: "error", Message: "malformed command"})
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *wsClient) dispatch(cmd wsCommand) {
	switch cmd.Action {
	case "subscribe":
		if !validChannel(cmd.Channel) {
			c.reply(wsReply{Type: "error", Channel: cmd.Channel, Message: "unknown channel"})
			return
		}
		if c.server.hub.Subscribe(c.id, cmd.Channel) {
			c.channels[cmd.Channel] = struct{}{}
		}
		c.reply(wsReply{Type: "subscribed", Channel: cmd.Channel})
	case "unsubscribe":
		// A bare unsubscribe with no channel drops everything.
		if cmd.Channel == "" {
			c.unsubscribeAll()
			return
		}
		c.server.hub.Unsubscribe(c.id, cmd.Channel)
		delete(c.channels, cmd.Channel)
		c.reply(wsReply{Type: "unsubscribed", Channel: cmd.Channel})
	case "unsubscribe_all":
		c.unsubscribeAll()
	case "ping":
		c.reply(wsReply{Type: "pong"})
	default:
		c.reply(wsReply{Type: "error", Message: "unknown action"})
	}
}

func (c *wsClient) unsubscribeAll() {
	for ch := range c.channels {
		c.server.hub.Unsubscribe(c.id, ch)
		delete(c.channels, ch)
	}
	c.reply(wsReply{Type: "unsubscribed"})
}

func (c *wsClient) reply(r wsReply) {
	select {
	case c.control <- r:
	default:
		// control backlog full; the write pump is wedged and the read
		// deadline will reap the connection shortly
	}
}

// writePump owns all writes to the socket: hub events, control replies
// and keepalive pings.
func (c *wsClient) writePump(events <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case r, ok := <-c.control:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(r); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// validChannel checks a subscription name against the channel grammar.
func validChannel(channel string) bool {
	if channel == "biome_market_all" {
		return true
	}
	parts := strings.Split(channel, ":")
	switch parts[0] {
	case "biome_market":
		return len(parts) == 2 && domain.ValidBiome(domain.Biome(parts[1]))
	case "quote", "trades", "status":
		return len(parts) == 2 && parts[1] != ""
	case "depth":
		if len(parts) != 3 || parts[1] == "" {
			return false
		}
		return parts[2] == "5" || parts[2] == "10" || parts[2] == "20"
	case "candles":
		return len(parts) == 3 && parts[1] != "" && domain.ValidTimeframe(domain.Timeframe(parts[2]))
	default:
		return false
	}
}
