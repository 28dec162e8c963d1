package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/machug/brewsignal/pkg/types"
)

// Envelope is the one message shape on the wire. Type is "snapshot",
// "reading" or "controller".
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Snapshotter assembles the catch-up state a fresh subscriber gets
// before the live stream starts.
type Snapshotter func(ctx context.Context) (any, error)

//go:generate moq -rm -out hub_mock.go . Hub
type Hub interface {
	PublishReading(reading types.Reading)
	PublishControllerState(state any)
	PublishAmbient(temperatureC float64, at time.Time)
	Handler() http.HandlerFunc
	Close()
}

const clientBufferSize = 32

func New(snapshot Snapshotter) Hub {
	return &hub{
		snapshot: snapshot,
		clients:  map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the service trusts its LAN, same as the rest of the API
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type hub struct {
	snapshot Snapshotter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func (h *hub) PublishReading(reading types.Reading) {
	h.publish("reading", reading)
}

func (h *hub) PublishControllerState(state any) {
	h.publish("controller", state)
}

func (h *hub) PublishAmbient(temperatureC float64, at time.Time) {
	h.publish("ambient", map[string]any{
		"temperatureC": temperatureC,
		"at":           at,
	})
}

func (h *hub) publish(msgType string, payload any) {
	message, err := encode(msgType, payload)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.offer(message)
	}
}

// offer never blocks: a stalled subscriber loses its oldest queued
// message rather than holding up the publisher.
func (c *client) offer(message []byte) {
	for {
		select {
		case c.send <- message:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func (h *hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.GetFromContext(r.Context())

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "err", err.Error())
			return
		}

		c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientBufferSize)}
		log.Debug("subscriber connected", "subscriber_id", c.id, "remote", r.RemoteAddr)

		if h.snapshot != nil {
			if payload, err := h.snapshot(r.Context()); err == nil {
				if message, err := encode("snapshot", payload); err == nil {
					c.offer(message)
				}
			} else {
				log.Warn("could not assemble snapshot for new subscriber", "err", err.Error())
			}
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[c] = struct{}{}
		h.mu.Unlock()

		go h.writePump(c)
		go h.readPump(c)
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames get processed, and
// unregisters the client when the peer goes away.
func (h *hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
