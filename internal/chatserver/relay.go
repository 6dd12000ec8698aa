package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/mq"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultBusTopic     = "chat.bus"
	writeWait           = 10 * time.Second
)

// Bus relays messages to users connected to other instances.
type Bus interface {
	mq.Producer
	mq.Consumer
}

// inMessage is a frame sent by a connected user.
type inMessage struct {
	ToID string `json:"toID"`
	Msg  string `json:"msg"`
}

type sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// outMessage is delivered to the recipient.
type outMessage struct {
	From sender `json:"from"`
	Msg  string `json:"msg"`
}

// busMessage carries an inMessage whose recipient is not connected here.
type busMessage struct {
	Instance uuid.UUID `json:"instance"`
	FromID   string    `json:"from"`
	FromName string    `json:"fromName"`
	ToID     string    `json:"toID"`
	Msg      string    `json:"msg"`
}

// client is a user connected to this instance. Writes are serialized by mu;
// the connection's reader is the handler goroutine.
type client struct {
	usr      User
	conn     *websocket.Conn
	mu       sync.Mutex
	lastPong atomic.Int64
}

func newClient(usr User, conn *websocket.Conn) *client {
	c := &client{usr: usr, conn: conn}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *client) lastPongAt() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// hub indexes the clients connected to this instance.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func newHub() *hub {
	return &hub{clients: make(map[string]*client)}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.usr.ID] = c
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c.usr.ID] == c {
		delete(h.clients, c.usr.ID)
	}
	h.mu.Unlock()
}

func (h *hub) get(id string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Start subscribes to the bus, if any, and starts the ping loop. Both stop
// when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.bus != nil {
		ch, err := s.bus.Subscribe(s.topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		go s.listenBus(ctx, ch)
	}
	go s.pingLoop(ctx)
	return nil
}

// listen reads frames from c until the connection fails.
func (s *Server) listen(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(logger.TagServer, "user %s read error: %v", c.usr.ID, err)
			}
			return
		}

		var in inMessage
		if err := json.Unmarshal(data, &in); err != nil {
			logger.Debug(logger.TagServer, "user %s sent invalid frame: %v", c.usr.ID, err)
			continue
		}
		if in.ToID == "" {
			logger.Debug(logger.TagServer, "user %s sent frame without toID", c.usr.ID)
			continue
		}
		s.route(c.usr, in)
	}
}

// route delivers in to a local recipient, or publishes it on the bus.
func (s *Server) route(from User, in inMessage) {
	if to, ok := s.hub.get(in.ToID); ok {
		s.deliver(to, outMessage{From: sender{ID: from.ID, Name: from.Name}, Msg: in.Msg})
		return
	}

	if s.bus == nil {
		s.undelivered.Add(1)
		logger.Debug(logger.TagServer, "user %s not found", in.ToID)
		return
	}

	payload, err := json.Marshal(busMessage{
		Instance: s.instanceID,
		FromID:   from.ID,
		FromName: from.Name,
		ToID:     in.ToID,
		Msg:      in.Msg,
	})
	if err != nil {
		logger.Error(logger.TagServer, "marshal bus message: %v", err)
		return
	}
	if err := s.bus.Publish(s.topic, payload); err != nil {
		s.undelivered.Add(1)
		logger.Warn(logger.TagServer, "publish to %s: %v", s.topic, err)
		return
	}
	logger.Debug(logger.TagServer, "bus send from=%s to=%s", from.ID, in.ToID)
}

func (s *Server) deliver(to *client, msg outMessage) {
	if err := to.send(msg); err != nil {
		s.undelivered.Add(1)
		logger.Debug(logger.TagServer, "deliver to %s: %v", to.usr.ID, err)
		return
	}
	s.routed.Add(1)
}

// listenBus delivers messages published by other instances.
func (s *Server) listenBus(ctx context.Context, ch <-chan *mq.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var bm busMessage
			if err := json.Unmarshal(msg.Payload, &bm); err != nil {
				logger.Warn(logger.TagServer, "bus: invalid message: %v", err)
				continue
			}
			if bm.Instance == s.instanceID {
				continue
			}
			to, ok := s.hub.get(bm.ToID)
			if !ok {
				continue
			}
			s.deliver(to, outMessage{From: sender{ID: bm.FromID, Name: bm.FromName}, Msg: bm.Msg})
		}
	}
}

// pongHandler records the pong and extends the user's presence. Losing the
// presence key to another instance ends the connection.
func (s *Server) pongHandler(c *client) func(string) error {
	return func(string) error {
		c.lastPong.Store(time.Now().UnixNano())

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		defer cancel()
		err := s.users.Refresh(ctx, c.usr.ID)
		if errors.Is(err, ErrNotOwner) {
			logger.Info(logger.TagServer, "user %s connected elsewhere, dropping", c.usr.ID)
			return err
		}
		if err != nil {
			logger.Warn(logger.TagServer, "%v", err)
		}
		return nil
	}
}

func (s *Server) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll(time.Now())
		}
	}
}

// pingAll evicts clients that missed two pings and pings the rest.
func (s *Server) pingAll(now time.Time) {
	maxWait := 2 * s.cfg.PingInterval
	for _, c := range s.hub.snapshot() {
		if now.Sub(c.lastPongAt()) > maxWait {
			s.evicted.Add(1)
			logger.Info(logger.TagServer, "user %s missed pongs, evicting", c.usr.ID)
			c.conn.Close()
			continue
		}
		if err := c.ping(); err != nil {
			logger.Debug(logger.TagServer, "ping %s: %v", c.usr.ID, err)
		}
	}
}
