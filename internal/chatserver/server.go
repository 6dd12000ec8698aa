// Package chatserver is a reference target for the connect scenario. It
// implements the server side of the handshake (HELLO, a JSON identity,
// then WELCOME) and relays {"toID","msg"} frames between connected users,
// across instances when a Bus is configured.
package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/scenario"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

const (
	helloMessage    = "HELLO"
	welcomeMessage  = "WELCOME"
	alreadyConnMsg  = "Already Connected"
	shutdownTimeout = 20 * time.Second
)

var ErrInvalidIdentity = errors.New("invalid identity")

type Config struct {
	Addr             string
	HandshakeTimeout time.Duration
	AllowedOrigins   []string
	InstanceID       uuid.UUID     // zero: generated
	PingInterval     time.Duration // zero: 10s
}

type Option func(*Server)

// WithBus relays messages for users on other instances through bus.
func WithBus(bus Bus, topic string) Option {
	return func(s *Server) {
		s.bus = bus
		if topic != "" {
			s.topic = topic
		}
	}
}

type Server struct {
	cfg        Config
	users      Users
	store      Store
	instanceID uuid.UUID
	upgrader   websocket.Upgrader
	hub        *hub
	bus        Bus
	topic      string

	accepted    atomic.Uint64
	rejected    atomic.Uint64
	routed      atomic.Uint64
	undelivered atomic.Uint64
	evicted     atomic.Uint64
}

// New creates a server. store may be nil.
func New(cfg Config, users Users, store Store, opts ...Option) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if users == nil {
		users = NewMemoryUsers()
	}
	if cfg.InstanceID == uuid.Nil {
		cfg.InstanceID = uuid.New()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	s := &Server{
		cfg:        cfg,
		users:      users,
		store:      store,
		instanceID: cfg.InstanceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for dev
			},
		},
		hub:   newHub(),
		topic: defaultBusTopic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) InstanceID() uuid.UUID { return s.instanceID }

// Stats returns accepted and rejected handshake counts.
func (s *Server) Stats() (accepted, rejected uint64) {
	return s.accepted.Load(), s.rejected.Load()
}

// Handler returns the HTTP routes: GET /connect and GET /health.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(recovery)
	router.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if len(s.cfg.AllowedOrigins) == 0 {
		return router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         86400,
	})
	return c.Handler(router)
}

// Serve starts the relay and accepts connections on ln until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(logger.TagServer, "Chat server listening on %s (instance %s)", ln.Addr(), s.instanceID)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info(logger.TagServer, "Shutting down chat server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on cfg.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(logger.TagServer, "Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	usr, err := s.handshake(conn, r.RemoteAddr)
	if err != nil {
		s.rejected.Add(1)
		logger.Debug(logger.TagServer, "handshake rejected from %s: %v", r.RemoteAddr, err)
		return
	}
	defer s.users.Remove(context.Background(), usr.ID)

	c := newClient(usr, conn)
	conn.SetPongHandler(s.pongHandler(c))
	s.hub.add(c)
	defer s.hub.remove(c)

	s.listen(c)
}

func (s *Server) handshake(conn *websocket.Conn, remoteAddr string) (User, error) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(helloMessage)); err != nil {
		return User{}, fmt.Errorf("write hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return User{}, fmt.Errorf("read identity: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var usr User
	if err := json.Unmarshal(msg, &usr); err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, "invalid identity")
		return User{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if !scenario.ValidID(usr.ID) || usr.Name == "" {
		s.closeWith(conn, websocket.ClosePolicyViolation, "invalid identity")
		return User{}, fmt.Errorf("%w: id=%q name=%q", ErrInvalidIdentity, usr.ID, usr.Name)
	}
	usr.ConnectedAt = time.Now()
	usr.RemoteAddr = remoteAddr

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	if err := s.users.Add(ctx, usr); err != nil {
		if errors.Is(err, ErrExists) {
			conn.WriteMessage(websocket.TextMessage, []byte(alreadyConnMsg))
		}
		return User{}, fmt.Errorf("add user: %w", err)
	}

	if s.store != nil {
		if id, err := s.store.SaveHandshake(ctx, usr); err != nil {
			logger.Warn(logger.TagServer, "save handshake %s: %v", usr.ID, err)
		} else {
			logger.Debug(logger.TagServer, "handshake %s saved as %d", usr.ID, id)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(welcomeMessage+" "+usr.Name)); err != nil {
		s.users.Remove(ctx, usr.ID)
		return User{}, fmt.Errorf("write welcome: %w", err)
	}

	s.accepted.Add(1)
	logger.Debug(logger.TagServer, "chat-handshake completed usr=%s name=%s", usr.ID, usr.Name)
	return usr, nil
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	accepted, rejected := s.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"instance":    s.instanceID.String(),
		"users":       s.users.Count(),
		"accepted":    accepted,
		"rejected":    rejected,
		"routed":      s.routed.Load(),
		"undelivered": s.undelivered.Load(),
		"evicted":     s.evicted.Load(),
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(logger.TagServer, "panic serving %s: %v", r.URL.Path, err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
