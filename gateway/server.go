// Package gateway is the WebSocket front door: it authenticates connections,
// enforces subscription authorization, routes client messages to the shop
// engines, and delivers hub events back to clients.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waitline/waitline/auth"
	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/hub"
	"github.com/waitline/waitline/internal/version"
	"github.com/waitline/waitline/queue"
	"github.com/waitline/waitline/scheduler"
)

// Notifier is the slice of the notification dispatcher the gateway uses:
// enqueueing a personal notification when a ticket is called, and recording
// acknowledgements from connected clients.
type Notifier interface {
	Notify(userID, kind string, payload interface{}) error
	Acknowledge(id, userID string) error
}

// NextDecider answers "who is served next" for a queue, weighing due
// appointments against the walk-in line. The hybrid scheduler implements it.
type NextDecider interface {
	NextToServe(ctx context.Context, shopID, queueID, specialistID string) (*scheduler.Decision, error)
}

// Config tunes the gateway. Zero values fall back to defaults.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string
	// AllowedOrigins whitelists Origin headers during the upgrade. Empty
	// allows any origin (development mode).
	AllowedOrigins []string
	// PingInterval is the server heartbeat cadence.
	PingInterval time.Duration
	// PongTimeout disconnects a client that has not answered a ping.
	PongTimeout time.Duration
	// MaxDenials closes a session after this many authorization denials.
	MaxDenials int
	// SessionBufferDepth bounds each session's outbound event buffer.
	SessionBufferDepth int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.MaxDenials <= 0 {
		c.MaxDenials = 5
	}
	if c.SessionBufferDepth <= 0 {
		c.SessionBufferDepth = 256
	}
	return c
}

// Gateway owns the HTTP listener and all live client connections.
type Gateway struct {
	cfg      Config
	hub      *hub.Hub
	registry *queue.Registry
	store    *queue.Store
	users    *auth.UserStore
	tokens   *auth.Tokens
	notifier Notifier
	decider  NextDecider
	db       *sql.DB
	clock    clock.Clock
	logger   *zap.SugaredLogger

	upgrader websocket.Upgrader
	srv      *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	wg        sync.WaitGroup
}

// New wires a gateway. The db handle is used only for the health probe.
func New(
	cfg Config,
	h *hub.Hub,
	registry *queue.Registry,
	store *queue.Store,
	users *auth.UserStore,
	tokens *auth.Tokens,
	notifier Notifier,
	decider NextDecider,
	db *sql.DB,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Gateway {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	gw := &Gateway{
		cfg:       cfg,
		hub:       h,
		registry:  registry,
		store:     store,
		users:     users,
		tokens:    tokens,
		notifier:  notifier,
		decider:   decider,
		db:        db,
		clock:     clk,
		logger:    logger.Named("gateway"),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: clk.Now(),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     gw.checkOrigin,
	}
	return gw
}

// checkOrigin accepts any origin when no whitelist is configured.
func (gw *Gateway) checkOrigin(r *http.Request) bool {
	if len(gw.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range gw.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the HTTP mux serving /ws and /health.
func (gw *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	mux.HandleFunc("/health", gw.HandleHealth)
	return mux
}

// Start begins listening. Blocks until the listener fails or Stop is called.
func (gw *Gateway) Start() error {
	gw.startedAt = gw.clock.Now()
	gw.srv = &http.Server{
		Addr:    gw.cfg.Addr,
		Handler: gw.Handler(),
	}
	gw.logger.Infow("Gateway listening", "addr", gw.cfg.Addr)

	err := gw.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "gateway listener failed")
}

// Stop shuts the listener down and disconnects all clients.
func (gw *Gateway) Stop(ctx context.Context) error {
	gw.cancel()
	var err error
	if gw.srv != nil {
		err = gw.srv.Shutdown(ctx)
	}
	gw.wg.Wait()
	gw.logger.Infow("Gateway stopped")
	return err
}

// HandleWebSocket upgrades the connection, authenticates the bearer token
// from the query string, and starts the client pumps. Authentication
// failures are reported with an application close code after the upgrade so
// the client sees why it was rejected.
func (gw *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Warnw("WebSocket upgrade failed", "error", err.Error())
		return
	}

	query := r.URL.Query()
	user, err := gw.authenticate(query.Get("token"))
	if err != nil {
		code := CloseInvalidToken
		if errors.Is(err, errors.ErrForbidden) {
			code = CloseInactiveUser
		}
		gw.rejectConn(conn, code, err.Error())
		return
	}

	platform := query.Get("client_id")
	compression := query.Get("compression") == "true"

	session := hub.NewSession(uuid.NewString(), user.ID, platform, gw.cfg.SessionBufferDepth)
	client := newClient(gw, conn, session, user, compression)

	gw.logger.Infow("Client connected",
		"session_id", session.ID,
		"user_id", user.ID,
		"role", user.Role,
		"compression", compression,
	)

	client.reply(newWelcome(session.ID, user.ID, gw.clock.Now()))

	gw.wg.Add(2)
	go func() {
		defer gw.wg.Done()
		client.writePump()
	}()
	go func() {
		defer gw.wg.Done()
		client.readPump()
		gw.logger.Infow("Client disconnected",
			"session_id", session.ID,
			"user_id", user.ID,
		)
	}()
}

// authenticate resolves a bearer token to an active user.
func (gw *Gateway) authenticate(token string) (*auth.User, error) {
	if token == "" {
		return nil, errors.Wrap(errors.ErrUnauthorized, "missing token")
	}
	userID, err := gw.tokens.Resolve(token)
	if err != nil {
		return nil, err
	}
	user, err := gw.users.GetByID(userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Wrap(errors.ErrUnauthorized, "unknown user")
		}
		return nil, err
	}
	if !user.Active {
		return nil, errors.Wrapf(errors.ErrForbidden, "user %s is inactive", user.ID)
	}
	return user, nil
}

// rejectConn closes a just-upgraded connection with an application code.
func (gw *Gateway) rejectConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		gw.logger.Debugw("Reject close write failed", "error", err.Error())
	}
	conn.Close()
	gw.logger.Infow("Connection rejected", "close_code", code, "reason", reason)
}

// HandleHealth reports liveness, build info, and store reachability.
func (gw *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := gw.db.Ping(); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"version": version.Get(),
		"uptime":  gw.clock.Now().Sub(gw.startedAt).Round(time.Second).String(),
	})
}
