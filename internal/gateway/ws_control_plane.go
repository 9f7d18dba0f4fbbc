package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/coedit/internal/collab"
	"github.com/haasonsaas/coedit/internal/config"
	"github.com/haasonsaas/coedit/internal/observability"
	"github.com/haasonsaas/coedit/internal/ratelimit"
	"github.com/haasonsaas/coedit/pkg/models"
)

const (
	msgInvalidMessage = "Invalid message"
	msgRateLimited    = "Rate limit exceeded"
)

var (
	errConnClosed        = errors.New("connection closed")
	errSendQueueFull     = errors.New("send queue full")
	errMissingCredential = errors.New("missing credential")
)

// Authenticator resolves a connection credential to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*models.User, error)
}

type wsControlPlane struct {
	handler  *collab.Handler
	auth     Authenticator
	limiter  *ratelimit.Limiter
	cfg      config.CollabConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*wsConn
	active sync.WaitGroup
}

func newWSControlPlane(handler *collab.Handler, authn Authenticator, cfg config.CollabConfig, origins []string, logger *slog.Logger) *wsControlPlane {
	return &wsControlPlane{
		handler: handler,
		auth:    authn,
		limiter: ratelimit.NewLimiter(cfg.RateLimit),
		cfg:     cfg,
		logger:  logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     originChecker(origins),
		},
		conns: make(map[string]*wsConn),
	}
}

// originChecker allows requests without an Origin header and, when origins
// is non-empty, only the listed origins otherwise.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(strings.ToLower(origin), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[strings.ToLower(origin)]
	}
}

// wsConn is one websocket and its outbound queue. It implements collab.Conn.
type wsConn struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	id      string
	logger  *slog.Logger

	closeOnce sync.Once
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := credentialFromRequest(r)
	if credential == "" {
		http.Error(w, errMissingCredential.Error(), http.StatusUnauthorized)
		return
	}
	user, err := h.auth.Authenticate(r.Context(), credential)
	if err != nil {
		h.logger.InfoContext(r.Context(), "websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	ctx := observability.WithUserID(observability.WithConnectionID(context.Background(), id), user.ID)
	ctx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		control: h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		logger:  h.logger.With("connection_id", id, "user_id", user.ID),
	}
	h.track(c)
	defer h.untrack(c)

	client := h.handler.Connect(ctx, c, user)
	c.logger.Debug("websocket connected", "remote", r.RemoteAddr)
	c.run(client)
	h.handler.Disconnect(context.WithoutCancel(ctx), client)
	h.limiter.Remove(id)
	c.logger.Debug("websocket disconnected")
}

// credentialFromRequest reads a bearer token, an API key header, or the
// token query parameter, in that order.
func credentialFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if token := strings.TrimSpace(authHeader[7:]); token != "" {
			return token
		}
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.Header.Get("Api-Key")
	}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		return apiKey
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *wsControlPlane) track(c *wsConn) {
	h.active.Add(1)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *wsControlPlane) untrack(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.active.Done()
}

// closeAll cancels every open connection.
func (h *wsControlPlane) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// wait blocks until every connection has finished its disconnect handling
// or ctx ends.
func (h *wsControlPlane) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *wsControlPlane) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg without blocking. A full queue closes the connection so
// the client reconnects and resynchronises instead of missing events.
func (c *wsConn) Send(msg collab.ServerMessage) error {
	data, err := collab.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("closing slow websocket client", "queued", len(c.send))
		c.close(websocket.ClosePolicyViolation, errSendQueueFull.Error())
		return errSendQueueFull
	}
}

func (c *wsConn) run(client *collab.Client) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.readLoop(client)
	c.close(websocket.CloseNormalClosure, "")
	<-done
}

// close stops both loops. A zero code skips the close frame.
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.control.cfg.WriteWait)) //nolint:errcheck
		}
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *wsConn) readLoop(client *collab.Client) {
	cfg := c.control.cfg
	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.control.limiter.Allow(c.id) {
			c.reply(collab.ErrorMessage{Message: msgRateLimited})
			continue
		}

		msg, err := c.decodeFrame(data)
		if err != nil {
			c.logger.Debug("invalid frame", "error", err)
			c.reply(collab.ErrorMessage{Message: msgInvalidMessage})
			continue
		}
		c.control.handler.Handle(c.ctx, client, msg)
	}
}

func (c *wsConn) reply(msg collab.ServerMessage) {
	if err := c.Send(msg); err != nil {
		c.logger.Debug("reply failed", "event", msg.Event(), "error", err)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.control.cfg.PingInterval)
	defer ticker.Stop()
	writeWait := c.control.cfg.WriteWait

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(0, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(0, "")
				return
			}
		}
	}
}

func (c *wsConn) decodeFrame(raw []byte) (collab.ClientMessage, error) {
	var env collab.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if err := validateWSFrame(raw, &env); err != nil {
		return nil, err
	}
	return collab.DecodeClientMessage(env)
}
