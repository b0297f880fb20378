package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mcpanel/internal/hub"
	"mcpanel/internal/logging"
	"mcpanel/internal/metrics"
	"mcpanel/internal/protocol"
	"mcpanel/internal/supervisor"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBuffer          = 256
	defaultConsoleLimit = 100
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins   []string
	ForceLogoutDelay time.Duration

	// CommandsPerSecond and CommandBurst bound console commands, both per
	// WebSocket connection and across the REST endpoint. Zero disables.
	CommandsPerSecond float64
	CommandBurst      int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server exposes the supervisor over REST and WebSocket. Every WebSocket
// connection is registered with the hub as an observer.
type Server struct {
	sup     *supervisor.Supervisor
	hub     *hub.Hub
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	upgrader       websocket.Upgrader
	commandLimiter *rate.Limiter

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	limiter *rate.Limiter

	mu       sync.Mutex
	identity string
	closed   bool
}

// New creates a new realtime server.
func New(sup *supervisor.Supervisor, h *hub.Hub, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		sup:     sup,
		hub:     h,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("realtime"),
		metrics: opts.Metrics,
		clients: make(map[*client]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.commandLimiter = s.newLimiter()
	return s
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.CommandsPerSecond <= 0 {
		return nil
	}
	burst := s.opts.CommandBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.CommandsPerSecond), burst)
}

func (s *Server) allowAllOrigins() bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAllOrigins() {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Handler returns the gin engine with all routes configured.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(metrics.Middleware(s.metrics))
	r.Use(s.cors())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api/server")
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)
	api.POST("/restart", s.handleRestart)
	api.POST("/command", s.limitCommands(), s.handleCommand)
	api.GET("/status", s.handleStatus)
	api.GET("/console", s.handleConsole)
	api.DELETE("/console", s.handleClearConsole)
	api.GET("/players", s.handlePlayers)
	api.POST("/kick", s.limitCommands(), s.handleKick)
	api.POST("/op", s.limitCommands(), s.handleOp)

	r.POST("/api/session/force-logout", s.handleForceLogout)

	return r
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if s.allowAllOrigins() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.AllowedOrigins
	}
	return cors.New(cfg)
}

// handleWebSocket upgrades the connection, subscribes the client and starts
// its pumps. The subscription replays status and recent console output
// before any live event.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		server:  s,
		limiter: s.newLimiter(),
	}

	s.clientsMu.Lock()
	s.clients[cl] = true
	s.clientsMu.Unlock()

	go cl.writePump()

	if err := s.sup.Subscribe(context.Background(), cl); err != nil {
		s.log.Warn("subscribe failed", zap.String("client", cl.id), zap.Error(err))
		s.removeClient(cl)
		return
	}
	s.log.Debug("client connected", zap.String("client", cl.id), zap.String("remote", c.ClientIP()))

	go cl.readPump()
}

func (c *client) ID() string { return c.id }

func (c *client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *client) setIdentity(name string) {
	c.mu.Lock()
	c.identity = name
	c.mu.Unlock()
}

// Send encodes ev and queues it without blocking. A client that cannot keep
// up is closed; the hub drops it on the returned error.
func (c *client) Send(ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *client) sendMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.enqueue(data); err != nil {
		c.server.log.Debug("reply dropped", zap.String("client", c.id), zap.Error(err))
	}
}

func (c *client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hub.ErrObserverClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closed = true
		close(c.send)
		return hub.ErrObserverSlow
	}
}

// close ends the write pump, which sends a close frame and tears down the
// connection.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.hub.Unsubscribe(c.id)
	c.close()
}

// Clients is the number of open WebSocket connections.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every WebSocket client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeAuth:
		var payload protocol.AuthPayload
		json.Unmarshal(msg.Payload, &payload)
		c.setIdentity(payload.Username)
		s.log.Debug("client identified", zap.String("client", c.id), zap.String("username", payload.Username))

	case protocol.TypeCommand:
		s.handleWSCommand(c, msg)

	case protocol.TypeGetStatus:
		c.Send(s.sup.Status())

	case protocol.TypeGetConsole:
		var payload protocol.GetConsolePayload
		json.Unmarshal(msg.Payload, &payload)
		limit := payload.Limit
		if limit == 0 {
			limit = defaultConsoleLimit
		}
		c.Send(protocol.ConsoleHistory{Records: s.sup.Console(limit)})

	case protocol.TypePing:
		if pong, err := protocol.NewMessage(protocol.TypePong, struct{}{}); err == nil {
			c.sendMessage(pong)
		}
	}
}

// handleWSCommand runs a console command and answers the sender only.
func (s *Server) handleWSCommand(c *client, msg *protocol.Message) {
	var payload protocol.CommandPayload
	json.Unmarshal(msg.Payload, &payload)

	if c.limiter != nil && !c.limiter.Allow() {
		s.sendError(c, protocol.ErrRateLimited, "too many commands, slow down")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
	defer cancel()

	result := protocol.CommandResult{Success: true, Message: "Command sent: " + strings.TrimSpace(payload.Command)}
	if err := s.sup.SendCommand(ctx, payload.Command); err != nil {
		result = protocol.CommandResult{Success: false, Message: err.Error()}
	}
	c.Send(result)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

// disconnect closes every connection identified as username, after the
// configured delay so the force_logout notice is delivered first.
func (s *Server) disconnect(username string) {
	time.AfterFunc(s.opts.ForceLogoutDelay, func() {
		for _, o := range s.hub.Observers(username) {
			if c, ok := o.(*client); ok {
				s.log.Info("closing connection after forced logout",
					zap.String("client", c.id), zap.String("username", username))
				c.close()
			}
		}
	})
}
