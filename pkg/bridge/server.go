package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/quota"
	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/scheduler"
	"github.com/anse-dev/anse/pkg/schema"
	"github.com/anse-dev/anse/pkg/store"
	"github.com/anse-dev/anse/pkg/version"
	"github.com/anse-dev/anse/pkg/worldmodel"
)

// Server is the Agent Bridge: an Echo-routed HTTP server exposing
// /health and a WebSocket upgrade endpoint, and the JSON-RPC method
// table dispatched over each upgraded connection. Wired services follow
// pkg/api/server.go's optional Set*-field pattern, adapted to ANSE's
// smaller fixed set of always-present collaborators.
type Server struct {
	echo      *echo.Echo
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	model     *worldmodel.Model
	logger    *slog.Logger

	allowedOrigins []string

	quota        *quota.Engine // nil disables per-connection default quota provisioning
	defaultLimits quota.Limits

	store *store.Client // nil disables agent-row upsert on connect

	mu          sync.Mutex
	connections map[string]*Connection
}

// New constructs a Server. With allowedOrigins empty, the WebSocket
// handshake accepts only requests that carry no Origin header or whose
// Origin host matches the request host; every cross-origin request is
// rejected, a safer default than InsecureSkipVerify-by-default.
func New(reg *registry.Registry, sched *scheduler.Scheduler, model *worldmodel.Model, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:           echo.New(),
		registry:       reg,
		scheduler:      sched,
		model:          model,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		connections:    make(map[string]*Connection),
	}
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.setupRoutes()
	return s
}

// SetDefaultQuota provisions limits the first time an agent connects,
// so quota_defaults from the policy document apply even though agents
// are unknown to the engine until they open a bridge connection.
func (s *Server) SetDefaultQuota(q *quota.Engine, limits quota.Limits) {
	s.quota = q
	s.defaultLimits = limits
}

// SetStore wires the embedded store so an agent row is created or
// refreshed on every authenticated bridge connection (spec.md's "agent
// created on first authenticated message" lifecycle).
func (s *Server) SetStore(st *store.Client) {
	s.store = st
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ws", s.handleWS)
}

func (s *Server) handleHealth(c *echo.Context) error {
	s.mu.Lock()
	count := len(s.connections)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     version.Full(),
		"connections": count,
		"world_model": s.model.Snapshot(),
		"scheduler":   s.scheduler.Health(),
	})
}

func (s *Server) handleWS(c *echo.Context) error {
	acceptOpts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		acceptOpts.OriginPatterns = s.allowedOrigins
	} else {
		acceptOpts.InsecureSkipVerify = false
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), acceptOpts)
	if err != nil {
		return err
	}

	agentID := c.QueryParam("agent_id")
	if agentID != "" {
		if s.quota != nil {
			s.quota.EnsureConfigured(agentID, s.defaultLimits)
		}
		if s.store != nil {
			if err := s.store.UpsertAgent(c.Request().Context(), store.AgentRecord{AgentID: agentID, CreatedAt: time.Now()}); err != nil {
				s.logger.Warn("failed to upsert agent record", "agent", agentID, "error", err)
			}
		}
	}
	id := clock.NewCallID()
	connection := newConnection(c.Request().Context(), id, agentID, conn, s.logger)

	s.mu.Lock()
	s.connections[id] = connection
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.connections, id)
		s.mu.Unlock()
		connection.closeAllSubscriptions()
		s.scheduler.CancelAgent(agentID)
		conn.Close(websocket.StatusNormalClosure, "bridge closing")
	}()

	s.readLoop(connection)
	return nil
}

// readLoop mirrors ConnectionManager.HandleConnection: block reading
// frames until the socket closes, dispatching each to handleRequest.
func (s *Server) readLoop(c *Connection) {
	for {
		var req Request
		if err := wsjson.Read(c.ctx, c.Conn, &req); err != nil {
			return
		}
		resp := s.handleRequest(c, req)
		if err := c.sendJSON(resp); err != nil {
			s.logger.Warn("bridge: write failed", "connection", c.ID, "error", err)
			return
		}
	}
}

func (s *Server) handleRequest(c *Connection, req Request) Response {
	switch req.Method {
	case "ping":
		return newResult(req.ID, map[string]interface{}{"pong": true, "version": version.Full()})
	case "list_tools":
		return s.handleListTools(req)
	case "get_tool_info":
		return s.handleGetToolInfo(req)
	case "call_tool":
		return s.handleCallTool(c, req)
	case "get_history":
		return s.handleGetHistory(req)
	case "subscribe_events":
		return s.handleSubscribe(c, req)
	case "unsubscribe_events":
		return s.handleUnsubscribe(c, req)
	default:
		return newError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) handleListTools(req Request) Response {
	descs := s.registry.List()
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	return newResult(req.ID, map[string]interface{}{"tools": names})
}

type toolInfoParams struct {
	Name string `json:"name"`
}

func (s *Server) handleGetToolInfo(req Request) Response {
	var p toolInfoParams
	if err := decodeParams(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error(), nil)
	}
	d, err := s.registry.Get(p.Name)
	if err != nil {
		return newError(req.ID, codeEngineError, err.Error(), string(scheduler.ErrToolNotFound))
	}
	return newResult(req.ID, map[string]interface{}{
		"name":                 d.Name,
		"description":          d.Description,
		"sensitivity":          d.Sensitivity,
		"rate_limit_per_minute": d.RateLimitPerMinute,
		"cost_hint":            d.CostHint,
		"required_scopes":      d.RequiredScopes,
	})
}

type callToolParams struct {
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args"`
	ApprovalToken string          `json:"approval_token,omitempty"`
	TimeoutMs     int             `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCallTool(c *Connection, req Request) Response {
	var p callToolParams
	if err := decodeParams(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error(), nil)
	}
	args, err := schema.ParseJSON(p.Args)
	if err != nil && len(p.Args) > 0 {
		return newError(req.ID, codeInvalidParams, "invalid args: "+err.Error(), nil)
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	output, callID, err := s.scheduler.Call(c.ctx, c.AgentID, p.Tool, args, p.ApprovalToken, timeout)
	if err != nil {
		code := scheduler.ErrPluginError
		if ce, ok := err.(*scheduler.CallError); ok {
			code = ce.Code
		}
		return newError(req.ID, codeEngineError, err.Error(), string(code))
	}
	return newResult(req.ID, map[string]interface{}{"call_id": callID, "result": output})
}

type getHistoryParams struct {
	Limit int `json:"limit"`
}

func (s *Server) handleGetHistory(req Request) Response {
	var p getHistoryParams
	if err := decodeParams(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error(), nil)
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	events := s.model.GetRecent(p.Limit, worldmodel.Filter{})
	return newResult(req.ID, map[string]interface{}{"events": events})
}

type subscribeParams struct {
	Channel string   `json:"channel"`
	Types   []string `json:"types,omitempty"`
}

func (s *Server) handleSubscribe(c *Connection, req Request) Response {
	var p subscribeParams
	if err := decodeParams(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error(), nil)
	}
	if p.Channel == "" {
		p.Channel = "default"
	}
	filter := worldmodel.Filter{AgentID: c.AgentID}
	for _, t := range p.Types {
		filter.Types = append(filter.Types, worldmodel.EventType(t))
	}
	sub := s.model.Subscribe(filter)
	c.addSubscription(p.Channel, sub)
	return newResult(req.ID, map[string]interface{}{"subscribed": p.Channel})
}

type unsubscribeParams struct {
	Channel string `json:"channel"`
}

func (s *Server) handleUnsubscribe(c *Connection, req Request) Response {
	var p unsubscribeParams
	if err := decodeParams(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, err.Error(), nil)
	}
	ok := c.removeSubscription(p.Channel)
	return newResult(req.ID, map[string]interface{}{"unsubscribed": ok})
}

// ServeHTTP implements http.Handler, delegating to the underlying Echo
// instance.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
