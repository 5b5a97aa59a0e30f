package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/analyst/internal/bus"
	"github.com/basket/analyst/internal/config"
	"github.com/basket/analyst/internal/otel"
	"github.com/basket/analyst/internal/persistence"
	"github.com/basket/analyst/internal/session"
	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/tools"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Inbound operation types.
const (
	OpQuery      = "query"
	OpNewSession = "new_session"
	OpInterrupt  = "interrupt"
	OpSetModel   = "set_model"
	OpStatus     = "status"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxInboundBytes     = 1 << 20
)

// SessionFactory builds the orchestrator serving one connection. Every
// message the orchestrator emits must go to sink.
type SessionFactory func(sink session.Sink) *session.Orchestrator

type Config struct {
	Sessions SessionFactory
	Tasks    taskstore.Store
	Registry *tools.Registry
	// Store is optional; without it the session endpoints return 503.
	Store *persistence.Store
	Bus   *bus.Bus

	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed by /healthz.
	ConfigFingerprint string
	DefaultModel      string

	WriteTimeout time.Duration
	PingInterval time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	served    atomic.Int64
}

type client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	timeout time.Duration
}

// inbound is one operation sent by a connected client.
type inbound struct {
	Type      string `json:"type"`
	Query     string `json:"query,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

func New(cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = config.DefaultModel
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
	s.limiter = NewRateLimitMiddleware(cfg.RateLimit)
	if cfg.Metrics != nil {
		s.limiter.OnReject = func(r *http.Request) {
			cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		}
	}
	return s
}

// StartEviction drops idle rate limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tools", s.handleAPITools)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/sessions/", s.handleAPISessionDetail)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(0)(h)
	h = NewAuthMiddleware(s.cfg.Auth).Wrap(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	tasksOK := true
	if s.cfg.Tasks != nil {
		if _, _, err := s.cfg.Tasks.Read(r.Context()); err != nil {
			tasksOK = false
		}
	}
	payload := map[string]any{
		"healthy":     dbOK && tasksOK,
		"db_ok":       dbOK,
		"tasks_ok":    tasksOK,
		"config_hash": s.cfg.ConfigFingerprint,
		"clients":     s.Clients(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK || !tasksOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	toolCount := 0
	if s.cfg.Registry != nil {
		toolCount = len(s.cfg.Registry.All())
	}
	busSubs := 0
	if s.cfg.Bus != nil {
		busSubs = s.cfg.Bus.SubscriberCount()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"clients":           s.Clients(),
		"connections_total": s.served.Load(),
		"tools":             toolCount,
		"bus_subscribers":   busSubs,
		"ratelimit_buckets": s.limiter.BucketCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		http.Error(w, "sessions not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxInboundBytes)

	ctx, cancel := context.WithCancel(r.Context())
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, otel.SpanWebSocket,
		attribute.String("net.peer", r.RemoteAddr))

	c := &client{conn: conn, timeout: s.cfg.WriteTimeout}
	orch := s.cfg.Sessions(func(m session.Message) {
		if err := c.write(ctx, m); err != nil && ctx.Err() == nil {
			s.logger.Debug("ws: write failed", "type", m.Type, "error", err)
		}
	})
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)

	var bg sync.WaitGroup
	defer func() {
		// Teardown: a dropped connection cancels its turn and discards the
		// queue. Reconnecting clients resume by sending their session_id.
		cancel()
		orch.Close()
		bg.Wait()
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		otel.EndSpan(span, nil)
	}()

	if s.cfg.Bus != nil {
		sub := s.cfg.Bus.Subscribe(bus.TopicTasksUpdated)
		bg.Add(1)
		go func() {
			defer bg.Done()
			defer s.cfg.Bus.Unsubscribe(sub)
			s.forwardBusEvents(ctx, c, sub)
			if n := sub.Dropped(); n > 0 {
				s.logger.Debug("ws: task notifications dropped", "count", n, "remote", r.RemoteAddr)
			}
		}()
	}
	if s.cfg.PingInterval > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			s.keepalive(ctx, cancel, c)
		}()
	}

	st := orch.Status()
	_ = c.write(ctx, session.Message{Type: session.TypeStatus, Status: &st})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		var req inbound
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("ws: malformed message ignored", "error", err)
			continue
		}
		if err := s.handleOp(ctx, c, orch, req); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			s.logger.Warn("ws: operation failed", "type", req.Type, "error", err)
		}
	}
}

// handleOp applies one inbound operation to the connection's orchestrator.
// Unknown types are ignored.
func (s *Server) handleOp(ctx context.Context, c *client, orch *session.Orchestrator, req inbound) error {
	switch req.Type {
	case OpQuery:
		if req.SessionID != "" {
			if err := orch.Resume(req.SessionID); err != nil {
				return err
			}
		}
		return orch.Submit(req.Query)
	case OpNewSession:
		return orch.NewSession()
	case OpInterrupt:
		return orch.Interrupt()
	case OpSetModel:
		model := strings.TrimSpace(req.Model)
		if model == "" {
			model = s.cfg.DefaultModel
		}
		err := orch.SetModel(model)
		if errors.Is(err, session.ErrBusy) {
			_ = c.write(ctx, session.Message{Type: session.TypeError, Error: "Cannot change model while a query is running"})
			return nil
		}
		return err
	case OpStatus:
		st := orch.Status()
		return c.write(ctx, session.Message{Type: session.TypeStatus, Status: &st})
	default:
		s.logger.Debug("ws: unknown message type ignored", "type", req.Type)
		return nil
	}
}

// forwardBusEvents pushes task store changes made outside this connection's
// turns, so the client re-polls /api/tasks.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, _ := ev.Payload.(bus.TasksUpdatedEvent)
			// Planner writes reach the client through its own orchestrator.
			if payload.AutoCreated {
				continue
			}
			if err := c.write(ctx, session.Message{Type: session.TypeTasksUpdated}); err != nil {
				return
			}
		}
	}
}

func (s *Server) keepalive(ctx context.Context, cancel context.CancelFunc, c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, c.timeout)
			err := c.conn.Ping(pingCtx)
			done()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Info("ws: ping failed, dropping client", "error", err)
				}
				cancel()
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
	s.served.Add(1)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// --- REST API handlers ---

// handleAPITasks serves the task progress poll (GET) and clears it (DELETE).
func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, ok, err := s.cfg.Tasks.Read(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"main_task": nil, "subtasks": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	case http.MethodDelete:
		if err := s.cfg.Tasks.Clear(taskstore.WithSource(r.Context(), "api")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cleared": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (s *Server) handleAPITools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	views := []toolView{}
	if s.cfg.Registry != nil {
		for _, d := range s.cfg.Registry.All() {
			views = append(views, toolView{Name: d.Name, Description: d.Description, InputSchema: d.JSONSchema()})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": views})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "session journal not configured", http.StatusServiceUnavailable)
		return
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), queryLimit(r, 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
}

// handleAPISessionDetail serves /api/sessions/{id}/turns and
// /api/sessions/{id}/messages.
func (s *Server) handleAPISessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "session journal not configured", http.StatusServiceUnavailable)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "invalid path: expected /api/sessions/{id}/turns or /api/sessions/{id}/messages", http.StatusBadRequest)
		return
	}
	sessionID := parts[0]
	if _, err := s.cfg.Store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch parts[1] {
	case "turns":
		turns, err := s.cfg.Store.ListTurns(r.Context(), sessionID, queryLimit(r, 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if turns == nil {
			turns = []persistence.Turn{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"turns": turns})
	case "messages":
		items, err := s.cfg.Store.ListHistory(r.Context(), sessionID, queryLimit(r, 100))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []persistence.HistoryItem{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": items})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
