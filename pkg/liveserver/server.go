package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"signal_trader/internal/durable/history"
	apperrors "signal_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_feed_active_connections",
		Help: "Current number of live feed websocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "live_feed_rejected_total",
		Help: "Total number of rejected live feed requests",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxListed  = 500
)

// InstanceReader is the read side of the durable engine
type InstanceReader interface {
	ListInstances(ctx context.Context, filter history.Filter) ([]*history.Instance, error)
	GetInstance(ctx context.Context, instanceID string) (*history.Instance, error)
	History(ctx context.Context, instanceID string) ([]history.Event, error)
}

// Server exposes the live event feed on /ws and the instance query endpoints
type Server struct {
	hub            *Hub
	instances      InstanceReader
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	health         http.Handler
	mu             sync.Mutex

	connSemaphore chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

func NewServer(hub *Hub, instances InstanceReader, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:            hub,
		instances:      instances,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		connSemaphore:  make(chan struct{}, 1000),
		rateLimit:      10,
		rateBurst:      20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// EventListener returns a callback for Engine.Subscribe that broadcasts every appended event
func (s *Server) EventListener() func(instanceID string, ev history.Event) {
	return func(instanceID string, ev history.Event) {
		for _, msg := range NewEventMessages(instanceID, ev) {
			s.hub.Broadcast(msg)
		}
	}
}

// SetHealthHandler replaces the default /health handler
func (s *Server) SetHealthHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// SetRateLimit sets the per-IP request rate
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst
	s.ipLimiters = sync.Map{}
}

func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connSemaphore = make(chan struct{}, max)
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.limited(s.handleWebSocket))
	mux.HandleFunc("GET /instances", s.limited(s.handleListInstances))
	mux.HandleFunc("GET /instances/{id}", s.limited(s.handleGetInstance))
	mux.HandleFunc("GET /instances/{id}/history", s.limited(s.handleHistory))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub and the HTTP server on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	if s.logger != nil {
		s.logger.Info("Starting live server", "addr", ln.Addr().String())
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Info("Stopping live server")
	}
	// hijacked websocket connections are not tracked by Shutdown; the hub closes them
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// limited applies the per-IP rate limit
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			if s.logger != nil {
				s.logger.Warn("IP rate limit exceeded", "ip", ip, "path", r.URL.Path)
			}
			websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients do not send an Origin
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}
	if s.logger != nil {
		s.logger.Warn("Rejected websocket connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	}
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sem := s.connSemaphore
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-sem
			websocketActiveConnections.Dec()
		}()
	default:
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	client := NewClient(uuid.New().String())
	if !s.hub.Register(client) {
		return
	}
	if s.logger != nil {
		s.logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	if s.logger != nil {
		s.logger.Info("Client disconnected", "client_id", client.id)
	}
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// unblocks readPump once writing stops
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Write error", "client_id", client.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && s.logger != nil {
				s.logger.Warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := history.Filter{
		WorkflowType:     q.Get("workflow"),
		ParentInstanceID: q.Get("parent"),
		Limit:            100,
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := history.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListed {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListed))
			return
		}
		filter.Limit = n
	}

	list, err := s.instances.ListInstances(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*history.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instances.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.instances.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.health
	s.mu.Unlock()
	if h != nil {
		h.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	s.mu.Lock()
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	s.mu.Unlock()
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperrors.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
