package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"pullserve/server"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
)

type RequestLog struct {
	Time       time.Time `json:"time"`
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

type Metrics struct {
	mu            sync.Mutex
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		ByRoute: make(map[string]*RouteMetrics),
	}
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InFlight++
	m.TotalRequests++
	if _, ok := m.ByRoute[route]; !ok {
		m.ByRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InFlight > 0 {
		m.InFlight--
	}
	if failed {
		m.TotalErrors++
	}

	rm := m.ByRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.ByRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

// Snapshot returns a copy safe to encode without holding the lock.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalRequests: m.TotalRequests,
		TotalErrors:   m.TotalErrors,
		InFlight:      m.InFlight,
		ByRoute:       make(map[string]*RouteMetrics, len(m.ByRoute)),
	}
	for route, rm := range m.ByRoute {
		cp := *rm
		out.ByRoute[route] = &cp
	}
	return out
}

var (
	// Secret for HMAC JWTs (HS256).  Set in .env
	jwtSecret = []byte(os.Getenv("APP_JWT_SECRET"))
)

type WSClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticateWS extracts the user ID from:
// 1) Authorization: Bearer <jwt> using HS256 + APP_JWT_SECRET
// 2) An X-User-Id header as a fallback when no secret is configured
func authenticateWS(md *server.Metadata) (string, error) {
	auth := md.Header("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && len(jwtSecret) > 0 {
		tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		claims := &WSClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return jwtSecret, nil
		})

		if err == nil && token.Valid && claims.UserID != "" {
			return claims.UserID, nil
		}
		return "", errors.New("invalid token")
	}

	if len(jwtSecret) == 0 {
		if id := md.Header("X-User-Id"); id != "" {
			return id, nil
		}
	}

	return "", errors.New("unauthenticated")
}

var encoder = jsoniter.ConfigCompatibleWithStandardLibrary

func logRequestJSON(entry RequestLog) {
	line, err := encoder.Marshal(entry)
	if err != nil {
		log.Printf("[log] marshal error: %v", err)
		return
	}
	log.Printf("[req] %s", line)
}

type app struct {
	metrics *Metrics
	hub     *Hub
	static  *StaticCache
}

func respondText(req *server.Request, status int, body string) error {
	if err := req.SendStatus(status); err != nil {
		return err
	}
	if err := req.SendHeader("Content-Type", "text/plain; charset=utf-8"); err != nil {
		return err
	}
	if err := req.SendHeader("Content-Length", strconv.Itoa(len(body))); err != nil {
		return err
	}
	if body != "" {
		if err := req.WriteChunk([]byte(body)); err != nil {
			return err
		}
	}
	return req.Finish()
}

func respondJSON(req *server.Request, status int, v interface{}) error {
	data, err := encoder.Marshal(v)
	if err != nil {
		return respondText(req, 500, "encode error\n")
	}
	if err := req.SendStatus(status); err != nil {
		return err
	}
	if err := req.SendHeader("Content-Type", "application/json"); err != nil {
		return err
	}
	if err := req.SendHeader("Content-Length", strconv.Itoa(len(data))); err != nil {
		return err
	}
	if err := req.WriteChunk(data); err != nil {
		return err
	}
	return req.Finish()
}

// drainBody reads the request body to completion and discards it so the
// connection is reusable even for routes that ignore the body.
func drainBody(req *server.Request) {
	for {
		if _, err := req.ReadBodyChunk(); err != nil {
			return
		}
	}
}

// readBody collects the full request body, capped at limit bytes.
func readBody(req *server.Request, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := req.ReadBodyChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > limit {
			return nil, errors.New("body too large")
		}
	}
}

func (a *app) handle(req *server.Request) {
	md := req.Metadata
	route := md.Path
	if route == "" {
		route = "/"
	}

	start := time.Now()
	a.metrics.StartRequest(route)

	status, err := a.route(req)

	elapsed := time.Since(start)
	a.metrics.EndRequest(route, elapsed, err != nil)

	entry := RequestLog{
		Time:       time.Now(),
		ID:         md.ID,
		Method:     md.Method,
		Path:       md.Path,
		Status:     status,
		DurationMs: float64(elapsed.Milliseconds()),
		UserAgent:  md.Header("User-Agent"),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logRequestJSON(entry)
}

func (a *app) route(req *server.Request) (int, error) {
	md := req.Metadata

	switch {
	case md.Path == "/hello":
		drainBody(req)
		return 200, respondText(req, 200, "Hello, World!\n")

	case md.Path == "/echo":
		return a.handleEcho(req)

	case md.Path == "/__app/metrics":
		drainBody(req)
		return 200, respondJSON(req, 200, a.metrics.Snapshot())

	case md.Path == "/__ws/publish":
		return a.handlePublish(req)

	case md.Path == "/ws":
		return a.handleWS(req)

	case a.static.Matches(md.Path):
		drainBody(req)
		return a.handleStatic(req)

	default:
		drainBody(req)
		return 404, respondText(req, 404, "not found\n")
	}
}

// handleEcho streams the request body straight back without buffering it.
func (a *app) handleEcho(req *server.Request) (int, error) {
	if err := req.SendStatus(200); err != nil {
		return 0, err
	}
	if err := req.SendHeader("Content-Type", "application/octet-stream"); err != nil {
		return 0, err
	}
	if cl := req.Metadata.Header("Content-Length"); cl != "" {
		if err := req.SendHeader("Content-Length", cl); err != nil {
			return 0, err
		}
	}
	for {
		chunk, err := req.ReadBodyChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 200, err
		}
		if err := req.WriteChunk(chunk); err != nil {
			return 200, err
		}
	}
	return 200, req.Finish()
}

func (a *app) handlePublish(req *server.Request) (int, error) {
	if req.Metadata.Method != "POST" {
		drainBody(req)
		return 405, respondText(req, 405, "method not allowed\n")
	}

	raw, err := readBody(req, 1<<20)
	if err != nil {
		return 400, respondText(req, 400, "bad request\n")
	}

	var body struct {
		Channel string      `json:"channel"`
		Type    string      `json:"type"`
		Data    interface{} `json:"data"`
	}
	if err := encoder.Unmarshal(raw, &body); err != nil {
		return 400, respondText(req, 400, "invalid json\n")
	}
	if body.Channel == "" {
		return 400, respondText(req, 400, "missing channel\n")
	}

	a.hub.Publish(body.Channel, body.Type, body.Data)
	return 202, respondText(req, 202, "")
}

func (a *app) handleWS(req *server.Request) (int, error) {
	userID, err := authenticateWS(req.Metadata)
	if err != nil {
		drainBody(req)
		return 401, respondText(req, 401, "unauthorized\n")
	}

	channel := req.Metadata.Query
	channel = strings.TrimPrefix(channel, "channel=")
	if channel == "" {
		drainBody(req)
		return 400, respondText(req, 400, "missing channel\n")
	}

	ws, err := req.Upgrade()
	if err != nil {
		drainBody(req)
		if errors.Is(err, server.ErrMissingKey) {
			return 400, respondText(req, 400, "websocket handshake required\n")
		}
		return 500, err
	}

	a.hub.Serve(channel, userID, ws)
	return 101, nil
}

func (a *app) handleStatic(req *server.Request) (int, error) {
	asset, ok := a.static.Lookup(req.Metadata.Path)
	if !ok {
		return 404, respondText(req, 404, "not found\n")
	}

	if err := req.SendStatus(200); err != nil {
		return 0, err
	}
	if err := req.SendHeader("Content-Type", asset.ContentType); err != nil {
		return 0, err
	}
	if err := req.SendHeader("Content-Length", strconv.Itoa(len(asset.Data))); err != nil {
		return 0, err
	}
	if req.Metadata.Method != "HEAD" {
		if err := req.WriteChunk(asset.Data); err != nil {
			return 200, err
		}
	}
	return 200, req.Finish()
}

// getProjectRoot walks up from the working directory until it finds go.mod.
func getProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[config] %s=%q is not a number, using %d", name, v, def)
	}
	return def
}

func main() {
	root := getProjectRoot()
	appCfg := loadConfig(root)

	host := os.Getenv("APP_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := envInt("APP_PORT", 4000)

	srv, err := server.Start(server.Config{
		Host:             host,
		Port:             port,
		RequestTimeout:   time.Duration(appCfg.RequestTimeoutMs) * time.Millisecond,
		KeepAliveTimeout: time.Duration(appCfg.KeepAliveTimeoutMs) * time.Millisecond,
		Logger:           server.LoggerFromEnv(),
	})
	if err != nil {
		log.Fatalf("[server] listen error: %v", err)
	}

	static, err := NewStaticCache(root, appCfg.Static, appCfg.HotReload)
	if err != nil {
		log.Fatalf("[static] cache init error: %v", err)
	}
	defer static.Close()

	a := &app{
		metrics: NewMetrics(),
		hub:     NewHub(),
		static:  static,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("[shutdown] signal received, closing listener...")
		srv.Shutdown()
	}()

	// Startup banner / config summary
	log.Println("=============================================")
	log.Printf(" pullserve demo app listening on %s", srv.Addr())
	log.Println("=============================================")
	log.Printf(" Request timeout: %dms", appCfg.RequestTimeoutMs)
	log.Printf(" Keep-alive timeout: %dms", appCfg.KeepAliveTimeoutMs)
	log.Println(" Static rules:")
	for _, rule := range appCfg.Static {
		log.Printf("   %s -> %s", rule.Prefix, filepath.Join(root, rule.Dir))
	}
	log.Println("=============================================")

	// Pull loop (blocks until shutdown)
	for {
		req, err := srv.ReceiveRequest(context.Background())
		if err != nil {
			if errors.Is(err, server.ErrServerClosed) {
				log.Println("[shutdown] receive loop drained, exiting")
				return
			}
			log.Printf("[server] receive error: %v", err)
			continue
		}
		go a.handle(req)
	}
}
