// cmd/server/main_test.go
package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pullserve/server"

	"github.com/golang-jwt/jwt/v5"
)

func TestMetricsStartEndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.StartRequest("/hello")
	m.StartRequest("/hello")
	m.EndRequest("/hello", 5*time.Millisecond, false)
	m.EndRequest("/hello", 7*time.Millisecond, true)

	snap := m.Snapshot()
	if snap.TotalRequests != 2 {
		t.Fatalf("total requests = %d, want 2", snap.TotalRequests)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("total errors = %d, want 1", snap.TotalErrors)
	}
	if snap.InFlight != 0 {
		t.Fatalf("in flight = %d, want 0", snap.InFlight)
	}

	rm := snap.ByRoute["/hello"]
	if rm == nil || rm.Count != 2 {
		t.Fatalf("unexpected route metrics: %+v", rm)
	}
	if rm.TotalLatency != 12*time.Millisecond {
		t.Fatalf("total latency = %v, want 12ms", rm.TotalLatency)
	}

	// Snapshot must be detached from live counters.
	m.StartRequest("/hello")
	if snap.ByRoute["/hello"].Count != 2 {
		t.Fatalf("snapshot mutated by later requests")
	}
}

func TestGetProjectRootFindsGoMod(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module probe\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	if err := os.Chdir(nested); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	got := getProjectRoot()
	resolved, _ := filepath.EvalSymlinks(got)
	want, _ := filepath.EvalSymlinks(root)
	if resolved != want {
		t.Fatalf("project root = %q, want %q", resolved, want)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg := loadConfig(t.TempDir())

	def := defaultConfig()
	if cfg.RequestTimeoutMs != def.RequestTimeoutMs {
		t.Fatalf("request timeout = %d, want default %d", cfg.RequestTimeoutMs, def.RequestTimeoutMs)
	}
	if len(cfg.Static) == 0 {
		t.Fatalf("expected default static rules")
	}
}

func TestLoadConfigValidationAndDefaults(t *testing.T) {
	root := t.TempDir()
	raw := AppConfig{
		RequestTimeoutMs:   -1,
		KeepAliveTimeoutMs: 5000,
		Static: []StaticRule{
			{Prefix: "assets/", Dir: "public/assets"},
			{Prefix: "/css/", Dir: ""},
		},
	}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(filepath.Join(root, "pullserve_app.json"), data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadConfig(root)

	if cfg.RequestTimeoutMs != defaultConfig().RequestTimeoutMs {
		t.Fatalf("invalid timeout not replaced: %d", cfg.RequestTimeoutMs)
	}
	if cfg.KeepAliveTimeoutMs != 5000 {
		t.Fatalf("valid keep-alive overwritten: %d", cfg.KeepAliveTimeoutMs)
	}
	if cfg.Static[0].Prefix != "/assets/" {
		t.Fatalf("prefix not fixed: %q", cfg.Static[0].Prefix)
	}
}

func TestAuthenticateWSWithJWT(t *testing.T) {
	old := jwtSecret
	jwtSecret = []byte("test-secret")
	defer func() { jwtSecret = old }()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, WSClaims{
		UserID: "user-42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	md := &server.Metadata{
		Method: "GET",
		Path:   "/ws",
		Headers: []server.HeaderField{
			{Name: "Authorization", Value: "Bearer " + signed},
		},
	}
	userID, err := authenticateWS(md)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("user id = %q, want user-42", userID)
	}
}

func TestAuthenticateWSRejectsBadToken(t *testing.T) {
	old := jwtSecret
	jwtSecret = []byte("test-secret")
	defer func() { jwtSecret = old }()

	md := &server.Metadata{
		Method: "GET",
		Path:   "/ws",
		Headers: []server.HeaderField{
			{Name: "Authorization", Value: "Bearer not-a-token"},
		},
	}
	if _, err := authenticateWS(md); err == nil {
		t.Fatalf("expected error for garbage token")
	}
}

func TestAuthenticateWSHeaderFallback(t *testing.T) {
	old := jwtSecret
	jwtSecret = nil
	defer func() { jwtSecret = old }()

	md := &server.Metadata{
		Method: "GET",
		Path:   "/ws",
		Headers: []server.HeaderField{
			{Name: "X-User-Id", Value: "alice"},
		},
	}
	userID, err := authenticateWS(md)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "alice" {
		t.Fatalf("user id = %q, want alice", userID)
	}

	if _, err := authenticateWS(&server.Metadata{Method: "GET", Path: "/ws"}); err == nil {
		t.Fatalf("expected error without any credentials")
	}
}

func TestStaticCacheLookupAndInvalidate(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "public", "assets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := filepath.Join(dir, "app.css")
	if err := os.WriteFile(file, []byte("body{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rules := []StaticRule{{Prefix: "/assets/", Dir: "public/assets"}}
	sc, err := NewStaticCache(root, rules, false)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer sc.Close()

	a, ok := sc.Lookup("/assets/app.css")
	if !ok {
		t.Fatalf("expected cache hit for existing file")
	}
	if string(a.Data) != "body{}" {
		t.Fatalf("unexpected data: %q", a.Data)
	}
	if a.ContentType != "text/css; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", a.ContentType)
	}

	// Stale content is served until the entry is invalidated.
	if err := os.WriteFile(file, []byte("body{margin:0}"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	a, _ = sc.Lookup("/assets/app.css")
	if string(a.Data) != "body{}" {
		t.Fatalf("expected cached copy, got %q", a.Data)
	}

	sc.Invalidate(file)
	a, ok = sc.Lookup("/assets/app.css")
	if !ok || string(a.Data) != "body{margin:0}" {
		t.Fatalf("expected reloaded copy, got %q", a.Data)
	}
}

func TestStaticCacheRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "public", "assets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rules := []StaticRule{{Prefix: "/assets/", Dir: "public/assets"}}
	sc, err := NewStaticCache(root, rules, false)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer sc.Close()

	if _, ok := sc.Lookup("/assets/../secret.txt"); ok {
		t.Fatalf("traversal escaped the asset directory")
	}
	if !sc.Matches("/assets/app.js") {
		t.Fatalf("expected /assets/ prefix to match")
	}
	if sc.Matches("/other/app.js") {
		t.Fatalf("unexpected match outside rules")
	}
}
