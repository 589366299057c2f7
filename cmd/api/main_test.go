package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/agent-relay/internal/auth"
	"github.com/yourusername/agent-relay/internal/config"
	"github.com/yourusername/agent-relay/internal/storage"
)

func newTestServer(t *testing.T, cfg *config.Config) (*gin.Engine, *jobsRuntime) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	cfg.DataDir = local.Root
	logger := log.New(io.Discard, "", 0)

	runtime, err := setupJobs(cfg, local, logger)
	if err != nil {
		t.Fatalf("setupJobs returned error: %v", err)
	}
	t.Cleanup(func() { _ = runtime.Shutdown(context.Background()) })

	registry, err := auth.OpenRegistry(local)
	if err != nil {
		t.Fatalf("OpenRegistry returned error: %v", err)
	}
	router, err := newRouter(cfg, auth.NewManager(cfg, registry), runtime)
	if err != nil {
		t.Fatalf("newRouter returned error: %v", err)
	}
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	return router, runtime
}

func testConfig() *config.Config {
	return &config.Config{
		AccessCode:         "open-sesame",
		SessionSecret:      "test-secret-test-secret-test-sec",
		GinMode:            gin.TestMode,
		CORSAllowedOrigins: "http://localhost:3000",
		BackupChatURL:      "http://127.0.0.1:1/chat",
		AllowMock:          true,
		JobStore:           config.StoreFile,
		ArtifactsEnabled:   true,
		JobQueue:           config.QueueLocal,
		JobWorkers:         2,
		StreamIntervalMS:   10,
		StreamMaxLoops:     5,
	}
}

type session struct {
	cookies []*http.Cookie
	csrf    string
}

func serve(router *gin.Engine, method, target, body string, s *session) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil {
		for _, c := range s.cookies {
			req.AddCookie(c)
		}
		req.Header.Set("X-CSRF-Token", s.csrf)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, router *gin.Engine) *session {
	t.Helper()
	rec := serve(router, http.MethodPost, "/api/auth/login", `{"code":"open-sesame"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return &session{cookies: rec.Result().Cookies(), csrf: rec.Header().Get("X-CSRF-Token")}
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, testConfig())

	for _, target := range []string{"/health", "/api/health"} {
		rec := serve(router, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", target, rec.Code)
		}
		var body struct {
			OK     bool            `json:"ok"`
			Mode   string          `json:"mode"`
			Checks map[string]bool `json:"checks"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if !body.OK || body.Mode != "mock" || body.Checks["chatUrl"] || !body.Checks["allowMock"] {
			t.Fatalf("%s: unexpected body: %s", target, rec.Body.String())
		}
	}
}

func TestJobsRequireLogin(t *testing.T) {
	router, _ := newTestServer(t, testConfig())

	for _, target := range []string{"/api/oc/jobs", "/api/openclaw/jobs"} {
		rec := serve(router, http.MethodPost, target, `{"message":"hello"}`, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", target, rec.Code)
		}
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	router, runtime := newTestServer(t, testConfig())
	s := login(t, router)

	rec := serve(router, http.MethodPost, "/api/oc/jobs", `{"threadId":"t1","message":"hello","model":"m1"}`, s)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if created.JobID == "" || created.Status != "queued" {
		t.Fatalf("unexpected create body: %s", rec.Body.String())
	}

	runtime.runner.Wait()

	// どちらのプレフィックスからも同じジョブを参照できる
	rec = serve(router, http.MethodGet, "/api/openclaw/jobs/"+created.JobID, "", s)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		Status       string `json:"status"`
		Result       string `json:"result"`
		ArtifactPath string `json:"artifactPath"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	want := "(MVP Mock Async Job) model=m1 thread=t1: hello"
	if status.Status != "done" || status.Result != want {
		t.Fatalf("unexpected status body: %s", rec.Body.String())
	}
	if status.ArtifactPath == "" {
		t.Fatal("expected artifactPath")
	}

	rec = serve(router, http.MethodGet, "/api/oc/jobs/"+created.JobID+"/artifact", "", s)
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(want)) {
		t.Fatalf("artifact should contain result: %q", rec.Body.String())
	}
}

func TestChatHandler(t *testing.T) {
	cfg := testConfig()
	cfg.AllowMock = false
	router, _ := newTestServer(t, cfg)
	s := login(t, router)

	rec := serve(router, http.MethodPost, "/api/chat", `{"message":"hello"}`, s)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	cfg = testConfig()
	router, _ = newTestServer(t, cfg)
	s = login(t, router)
	rec = serve(router, http.MethodPost, "/api/chat", `{"threadId":"t1","message":"hello","model":"m1"}`, s)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Text != "(MVP Mock Async Job) model=m1 thread=t1: hello" {
		t.Fatalf("unexpected text: %q", body.Text)
	}
}
