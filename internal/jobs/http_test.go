package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/agent-relay/internal/storage"
)

type apiFixture struct {
	router  *gin.Engine
	manager *Manager
}

func newAPIFixture(t *testing.T, artifacts *storage.ArtifactWriter) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var sink ArtifactSink
	if artifacts != nil {
		sink = artifacts
	}
	m, err := NewManager(ManagerOptions{
		Store:          NewMemoryStore(),
		Upstream:       &fakeUpstream{configured: true},
		Artifacts:      sink,
		Logger:         quietLogger(),
		StreamInterval: 5 * time.Millisecond,
		StreamMaxLoops: 3,
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	router := gin.New()
	var opener ArtifactOpener
	if artifacts != nil {
		opener = artifacts
	}
	RegisterRoutes(router.Group("/api/oc/jobs"), m, opener)
	return &apiFixture{router: router, manager: m}
}

func (f *apiFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func (f *apiFixture) createJob(t *testing.T, message string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/oc/jobs", `{"threadId":"t1","message":"`+message+`","model":"m1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["jobId"].(string)
}

func TestCreateHandler(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/oc/jobs", `{"threadId":"t1","message":"hello","model":"m1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != string(StatusQueued) {
		t.Fatalf("status = %v, want queued", body["status"])
	}
	if id, _ := body["jobId"].(string); id == "" {
		t.Fatal("expected jobId in response")
	}
	if _, ok := body["createdAt"]; !ok {
		t.Fatal("expected createdAt in response")
	}
}

func TestCreateHandlerValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "empty message", body: `{"message":"   "}`, reason: "message_required"},
		{name: "invalid json", body: `{"message":`, reason: "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/oc/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			body := decodeBody(t, rec)
			if body["error"] != tt.reason {
				t.Fatalf("error = %v, want %s", body["error"], tt.reason)
			}
			if body["code"] != "INVALID_INPUT" {
				t.Fatalf("code = %v, want INVALID_INPUT", body["code"])
			}
		})
	}
}

func TestStatusHandlerNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, target := range []string{
		"/api/oc/jobs/missing",
		"/api/oc/jobs/missing/artifact",
	} {
		rec := f.do(http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", target, rec.Code)
		}
		if body := decodeBody(t, rec); body["error"] != "not_found" {
			t.Fatalf("%s: error = %v, want not_found", target, body["error"])
		}
	}
	for _, method := range []string{http.MethodDelete, http.MethodPost} {
		target := "/api/oc/jobs/missing"
		if method == http.MethodPost {
			target += "/retry"
		}
		if rec := f.do(method, target, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: status = %d, want 404", method, target, rec.Code)
		}
	}
}

func TestStatusHandlerReturnsResult(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := f.createJob(t, "hello")
	if _, err := f.manager.Process(context.Background(), id); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/oc/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["jobId"] != id || body["status"] != string(StatusDone) || body["result"] != "ok:hello" {
		t.Fatalf("unexpected body: %#v", body)
	}
	if _, ok := body["error"]; ok {
		t.Fatalf("error should be omitted: %#v", body)
	}
}

func TestCancelAndRetryHandlers(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := f.createJob(t, "hello")

	rec := f.do(http.MethodDelete, "/api/oc/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != string(StatusCancelled) || body["error"] != CancelReason {
		t.Fatalf("unexpected cancel body: %#v", body)
	}

	rec = f.do(http.MethodPost, "/api/oc/jobs/"+id+"/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["status"] != string(StatusQueued) || body["jobId"] != id {
		t.Fatalf("unexpected retry body: %#v", body)
	}
	if _, ok := body["updatedAt"]; !ok {
		t.Fatal("expected updatedAt in retry response")
	}
}

func TestListHandler(t *testing.T) {
	f := newAPIFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.createJob(t, "hello")
	}

	rec := f.do(http.MethodGet, "/api/oc/jobs?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body struct {
		Jobs []statusResponse `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body.Jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(body.Jobs))
	}

	if rec := f.do(http.MethodGet, "/api/oc/jobs?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d, want 400", rec.Code)
	}
}

func TestStreamHandlerTerminalJob(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := f.createJob(t, "hello")
	if _, err := f.manager.Process(context.Background(), id); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/oc/jobs/"+id+"/stream", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	res := rec.Result()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	out := rec.Body.String()
	if !strings.Contains(out, "event:status\ndata:{") {
		t.Fatalf("missing status event: %q", out)
	}
	if !strings.Contains(out, `"status":"done"`) || !strings.Contains(out, `"result":"ok:hello"`) {
		t.Fatalf("status event lacks job state: %q", out)
	}
	if !strings.HasSuffix(out, "event:done\ndata:[DONE]\n\n") {
		t.Fatalf("stream should end with done event: %q", out)
	}
}

func TestStreamHandlerErrors(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/oc/jobs/missing/stream", "")
	if got := rec.Body.String(); got != "event:error\ndata:{\"error\":\"not_found\"}\n\n" {
		t.Fatalf("unexpected not_found stream: %q", got)
	}

	id := f.createJob(t, "hello")
	rec = f.do(http.MethodGet, "/api/oc/jobs/"+id+"/stream", "")
	out := rec.Body.String()
	if strings.Count(out, "event:status") != 3 {
		t.Fatalf("expected 3 status events before timeout: %q", out)
	}
	if !strings.HasSuffix(out, "event:error\ndata:{\"error\":\"stream_timeout\"}\n\n") {
		t.Fatalf("stream should end with timeout: %q", out)
	}
}

func TestArtifactHandler(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	f := newAPIFixture(t, storage.NewArtifactWriter(local))
	id := f.createJob(t, "hello")

	// 完了前は成果物がない
	rec := f.do(http.MethodGet, "/api/oc/jobs/"+id+"/artifact", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before completion = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "artifact_unavailable" {
		t.Fatalf("unexpected error: %#v", body)
	}

	done, err := f.manager.Process(context.Background(), id)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if done.ArtifactPath == "" {
		t.Fatal("expected artifact path after completion")
	}

	rec = f.do(http.MethodGet, "/api/oc/jobs/"+id+"/artifact", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, id+".md") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if rec.Header().Get("X-Job-Id") != id {
		t.Fatalf("X-Job-Id = %q", rec.Header().Get("X-Job-Id"))
	}
	if !strings.Contains(rec.Body.String(), "## Result\n\nok:hello") {
		t.Fatalf("unexpected artifact body: %q", rec.Body.String())
	}
}

func TestArtifactHandlerMissingFile(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	f := newAPIFixture(t, storage.NewArtifactWriter(local))
	id := f.createJob(t, "hello")
	done, err := f.manager.Process(context.Background(), id)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if err := os.Remove(filepath.Join(local.Root, filepath.FromSlash(done.ArtifactPath))); err != nil {
		t.Fatalf("failed to remove artifact: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/oc/jobs/"+id+"/artifact", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "artifact_unavailable" {
		t.Fatalf("unexpected body: %#v", body)
	}
}
