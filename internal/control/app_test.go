package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/api"
	"github.com/Byk3y/PREPAI-sub003/internal/core/config"
	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
)

// fakeBackend serves the upload and processing endpoints.
type fakeBackend struct {
	mu       sync.Mutex
	uploads  []string
	triggers []string
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/storage/v1/object/"):
		_, _ = io.Copy(io.Discard, r.Body)
		b.uploads = append(b.uploads, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Key":"ok"}`))
	case r.URL.Path == "/functions/v1/process-material":
		var in struct {
			MaterialID string `json:"materialId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		b.triggers = append(b.triggers, in.MaterialID)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"summary":"done"}}`))
	default:
		http.NotFound(w, r)
	}
}

func testConfig(t *testing.T, yaml string) *config.AppConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cfg
}

func TestNewApp_MemoryWithoutRemote(t *testing.T) {
	cfg := testConfig(t, `
server:
  port: 18481
`)
	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if app.Orchestrator != nil {
		t.Error("expected no orchestrator without a remote backend")
	}
	if app.sweeper != nil {
		t.Error("expected no sweeper without a remote backend")
	}

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d: %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestNewApp_SubmitThroughAPI(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	cfg := testConfig(t, `
server:
  port: 18482
remote:
  base_url: `+srv.URL+`
  api_key: anon
auth:
  jwt_secret: s3cret
processing:
  trigger_timeout: 5s
`)
	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	}()
	if app.Orchestrator == nil || app.sweeper == nil {
		t.Fatal("expected orchestrator and sweeper with a remote backend")
	}

	token, err := api.NewAuthenticator("s3cret", "").IssueToken("u1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("subject_id", "notebook-1")
	_ = w.WriteField("pages", "3")
	fw, _ := w.CreateFormFile("file", "notes.pdf")
	_, _ = fw.Write([]byte("%PDF"))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/materials", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Stage string      `json:"stage"`
		Job   *domain.Job `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job == nil {
		t.Fatalf("expected a job in %s", rec.Body.String())
	}

	j, err := app.Jobs.Get(context.Background(), resp.Job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Status != domain.JobStatusCompleted || !strings.Contains(string(j.Result), "done") {
		t.Errorf("expected completed job with result, got %+v", j)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.uploads) != 1 || !strings.HasPrefix(backend.uploads[0], "/storage/v1/object/materials/u1/") {
		t.Errorf("unexpected uploads %v", backend.uploads)
	}
	if len(backend.triggers) != 1 {
		t.Errorf("expected one trigger call, got %v", backend.triggers)
	}

	rec = httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "studyjobs_") {
		t.Errorf("expected metrics on the API router, got %d", rec.Code)
	}
}
