package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
)

func newTestTrigger(t *testing.T, h http.HandlerFunc) *Trigger {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	tr, err := NewTrigger(NewClient(Config{BaseURL: server.URL, APIKey: "anon", Timeout: 5 * time.Second}))
	if err != nil {
		t.Fatalf("NewTrigger failed: %v", err)
	}
	return tr
}

func TestTrigger_Invoke(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		want       *domain.TriggerResult
		wantErr    bool
		wantStatus int
	}{
		{
			name:   "inline success",
			status: http.StatusOK,
			body:   `{"success": true, "data": {"summary": "ok"}}`,
			want:   &domain.TriggerResult{Success: true, Data: json.RawMessage(`{"summary": "ok"}`)},
		},
		{
			name:   "background",
			status: http.StatusOK,
			body:   `{"background_processing": true, "job_id": "J1", "estimated_pages": 50}`,
			want:   &domain.TriggerResult{BackgroundProcessing: true, JobID: "J1", EstimatedPages: 50},
		},
		{
			name:    "background without job id",
			status:  http.StatusOK,
			body:    `{"background_processing": true}`,
			wantErr: true,
		},
		{
			name:    "unsuccessful with message",
			status:  http.StatusOK,
			body:    `{"success": false, "error": "failed to extract text"}`,
			wantErr: true,
		},
		{
			name:       "server error",
			status:     http.StatusServiceUnavailable,
			body:       `{"message": "edge runtime unavailable"}`,
			wantErr:    true,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTrigger(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != processPath || r.Method != http.MethodPost {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				var req map[string]string
				_ = json.NewDecoder(r.Body).Decode(&req)
				if req["materialId"] != "m1" {
					t.Errorf("expected materialId m1, got %v", req)
				}
				if r.Header.Get("apikey") != "anon" {
					t.Error("missing apikey header")
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			got, err := tr.Invoke(context.Background(), "m1")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				var re *RemoteError
				if tt.wantStatus != 0 && (!errors.As(err, &re) || re.Status != tt.wantStatus) {
					t.Errorf("expected RemoteError %d, got %v", tt.wantStatus, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Success != tt.want.Success || got.BackgroundProcessing != tt.want.BackgroundProcessing ||
				got.JobID != tt.want.JobID || got.EstimatedPages != tt.want.EstimatedPages {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if tt.want.Data != nil && string(got.Data) != string(tt.want.Data) {
				t.Errorf("got data %s", got.Data)
			}
		})
	}
}

func TestRemoteError_Classification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   failure.Kind
	}{
		{http.StatusServiceUnavailable, `{"message": "edge runtime unavailable"}`, failure.KindNetwork},
		{http.StatusTooManyRequests, `{"message": "slow down"}`, failure.KindQuota},
		{http.StatusForbidden, `{"message": "new row violates row-level security policy", "code": "42501"}`, failure.KindPermission},
		{http.StatusUnauthorized, `not json`, failure.KindAuth},
	}

	for _, tt := range tests {
		err := &RemoteError{Status: tt.status, Body: []byte(tt.body)}
		got := failure.Classify(failure.FromError(err), failure.Context{Operation: "process_material:m1"})
		if got.Kind() != tt.kind {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.kind, got.Kind())
		}
	}
}

func TestUploader_Upload(t *testing.T) {
	var gotPath, gotType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = io.WriteString(w, `{"Key": "materials/x"}`)
	}))
	defer server.Close()

	u := NewUploader(NewClient(Config{BaseURL: server.URL}), "materials", false)
	res, err := u.Upload(context.Background(), "u1", domain.SourceFile{
		Name:        "notes/chapter 1.pdf",
		ContentType: "application/pdf",
		Body:        strings.NewReader("%PDF-1.7"),
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.LocalOnly {
		t.Error("expected a remote upload")
	}
	if !strings.HasPrefix(res.Path, "u1/") || !strings.HasSuffix(res.Path, "-chapter 1.pdf") {
		t.Errorf("unexpected object path %s", res.Path)
	}
	if !strings.HasPrefix(gotPath, storagePath+"materials/u1/") {
		t.Errorf("unexpected request path %s", gotPath)
	}
	if gotType != "application/pdf" || gotBody != "%PDF-1.7" {
		t.Errorf("unexpected upload %s %q", gotType, gotBody)
	}
}

func TestUploader_LocalFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "bucket not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	file := domain.SourceFile{Name: "a.pdf", Body: strings.NewReader("x"), LocalPath: "/tmp/a.pdf"}

	strict := NewUploader(NewClient(Config{BaseURL: server.URL}), "materials", false)
	if _, err := strict.Upload(context.Background(), "u1", file); err == nil {
		t.Fatal("expected upload error")
	}

	file.Body = strings.NewReader("x")
	lenient := NewUploader(NewClient(Config{BaseURL: server.URL}), "materials", true)
	res, err := lenient.Upload(context.Background(), "u1", file)
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if !res.LocalOnly || res.Path != "/tmp/a.pdf" {
		t.Errorf("unexpected fallback result %+v", res)
	}
}
