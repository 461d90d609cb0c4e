package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/core/job"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage/memory"
	"github.com/Byk3y/PREPAI-sub003/internal/processing"
	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

const testSecret = "test-secret"

// =============================================================================
// Mocks
// =============================================================================

type mockSubmitter struct {
	mu   sync.Mutex
	got  []processing.Submission
	body []string
	out  *processing.Outcome
	err  error
}

func (m *mockSubmitter) Submit(ctx context.Context, s processing.Submission) (*processing.Outcome, error) {
	var buf bytes.Buffer
	if s.File.Body != nil {
		_, _ = buf.ReadFrom(s.File.Body)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, s)
	m.body = append(m.body, buf.String())
	return m.out, m.err
}

type mockReporter struct {
	mu  sync.Mutex
	ops []string
}

func (r *mockReporter) Handle(raw failure.Raw, c failure.Context, retry recovery.RetryFunc) *failure.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, c.Operation)
	return failure.Classify(raw, c)
}

func (r *mockReporter) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type failingReader struct{ err error }

func (f failingReader) Get(ctx context.Context, id string) (*domain.Job, error) { return nil, f.err }

type testEnv struct {
	jobs      *memory.JobRepo
	errs      *mockReporter
	manager   *job.Manager
	hub       *recovery.Hub
	submitter *mockSubmitter
	auth      *Authenticator
	router    http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewMemoryStorage()
	e := &testEnv{
		jobs:      memory.NewJobRepo(store),
		hub:       recovery.NewHub(),
		submitter: &mockSubmitter{out: &processing.Outcome{Stage: processing.StageSucceeded}},
		auth:      NewAuthenticator(testSecret, "test"),
		errs:      &mockReporter{},
	}
	handler := recovery.NewHandler(nil, e.hub, nil)
	e.manager = job.NewManager(e.jobs, memory.NewFeed(store), handler, nil)
	t.Cleanup(func() {
		handler.Cleanup()
		e.manager.StopAll()
	})
	e.router = NewRouter(NewHandler(e.submitter, e.jobs, e.manager, e.hub, e.errs), e.auth)
	return e
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(user, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, user string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createJob(t *testing.T, id, user string) {
	t.Helper()
	if err := e.jobs.Create(context.Background(), &domain.Job{ID: id, SubjectID: "m-" + id, UserID: user}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func multipartBody(t *testing.T, fields map[string]string, file string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	if file != "" {
		fw, err := w.CreateFormFile("file", "notes.pdf")
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		_, _ = fw.Write([]byte(file))
	}
	_ = w.Close()
	return &buf, w.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

// =============================================================================
// Auth
// =============================================================================

func TestRequireAuth(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "j1", "u1")

	other := NewAuthenticator("other-secret", "test")
	forged, _ := other.IssueToken("u1", time.Hour)
	expired, _ := e.auth.IssueToken("u1", -time.Minute)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"bearer header", "Bearer " + e.token(t, "u1"), "", http.StatusOK},
		{"query parameter", "", e.token(t, "u1"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/v1/jobs/j1"
			if tt.query != "" {
				path += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusUnauthorized && decodeError(t, rec).Action != string(failure.ActionLogin) {
				t.Errorf("expected login action, got %s", rec.Body.String())
			}
		})
	}
}

// =============================================================================
// Error mapping
// =============================================================================

func TestStatusFor(t *testing.T) {
	c := failure.Context{Component: "test"}
	tests := []struct {
		kind      failure.Kind
		retryable bool
		want      int
	}{
		{failure.KindAuth, false, http.StatusUnauthorized},
		{failure.KindPermission, false, http.StatusForbidden},
		{failure.KindValidation, false, http.StatusBadRequest},
		{failure.KindQuota, true, http.StatusTooManyRequests},
		{failure.KindQuota, false, http.StatusPaymentRequired},
		{failure.KindNetwork, true, http.StatusServiceUnavailable},
		{failure.KindStorage, false, http.StatusBadGateway},
		{failure.KindProcessing, false, http.StatusUnprocessableEntity},
		{failure.KindUnknown, false, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		err := failure.New(tt.kind, failure.SeverityMedium, tt.retryable, failure.ActionNone, "x", c)
		if got := statusFor(err); got != tt.want {
			t.Errorf("%s retryable=%v: expected %d, got %d", tt.kind, tt.retryable, tt.want, got)
		}
	}
}

// =============================================================================
// Materials
// =============================================================================

func TestSubmitMaterial(t *testing.T) {
	e := newTestEnv(t)
	e.submitter.out = &processing.Outcome{
		Stage: processing.StageSucceeded,
		Job:   &domain.Job{ID: "j1", Status: domain.JobStatusCompleted},
	}

	body, ct := multipartBody(t, map[string]string{"subject_id": "notebook-1", "pages": "12"}, "%PDF-1.7")
	rec := e.do(t, http.MethodPost, "/v1/materials", "u1", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Stage != processing.StageSucceeded || resp.Job == nil || resp.Job.ID != "j1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	got := e.submitter.got[0]
	if got.UserID != "u1" || got.SubjectID != "notebook-1" || got.File.Pages != 12 || got.File.Name != "notes.pdf" {
		t.Errorf("unexpected submission: %+v", got)
	}
	if e.submitter.body[0] != "%PDF-1.7" {
		t.Errorf("file body not passed through, got %q", e.submitter.body[0])
	}
}

func TestSubmitMaterial_Pending(t *testing.T) {
	e := newTestEnv(t)
	e.submitter.out = &processing.Outcome{
		Stage: processing.StagePending,
		Job:   &domain.Job{ID: "j1", Status: domain.JobStatusPending},
		Err: failure.New(failure.KindNetwork, failure.SeverityLow, true, failure.ActionRetry,
			"trigger timed out", failure.Context{}),
	}

	body, ct := multipartBody(t, map[string]string{"subject_id": "notebook-1"}, "data")
	rec := e.do(t, http.MethodPost, "/v1/materials", "u1", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp submitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Kind != string(failure.KindNetwork) {
		t.Errorf("expected network error in body, got %+v", resp.Error)
	}
}

func TestSubmitMaterial_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		file   string
		err    error
		want   int
	}{
		{"missing subject", map[string]string{}, "data", nil, http.StatusBadRequest},
		{"bad pages", map[string]string{"subject_id": "s", "pages": "-1"}, "data", nil, http.StatusBadRequest},
		{"missing file", map[string]string{"subject_id": "s"}, "", nil, http.StatusBadRequest},
		{
			"storage failure",
			map[string]string{"subject_id": "s"},
			"data",
			failure.New(failure.KindStorage, failure.SeverityMedium, false, failure.ActionNone, "upload failed", failure.Context{}),
			http.StatusBadGateway,
		},
		{
			"processing failure",
			map[string]string{"subject_id": "s"},
			"data",
			failure.New(failure.KindProcessing, failure.SeverityMedium, false, failure.ActionRetry, "failed to generate", failure.Context{}),
			http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.submitter.err = tt.err
			e.submitter.out = &processing.Outcome{Stage: processing.StageFailed}

			body, ct := multipartBody(t, tt.fields, tt.file)
			rec := e.do(t, http.MethodPost, "/v1/materials", "u1", body, ct)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if decodeError(t, rec).Message == "" {
				t.Error("expected a message")
			}
		})
	}
}

// =============================================================================
// Jobs
// =============================================================================

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "j1", "u1")

	rec := e.do(t, http.MethodGet, "/v1/jobs/j1", "u1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var j domain.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &j)
	if j.ID != "j1" || j.Status != domain.JobStatusPending {
		t.Errorf("unexpected job: %+v", j)
	}

	if rec := e.do(t, http.MethodGet, "/v1/jobs/j1", "u2", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/jobs/missing", "u1", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing job, got %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.createJob(t, "j1", "u1")
	e.createJob(t, "j2", "u1")
	if _, _, err := e.jobs.Transition(ctx, "j2", domain.JobStatusPending, domain.JobStatusProcessing, storage.JobPatch{}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	rec := e.do(t, http.MethodPost, "/v1/jobs/j1/cancel", "u1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	j, _ := e.jobs.Get(ctx, "j1")
	if j.Status != domain.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", j.Status)
	}

	rec = e.do(t, http.MethodPost, "/v1/jobs/j2/cancel", "u1", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a processing job, got %d", rec.Code)
	}
}

func TestRetryJob_NotFailed(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "j1", "u1")

	rec := e.do(t, http.MethodPost, "/v1/jobs/j1/retry", "u1", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRetryJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.createJob(t, "j1", "u1")
	_, _, _ = e.jobs.Transition(ctx, "j1", domain.JobStatusPending, domain.JobStatusProcessing, storage.JobPatch{})
	_, _, _ = e.jobs.Transition(ctx, "j1", domain.JobStatusProcessing, domain.JobStatusFailed,
		storage.JobPatch{ErrorMessage: "boom"})

	rec := e.do(t, http.MethodPost, "/v1/jobs/j1/retry", "u1", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	j, _ := e.jobs.Get(ctx, "j1")
	if j.Status != domain.JobStatusPending || j.ErrorMessage != "" {
		t.Errorf("expected reset to pending, got %+v", j)
	}
}

// =============================================================================
// Streams
// =============================================================================

type sseEvent struct {
	name string
	data string
}

// readEvents parses server-sent events until the stream ends or n are read.
func readEvents(t *testing.T, resp *http.Response, n int, out chan<- sseEvent) {
	t.Helper()
	defer close(out)
	scanner := bufio.NewScanner(resp.Body)
	var cur sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && cur.name != "":
			out <- cur
			cur = sseEvent{}
			n--
			if n == 0 {
				return
			}
		}
	}
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream ended early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{}
}

func TestStreamJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.createJob(t, "j1", "u1")

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/j1/events?access_token=" + e.token(t, "u1"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan sseEvent, 16)
	go readEvents(t, resp, 16, events)

	first := nextEvent(t, events)
	if first.name != "snapshot" || !strings.Contains(first.data, `"status":"pending"`) {
		t.Fatalf("unexpected first event: %+v", first)
	}

	_, _, _ = e.jobs.Transition(ctx, "j1", domain.JobStatusPending, domain.JobStatusProcessing, storage.JobPatch{})
	_, _, _ = e.jobs.Transition(ctx, "j1", domain.JobStatusProcessing, domain.JobStatusCompleted,
		storage.JobPatch{Result: json.RawMessage(`{"summary":"ok"}`)})

	var last sseEvent
	for ev := range events {
		if ev.name == "job" {
			last = ev
		}
	}
	var got job.Event
	if err := json.Unmarshal([]byte(last.data), &got); err != nil {
		t.Fatalf("decode %q: %v", last.data, err)
	}
	if got.To != job.StateCompleted || got.Job == nil || got.Job.Status != domain.JobStatusCompleted {
		t.Errorf("expected stream to end on completion, got %+v", got)
	}
}

func TestStreamJob_Terminal(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, "j1", "u1")
	_, _, _ = e.jobs.Transition(context.Background(), "j1", domain.JobStatusPending, domain.JobStatusCancelled, storage.JobPatch{})

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/j1/events?access_token=" + e.token(t, "u1"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan sseEvent, 4)
	go readEvents(t, resp, 4, events)

	ev := nextEvent(t, events)
	if ev.name != "snapshot" || !strings.Contains(ev.data, `"status":"cancelled"`) {
		t.Errorf("unexpected snapshot: %+v", ev)
	}
	if _, ok := <-events; ok {
		t.Error("expected the stream to end after a terminal snapshot")
	}
}

func TestStreamNotifications(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+e.token(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan sseEvent, 1)
	go readEvents(t, resp, 1, events)

	// The subscription is registered before headers are flushed.
	e.hub.Toast(failure.New(failure.KindNetwork, failure.SeverityMedium, true, failure.ActionRetry,
		"network error", failure.Context{UserID: "u2"}))
	e.hub.Toast(failure.New(failure.KindQuota, failure.SeverityMedium, false, failure.ActionUpgrade,
		"limit reached", failure.Context{UserID: "u1", Operation: "submit_material"}))

	ev := nextEvent(t, events)
	if ev.name != string(recovery.SurfaceToast) {
		t.Fatalf("unexpected event %+v", ev)
	}
	var n recovery.Notification
	if err := json.Unmarshal([]byte(ev.data), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Kind != string(failure.KindQuota) || n.Operation != "submit_material" {
		t.Errorf("expected only u1's notice, got %+v", n)
	}
}

func TestWriteError_Unclassified(t *testing.T) {
	e := newTestEnv(t)
	e.submitter.err = errors.New("permission denied for bucket")

	body, ct := multipartBody(t, map[string]string{"subject_id": "s"}, "data")
	rec := e.do(t, http.MethodPost, "/v1/materials", "u1", body, ct)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if ops := e.errs.Ops(); len(ops) != 1 || ops[0] != "submit_material" {
		t.Errorf("expected the error reported once, got %v", ops)
	}
}

func TestWriteError_StorageOutageIsReported(t *testing.T) {
	e := newTestEnv(t)
	e.router = NewRouter(NewHandler(e.submitter, failingReader{err: errors.New("storage bucket unavailable")},
		e.manager, e.hub, e.errs), e.auth)

	rec := e.do(t, http.MethodGet, "/v1/jobs/j1", "u1", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if ops := e.errs.Ops(); len(ops) != 1 || ops[0] != "get_job" {
		t.Errorf("expected get_job reported once, got %v", ops)
	}
}

func TestWriteError_NotFoundIsNotReported(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/v1/jobs/missing", "u1", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ops := e.errs.Ops(); len(ops) != 0 {
		t.Errorf("expected nothing reported, got %v", ops)
	}
}
