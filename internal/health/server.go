package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Summary is the /health body: overall status, per-dependency status and
// the job activity behind it.
type Summary struct {
	Status     SystemStatus            `json:"status"`
	Components map[string]SystemStatus `json:"components,omitempty"`
	Jobs       JobActivity             `json:"jobs"`
}

// JobActivity counts tracking and recovery work in flight.
type JobActivity struct {
	Tracked        int `json:"tracked"`
	RetriesPending int `json:"retries_pending"`
	StalePending   int `json:"stale_pending"`
}

func summarize(report HealthReport) Summary {
	s := Summary{
		Status: report.SystemStatus,
		Jobs: JobActivity{
			Tracked:        report.ActiveTrackers,
			RetriesPending: report.PendingRetries,
			StalePending:   report.StalePending,
		},
	}
	if len(report.Components) > 0 {
		s.Components = make(map[string]SystemStatus, len(report.Components))
		for name, ch := range report.Components {
			s.Components[name] = ch.Status
		}
	}
	return s
}

// ready reports whether every dependency can serve requests. A backlog of
// stale jobs makes the service critical but not unready.
func ready(report HealthReport) bool {
	for _, ch := range report.Components {
		if ch.Status == StatusCritical {
			return false
		}
	}
	return true
}

// Server serves health, readiness and metrics over HTTP.
type Server struct {
	monitor *Monitor
	server  *http.Server
}

func NewServer(monitor *Monitor, port int) *Server {
	s := &Server{
		monitor: monitor,
		server:  &http.Server{Addr: fmt.Sprintf(":%d", port)},
	}
	s.server.Handler = s.Handler()
	return s
}

// Handler returns the health routes, for mounting on another server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/health/live", handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summarize(report))
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !ready(s.monitor.CheckHealth(r.Context())) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
