// Package queryapi is a deliberately thin read-only HTTP wrapper over
// the same ClickHouse connection internal/ingest writes to: three
// endpoints, no federation, no dashboards, per the read-path's
// explicit non-goal of becoming a general query service.
//
// Grounded on the teacher's cmd/admin-api role (a small gorilla/mux
// server wrapping one backend) for the routing shape.
package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Row is the narrow slice of clickhouse-go/v2's driver.Row this package
// needs, kept local so tests can supply a fake instead of a live
// connection.
type Row interface {
	Scan(dest ...interface{}) error
	Err() error
}

// Querier is the narrow slice of clickhouse-go/v2's driver.Conn this
// package needs for single-row reads.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Ping(ctx context.Context) error
}

// Job is the /v1/jobs/{id} response shape.
type Job struct {
	JobID      string                 `json:"job_id"`
	AppID      string                 `json:"app_id"`
	SiteID     string                 `json:"site_id"`
	JobKey     string                 `json:"job_key"`
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
	DurationS  float64                `json:"duration_s"`
	CPUUserS   float64                `json:"cpu_user_s"`
	CPUSystemS float64                `json:"cpu_system_s"`
	MemMaxMB   float64                `json:"mem_max_mb"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Subjob is the /v1/subjobs/{id} response shape.
type Subjob struct {
	SubjobID   string                 `json:"subjob_id"`
	JobID      string                 `json:"job_id"`
	AppID      string                 `json:"app_id"`
	SiteID     string                 `json:"site_id"`
	SubKey     string                 `json:"sub_key"`
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
	DurationS  float64                `json:"duration_s"`
	CPUUserS   float64                `json:"cpu_user_s"`
	CPUSystemS float64                `json:"cpu_system_s"`
	MemMaxMB   float64                `json:"mem_max_mb"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Server exposes the three read endpoints as an http.Handler.
type Server struct {
	router *mux.Router
	conn   Querier
	logger *zap.Logger
}

// NewServer builds a Server wired to an already-open ClickHouse
// connection.
func NewServer(conn Querier, logger *zap.Logger) *Server {
	s := &Server{router: mux.NewRouter(), conn: conn, logger: logger}
	s.router.HandleFunc("/v1/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/subjobs/{id}", s.handleGetSubjob).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var j Job
	var metadata string
	row := s.conn.QueryRow(r.Context(),
		`SELECT job_id, app_id, site_id, job_key, status, started_at, ended_at, duration_s, cpu_user_s, cpu_system_s, mem_max_mb, metadata
		 FROM job WHERE job_id = ? ORDER BY inserted_at DESC LIMIT 1`, id)
	if err := row.Scan(&j.JobID, &j.AppID, &j.SiteID, &j.JobKey, &j.Status, &j.StartedAt, &j.EndedAt, &j.DurationS, &j.CPUUserS, &j.CPUSystemS, &j.MemMaxMB, &metadata); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	_ = json.Unmarshal([]byte(metadata), &j.Metadata)
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleGetSubjob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var sj Subjob
	var metadata string
	row := s.conn.QueryRow(r.Context(),
		`SELECT subjob_id, job_id, app_id, site_id, sub_key, status, started_at, ended_at, duration_s, cpu_user_s, cpu_system_s, mem_max_mb, metadata
		 FROM subjob WHERE subjob_id = ? ORDER BY inserted_at DESC LIMIT 1`, id)
	if err := row.Scan(&sj.SubjobID, &sj.JobID, &sj.AppID, &sj.SiteID, &sj.SubKey, &sj.Status, &sj.StartedAt, &sj.EndedAt, &sj.DurationS, &sj.CPUUserS, &sj.CPUSystemS, &sj.MemMaxMB, &metadata); err != nil {
		http.Error(w, "subjob not found", http.StatusNotFound)
		return
	}
	_ = json.Unmarshal([]byte(metadata), &sj.Metadata)
	writeJSON(w, http.StatusOK, sj)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Ping(r.Context()); err != nil {
		http.Error(w, "clickhouse unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
