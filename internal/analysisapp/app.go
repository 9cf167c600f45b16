// Package analysisapp implements the analysis app (C9): request validation,
// admission to the task manager's queue, and status projection.
//
// Grounded on original_source/mpc/server.py's Flask routes for the
// endpoint shapes and the status-projection table in spec.md §7; rewritten
// against net/http's ServeMux, the teacher's own HTTP surface style.
package analysisapp

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/summitto/heartbeat-compute-party/internal/statusstore"
	"github.com/summitto/heartbeat-compute-party/internal/taskmanager"
)

// App wires the task manager and status store behind an HTTP mux.
type App struct {
	tasks  *taskmanager.Manager
	status *statusstore.Store
	log    zerolog.Logger
}

// New constructs an App.
func New(tasks *taskmanager.Manager, status *statusstore.Store, log zerolog.Logger) *App {
	return &App{tasks: tasks, status: status, log: log}
}

// Routes registers the HTTP API on mux.
func (a *App) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /analyse/", a.handleAnalyse)
	mux.HandleFunc("GET /offline/", a.handleOffline)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status/{analysis_id}", a.handleStatus)
}

type analyseRequest struct {
	AnalysisID   []string    `json:"analysis_id"`
	UserID       []string    `json:"user_id"`
	DataIndex    [][]int64   `json:"data_index"`
	AnalysisType string      `json:"analysis_type"`
	Offline      bool        `json:"offline"`
	Streaming    [][2]int64  `json:"streaming"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (a *App) handleAnalyse(w http.ResponseWriter, r *http.Request) {
	var req analyseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid JSON body"})
		return
	}

	if len(req.AnalysisID) == 0 || len(req.AnalysisID) != len(req.UserID) || len(req.AnalysisID) != len(req.DataIndex) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "analysis_id, user_id, data_index must be equal-length, non-empty arrays"})
		return
	}
	for _, id := range req.AnalysisID {
		if _, err := ulid.ParseStrict(id); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid ULID: " + id})
			return
		}
	}

	var streaming []taskmanager.StreamingWindow
	if req.Streaming != nil {
		if len(req.Streaming) != len(req.AnalysisID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "streaming must have one [begin,end] pair per analysis_id"})
			return
		}
		streaming = make([]taskmanager.StreamingWindow, len(req.Streaming))
		for i, w2 := range req.Streaming {
			if w2[0] >= w2[1] {
				writeJSON(w, http.StatusBadRequest, map[string]string{"status": "streaming window begin must precede end"})
				return
			}
			streaming[i] = taskmanager.StreamingWindow{BeginMs: w2[0], EndMs: w2[1]}
		}
	}

	overwritten := false
	for _, id := range req.AnalysisID {
		created, err := a.status.Create(id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "database error"})
			return
		}
		if !created {
			overwritten = true
		}
	}

	item := taskmanager.WorkItem{
		AnalysisIDs:  req.AnalysisID,
		UserIDs:      req.UserID,
		AnalysisType: req.AnalysisType,
		DataIndices:  req.DataIndex,
		OnlineOnly:   !req.Offline,
		Streaming:    streaming,
	}
	if !a.tasks.Enqueue(item) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "queue is full"})
		return
	}

	if overwritten {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "Requests added to the queue, previous result will be overwritten"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "Requests added to the queue"})
}

func (a *App) handleOffline(w http.ResponseWriter, r *http.Request) {
	if err := a.tasks.RunOffline(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "Failed with Exception: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("analysis_id")
	if _, err := ulid.ParseStrict(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid ULID"})
		return
	}

	rec, err := a.status.Read(id)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "unknown analysis id"})
		return
	}

	typ, details, code := projectStatus(rec.Status)
	body := map[string]string{"type": typ}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, code, body)
}

// projectStatus implements the status-column-to-HTTP-response table from
// spec.md §7, including the legacy "Sent" state's projection to RUNNING.
func projectStatus(status string) (typ, details string, code int) {
	switch {
	case strings.HasPrefix(status, "ERROR:"):
		parts := strings.SplitN(status, ":", 3)
		msg := status
		httpCode := http.StatusInternalServerError
		if len(parts) == 3 {
			msg = parts[2]
			if c, ok := parseHTTPCode(parts[1]); ok {
				httpCode = c
			}
		}
		return "FAILED", msg, httpCode
	case status == string(statusstore.StatusStartingComputation), strings.HasPrefix(status, "Sent"):
		return "RUNNING", "", http.StatusOK
	case status == string(statusstore.StatusQueuing):
		return "QUEUING", "", http.StatusOK
	case status == string(statusstore.StatusCompleted):
		return "COMPLETED", "", http.StatusOK
	default:
		return "FAILED", "Troubleshooting required", http.StatusInternalServerError
	}
}

func parseHTTPCode(s string) (int, bool) {
	n := 0
	if len(s) == 0 {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
