package analysisapp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/summitto/heartbeat-compute-party/internal/statusstore"
	"github.com/summitto/heartbeat-compute-party/internal/taskmanager"
)

func newTestApp(t *testing.T) (*App, *statusstore.Store) {
	t.Helper()
	dir := t.TempDir()
	status, err := statusstore.Open(filepath.Join(dir, "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { status.Close() })

	tasks := taskmanager.New(taskmanager.Config{QueueSize: 4, Status: status, Logger: zerolog.Nop()})
	app := New(tasks, status, zerolog.Nop())

	mux := http.NewServeMux()
	app.Routes(mux)
	t.Cleanup(func() {})
	return app, status
}

func newMux(app *App) *http.ServeMux {
	mux := http.NewServeMux()
	app.Routes(mux)
	return mux
}

func TestAnalyseAdmitsValidRequest(t *testing.T) {
	app, status := newTestApp(t)
	mux := newMux(app)

	body, _ := json.Marshal(map[string]any{
		"analysis_id":   []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV"},
		"user_id":       []string{"u1"},
		"data_index":    [][]int64{{1, 2, 3}},
		"analysis_type": "Heartbeat-Demo-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/analyse/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	rec, err := status.Read("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)
	require.Equal(t, string(statusstore.StatusQueuing), rec.Status)
}

func TestAnalyseReturns202WhenAnalysisIDAlreadyExists(t *testing.T) {
	app, status := newTestApp(t)
	mux := newMux(app)

	id := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	_, err := status.Create(id)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{
		"analysis_id":   []string{id},
		"user_id":       []string{"u1"},
		"data_index":    [][]int64{{1, 2, 3}},
		"analysis_type": "Heartbeat-Demo-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/analyse/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	rec, err := status.Read(id)
	require.NoError(t, err)
	require.Equal(t, string(statusstore.StatusQueuing), rec.Status)
}

func TestAnalyseRejectsInvalidULID(t *testing.T) {
	app, _ := newTestApp(t)
	mux := newMux(app)

	body, _ := json.Marshal(map[string]any{
		"analysis_id":   []string{"not-a-ulid"},
		"user_id":       []string{"u1"},
		"data_index":    [][]int64{{1}},
		"analysis_type": "Heartbeat-Demo-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/analyse/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnalyseRejectsMismatchedArrayLengths(t *testing.T) {
	app, _ := newTestApp(t)
	mux := newMux(app)

	body, _ := json.Marshal(map[string]any{
		"analysis_id":   []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV", "01ARZ3NDEKTSV4RRFFQ69G5FAW"},
		"user_id":       []string{"u1"},
		"data_index":    [][]int64{{1}},
		"analysis_type": "Heartbeat-Demo-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/analyse/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAnalyseRejectsBadStreamingWindow(t *testing.T) {
	app, _ := newTestApp(t)
	mux := newMux(app)

	body, _ := json.Marshal(map[string]any{
		"analysis_id":   []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV"},
		"user_id":       []string{"u1"},
		"data_index":    [][]int64{{1}},
		"analysis_type": "Heartbeat-Demo-1",
		"streaming":     [][2]int64{{2000, 1000}},
	})
	req := httptest.NewRequest(http.MethodPost, "/analyse/", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthIsAlways200(t *testing.T) {
	app, _ := newTestApp(t)
	mux := newMux(app)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusProjection(t *testing.T) {
	app, status := newTestApp(t)
	mux := newMux(app)

	id := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	_, err := status.Create(id)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status/"+id, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "QUEUING", body["type"])

	require.NoError(t, status.SetStatus(id, statusstore.StatusStartingComputation))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "RUNNING", body["type"])

	require.NoError(t, status.AppendResult(id, "deadbeef"))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "COMPLETED", body["type"])
}

func TestStatusProjectionForUnknownID(t *testing.T) {
	app, _ := newTestApp(t)
	mux := newMux(app)

	req := httptest.NewRequest(http.MethodGet, "/status/01ARZ3NDEKTSV4RRFFQ69G5FAZ", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusProjectionForErrorState(t *testing.T) {
	app, status := newTestApp(t)
	mux := newMux(app)

	id := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	_, err := status.Create(id)
	require.NoError(t, err)
	require.NoError(t, status.SetStatus(id, statusstore.Status("ERROR:502:decryption of a sample failed")))

	req := httptest.NewRequest(http.MethodGet, "/status/"+id, nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "FAILED", body["type"])
	require.Equal(t, "decryption of a sample failed", body["details"])
}
