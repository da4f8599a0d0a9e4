package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/config"
	"github.com/zulandar/geneq/internal/db"
	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/jobs"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/storage"
)

type testServer struct {
	handler http.Handler
	sched   *jobs.Scheduler
	db      *gorm.DB
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	t.Cleanup(func() { db.Close(gdb) })

	store, err := storage.New(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	hub := events.NewHub()
	sched, err := jobs.New(jobs.Opts{
		DB:       gdb,
		Store:    store,
		BasePath: "/api",
		Events:   hub,
		Metrics:  jobs.NewMetrics(reg),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	h, err := NewHandler(Opts{
		DB:             gdb,
		Store:          store,
		Scheduler:      sched,
		Events:         hub,
		BasePath:       "/api",
		CORSOrigins:    []string{"http://localhost:3000"},
		MaxUploadBytes: maxUpload,
		Gatherer:       reg,
		Version:        "test",
	})
	require.NoError(t, err)
	return &testServer{handler: h, sched: sched, db: gdb}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, projectID uint, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/data/upload?project_id=%d", projectID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) createProject(t *testing.T, name string) uint {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/projects", map[string]any{"name": name, "data_types": []string{"rna"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// matrixCSV has one missing value in each of ten rows over ten samples.
func matrixCSV() string {
	var b strings.Builder
	b.WriteString("feature")
	for j := 0; j < 10; j++ {
		fmt.Fprintf(&b, ",S%d", j)
	}
	b.WriteString("\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "f%d,NA", i)
		for j := 1; j < 10; j++ {
			fmt.Fprintf(&b, ",%d", (i+1)*(j+3))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func TestNewHandler_RequiresServices(t *testing.T) {
	_, err := NewHandler(Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db is required")
}

func TestHealthAndRoot(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = s.do(t, http.MethodGet, "/api/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", decode(t, w)["version"])

	w = s.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", decode(t, w)["message"])
}

func TestProjectsCRUD(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")

	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "cohort", got["name"])
	assert.Equal(t, "draft", got["validation_status"])

	w = s.do(t, http.MethodPut, fmt.Sprintf("/api/projects/%d", id), map[string]any{"description": "pilot", "dataType": []string{"rna", "protein"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode(t, w)
	assert.Equal(t, "pilot", got["description"])
	assert.Len(t, got["data_types"], 2)

	w = s.do(t, http.MethodPut, fmt.Sprintf("/api/projects/%d", id), map[string]any{"status": "gone"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/projects/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode(t, w)["message"], "project not found")
}

func TestProjects_BadInput(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(t, http.MethodGet, "/api/projects/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/projects", map[string]any{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/data", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "project_id is required")
}

func TestUpload(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")

	w := s.upload(t, id, "rna_counts.csv", matrixCSV())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	file := decode(t, w)["file"].(map[string]any)
	assert.Equal(t, "rna", file["modality"])
	assert.Equal(t, float64(10), file["missing_rate"])
	fileID := uint(file["id"].(float64))

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/data?project_id=%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var files []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &files))
	assert.Len(t, files, 1)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/missing-value/summary/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10), decode(t, w)["total_missing"])

	w = s.do(t, http.MethodDelete, fmt.Sprintf("/api/data/%d", fileID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/data/%d", fileID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpload_ErrorStatuses(t *testing.T) {
	s := newTestServer(t, 64)
	id := s.createProject(t, "cohort")

	tests := []struct {
		name     string
		filename string
		content  string
		want     int
	}{
		{"unsupported", "rna.parquet", "x", http.StatusUnsupportedMediaType},
		{"malformed", "rna.csv", "g,S1\ng1,abc\n", http.StatusUnprocessableEntity},
		{"too large", "rna.csv", matrixCSV(), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.upload(t, id, tt.filename, tt.content)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode(t, w)["message"])
		})
	}

	w := s.upload(t, 999, "rna.csv", "g,S1\ng1,1\n")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRules(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")
	path := fmt.Sprintf("/api/validation/rules/%d", id)

	w := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(20), decode(t, w)["rna_threshold"])

	w = s.do(t, http.MethodPost, path, map[string]any{"rna_threshold": 10, "sample_matching_enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, path, nil)
	got := decode(t, w)
	assert.Equal(t, float64(10), got["rna_threshold"])
	assert.Equal(t, float64(1), got["dna_threshold"])
	assert.Equal(t, false, got["sample_matching_enabled"])

	w = s.do(t, http.MethodPost, path, map[string]any{"protein_threshold": 120})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidationFlow(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")
	require.Equal(t, http.StatusCreated, s.upload(t, id, "rna_counts.csv", matrixCSV()).Code)

	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/validation/download-report/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/validation/execute?project_id=%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	jobID := resp["jobId"].(string)
	assert.Equal(t, "pending", resp["status"])
	assert.Equal(t, float64(30), resp["estimatedTime"])
	assert.NotNil(t, resp["rules"])
	s.sched.Wait()

	w = s.do(t, http.MethodGet, "/api/validation/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, "completed", st["status"])
	results := st["results"].(map[string]any)
	assert.Equal(t, true, results["all_passed"])

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/validation/download-report/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), fmt.Sprintf("validation_report_project_%d.txt", id))
	assert.Contains(t, w.Body.String(), "rna_counts.csv")

	w = s.do(t, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Equal(t, float64(1), stats["processedDatasets"])
	assert.Equal(t, "90.0%", stats["avgQuality"])

	w = s.do(t, http.MethodGet, "/api/validation/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImputationFlow(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")
	require.Equal(t, http.StatusCreated, s.upload(t, id, "rna_counts.csv", matrixCSV()).Code)

	w := s.do(t, http.MethodGet, "/api/imputation/methods", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var methods []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &methods))
	assert.Len(t, methods, 7)
	assert.Equal(t, "mochi", methods[0]["value"])

	w = s.do(t, http.MethodPost, "/api/imputation/execute", map[string]any{
		"projectId":         id,
		"method":            "mean",
		"quality_threshold": 0,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	jobID := decode(t, w)["jobId"].(string)
	s.sched.Wait()

	w = s.do(t, http.MethodGet, "/api/imputation/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	require.Equal(t, "completed", st["status"], st["error"])
	assert.Equal(t, float64(100), st["progress"])

	w = s.do(t, http.MethodGet, "/api/imputation/results/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, float64(10), res["rna_missing_imputed"])
	files := res["output_files"].(map[string]any)
	assert.Equal(t, "/api/imputation/download/"+jobID+"/rna", files["rna"])

	w = s.do(t, http.MethodGet, "/api/imputation/download/"+jobID+"/rna", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "rna_imputed.tsv")
	assert.NotContains(t, w.Body.String(), "NA")

	w = s.do(t, http.MethodGet, "/api/imputation/download/"+jobID+"/protein", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImputation_Errors(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")
	require.Equal(t, http.StatusCreated, s.upload(t, id, "rna_counts.csv", matrixCSV()).Code)

	w := s.do(t, http.MethodPost, "/api/imputation/execute", map[string]any{"projectId": id, "method": "magic"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/imputation/execute", map[string]any{"method": "knn"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/imputation/execute-multiomics?project_id=%d&threshold=abc", id), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/imputation/execute-multiomics?project_id=%d&threshold=40&quality_threshold=50", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	jobID := decode(t, w)["jobId"].(string)
	s.sched.Wait()

	w = s.do(t, http.MethodGet, "/api/imputation/status/"+jobID, nil)
	st := decode(t, w)
	assert.Equal(t, "failed", st["status"])
	assert.Equal(t, "mochi", st["method"])
	assert.Equal(t, float64(40), st["threshold"])

	w = s.do(t, http.MethodGet, "/api/imputation/results/"+jobID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Job not completed yet", decode(t, w)["message"])
}

func TestJobEvents(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")

	w := s.do(t, http.MethodPost, fmt.Sprintf("/api/validation/execute?project_id=%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobID := decode(t, w)["jobId"].(string)
	s.sched.Wait()

	w = s.do(t, http.MethodGet, "/api/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\ndata: "), body)
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"kind":"validation"`)

	w = s.do(t, http.MethodGet, "/api/jobs/unknown/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobEvents_EndsWhenFinishWasNotDelivered(t *testing.T) {
	prev := heartbeatInterval
	heartbeatInterval = 10 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = prev })

	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")
	// Written straight to the database, so no event reaches subscribers.
	require.NoError(t, s.db.Create(&models.ValidationJob{
		ID: "v-silent", ProjectID: id, Status: models.JobProcessing,
	}).Error)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/v-silent/events", nil)
	done := make(chan struct{})
	go func() {
		s.handler.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.db.Model(&models.ValidationJob{}).Where("id = ?", "v-silent").
		Update("status", models.JobCompleted).Error)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream still open after the job completed")
	}
	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: status"), body)
	last := body[strings.LastIndex(body, "event: status"):]
	assert.Contains(t, last, `"status":"completed"`)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	writeSSE(&buf, "status", map[string]string{"status": "processing"})
	assert.Equal(t, "event: status\ndata: {\"status\":\"processing\"}\n\n", buf.String())
}

func TestMetricsAndCORS(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.createProject(t, "cohort")
	s.do(t, http.MethodPost, fmt.Sprintf("/api/validation/execute?project_id=%d", id), nil)
	s.sched.Wait()

	w := s.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `geneq_jobs_submitted_total{kind="validation"} 1`)

	req := httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", jobs.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", jobs.ErrNotCompleted), http.StatusBadRequest},
		{fmt.Errorf("x: %w", jobs.ErrShuttingDown), http.StatusServiceUnavailable},
		{badRequest("nope"), http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}
