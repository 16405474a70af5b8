package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursezipgo/internal/builder"
	"coursezipgo/internal/expand"
	"coursezipgo/internal/fetch"
	"coursezipgo/internal/models"
	"coursezipgo/internal/storage"
	"coursezipgo/internal/telemetry"
	"coursezipgo/internal/tracking"
	"coursezipgo/internal/websocket"
)

func testRouter(t *testing.T) (*chi.Mux, storage.KV) {
	t.Helper()
	log := slog.Default()
	kv, err := storage.NewFileKVWithFS(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	engine := fetch.New(fetch.Config{
		FileTimeout: 5 * time.Second,
		PageTimeout: 5 * time.Second,
		MaxAttempts: 1,
	}, log)
	store, err := tracking.Load(context.Background(), kv, log)
	require.NoError(t, err)
	b := builder.New(engine, expand.New(engine, nil, log), store, telemetry.NewCounters(), 2, log)
	hub := websocket.NewHub()
	go hub.Run()
	reporter := telemetry.NewReporter("", kv, log)

	r := chi.NewRouter()
	r.Post("/build", BuildHandler(b, hub, reporter))
	r.Get("/tracking", GetTrackingHandler(b))
	r.Delete("/tracking", ResetTrackingHandler(b))
	r.Get("/settings", GetSettingsHandler(kv))
	r.Put("/settings", PutSettingsHandler(kv))
	r.Get("/telemetry", GetTelemetryHandler(kv))
	r.Post("/telemetry", TelemetryOptInHandler(kv))
	return r, kv
}

func lmsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pluginfile.php/1/a.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("pdf bytes"))
	})
	return httptest.NewServer(mux)
}

func TestBuildHandlerReturnBuffer(t *testing.T) {
	lms := lmsServer(t)
	defer lms.Close()
	router, _ := testRouter(t)

	body, err := json.Marshal(models.BuildRequest{
		Resources: []models.Resource{
			{Name: "a", URL: lms.URL + "/pluginfile.php/1/a.pdf", Kind: models.KindFile, ArchivePath: "Course"},
		},
		Options: models.BuildOptions{ReturnBuffer: true},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/build", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK           bool     `json:"ok"`
		ArchiveBytes string   `json:"archiveBytes"`
		FailedURLs   []string `json:"failedUrls"`
		SuccessCount int      `json:"successCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.SuccessCount)
	assert.Empty(t, resp.FailedURLs)

	data, err := base64.StdEncoding.DecodeString(resp.ArchiveBytes)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "Course/a.pdf", zr.File[0].Name)
}

func TestBuildHandlerAttachment(t *testing.T) {
	lms := lmsServer(t)
	defer lms.Close()
	router, _ := testRouter(t)

	body, err := json.Marshal(models.BuildRequest{
		Resources: []models.Resource{
			{Name: "a", URL: lms.URL + "/pluginfile.php/1/a.pdf", Kind: models.KindFile},
		},
		Options: models.BuildOptions{ArchiveName: "My Course.zip"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/build", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "My Course.zip")
	assert.Equal(t, "1", rec.Header().Get("X-Success-Count"))

	_, err = zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	assert.NoError(t, err)
}

func TestBuildHandlerValidation(t *testing.T) {
	router, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/build", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/build", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackingEndpoints(t *testing.T) {
	lms := lmsServer(t)
	defer lms.Close()
	router, _ := testRouter(t)

	body, _ := json.Marshal(models.BuildRequest{
		Resources: []models.Resource{
			{Name: "a", URL: lms.URL + "/pluginfile.php/1/a.pdf", Kind: models.KindFile},
		},
		Options: models.BuildOptions{ReturnBuffer: true},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/build", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tracking", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tracking map[string]models.TrackingRecord `json:"tracking"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Tracking, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tracking", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tracking", nil))
	resp.Tracking = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Tracking)
}

func TestSettingsEndpoints(t *testing.T) {
	router, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var settings models.SaveSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, models.SaveModeDownloads, settings.Mode)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/settings",
		strings.NewReader(`{"mode":"directory","saveAs":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/settings",
		strings.NewReader(`{"mode":"nonsense"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settings", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, models.SaveModeDirectory, settings.Mode)
	assert.True(t, settings.SaveAs)
}

func TestTelemetryEndpoints(t *testing.T) {
	router, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var flags map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flags))
	assert.False(t, flags["asked"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telemetry",
		strings.NewReader(`{"optIn":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flags))
	assert.True(t, flags["asked"])
	assert.True(t, flags["optIn"])
}
