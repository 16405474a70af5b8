package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"coursezipgo/internal/builder"
	"coursezipgo/internal/models"
	"coursezipgo/internal/resource"
	"coursezipgo/internal/storage"
	"coursezipgo/internal/telemetry"
	"coursezipgo/internal/websocket"
)

const defaultArchiveName = "course-materials.zip"

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, failedURLs []string) {
	body := map[string]any{"ok": false, "error": msg}
	if failedURLs != nil {
		body["failedUrls"] = failedURLs
	}
	writeJSON(w, status, body)
}

// BuildHandler is the blocking fallback for clients without a websocket:
// the whole archive comes back in one response, so it only suits
// archives small enough for a single message. With returnBuffer the
// bytes are base64 inside the JSON body, otherwise the zip itself is
// the response.
func BuildHandler(b *builder.Builder, hub *websocket.Hub, reporter *telemetry.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.BuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", nil)
			return
		}
		if len(req.Resources) == 0 {
			writeError(w, http.StatusBadRequest, "resources are required", nil)
			return
		}

		result, err := b.Build(r.Context(), req.Resources, hub.BroadcastProgress)
		defer reporter.Report(r.Context(), b.Counters())
		if err != nil {
			if errors.Is(err, builder.ErrBusy) {
				writeError(w, http.StatusConflict, err.Error(), nil)
				return
			}
			var failed []string
			if result != nil {
				failed = result.FailedURLs
			}
			writeError(w, http.StatusInternalServerError, err.Error(), failed)
			return
		}

		if req.Options.ReturnBuffer {
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":           true,
				"archiveBytes": base64.StdEncoding.EncodeToString(result.ArchiveBytes),
				"failedUrls":   result.FailedURLs,
				"successCount": result.SuccessCount,
				"totalCount":   result.TotalCount,
			})
			return
		}

		name := req.Options.ArchiveName
		if name == "" {
			name = defaultArchiveName
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", resource.SanitizeName(name)))
		w.Header().Set("X-Success-Count", strconv.Itoa(result.SuccessCount))
		w.Header().Set("X-Failed-Count", strconv.Itoa(len(result.FailedURLs)))
		w.Write(result.ArchiveBytes)
	}
}

// GetTrackingHandler returns the full tracking map for UI filtering of
// already-downloaded resources.
func GetTrackingHandler(b *builder.Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tracking": b.Tracking().Snapshot()})
	}
}

func ResetTrackingHandler(b *builder.Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.Tracking().Reset(r.Context()); err != nil {
			slog.Error("Cannot reset tracking", "error", err)
			writeError(w, http.StatusInternalServerError, "cannot reset tracking", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func GetSettingsHandler(kv storage.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := storage.LoadSaveSettings(r.Context(), kv)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cannot load settings", nil)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	}
}

func PutSettingsHandler(kv storage.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var settings models.SaveSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", nil)
			return
		}
		if settings.Mode != models.SaveModeDownloads && settings.Mode != models.SaveModeDirectory {
			writeError(w, http.StatusBadRequest, "mode must be 'downloads' or 'directory'", nil)
			return
		}
		if err := storage.StoreSaveSettings(r.Context(), kv, settings); err != nil {
			writeError(w, http.StatusInternalServerError, "cannot store settings", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

// TelemetryOptInHandler records the one-time telemetry answer.
func TelemetryOptInHandler(kv storage.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OptIn bool `json:"optIn"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", nil)
			return
		}
		if err := storage.SetTelemetryOptIn(r.Context(), kv, req.OptIn); err != nil {
			writeError(w, http.StatusInternalServerError, "cannot store telemetry choice", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

// GetTelemetryHandler tells the UI whether it still needs to ask.
func GetTelemetryHandler(kv storage.KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asked, optIn, err := storage.TelemetryFlags(r.Context(), kv)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cannot load telemetry flags", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"asked": asked, "optIn": optIn})
	}
}
