package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telemetrybridge/go-mqtt-ingester/internal/model"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/devices", a.handleDevices)
	mux.HandleFunc("GET /api/devices/{deviceID}/readings", a.handleDeviceReadings)
	mux.HandleFunc("GET /api/rejections", a.handleRejections)
	mux.HandleFunc("GET /api/export", a.handleExport)
	mux.HandleFunc("POST /api/admin/wipe", a.handleWipeDatabase)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if a.store == nil || a.pipeline == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.pipeline == nil {
		http.Error(w, "pipeline not initialized", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, a.pipeline.Stats())
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	devices, err := a.store.Devices(ctx)
	if err != nil {
		a.logger.Error("failed to load devices", "error", err)
		http.Error(w, "failed to load devices", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []model.DeviceSummary{}
	}

	a.writeJSON(w, struct {
		Devices []model.DeviceSummary `json:"devices"`
	}{Devices: devices})
}

func (a *App) handleDeviceReadings(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	deviceID := r.PathValue("deviceID")

	var sinceOpt *time.Time
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			http.Error(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		sinceOpt = &ts
	}

	limit := queryLimit(r, 25, 250)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.DeviceReadings(ctx, deviceID, limit, sinceOpt)
	if err != nil {
		a.logger.Error("failed to load readings", "device", deviceID, "error", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, struct {
		DeviceID string        `json:"deviceId"`
		Readings []model.Entry `json:"readings"`
	}{DeviceID: deviceID, Readings: entries})
}

func (a *App) handleRejections(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := queryLimit(r, 50, 500)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	rejections, err := a.store.RecentRejections(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load rejections", "error", err)
		http.Error(w, "failed to load rejections", http.StatusInternalServerError)
		return
	}
	if rejections == nil {
		rejections = []model.Rejection{}
	}

	a.writeJSON(w, struct {
		Rejections []model.Rejection `json:"rejections"`
	}{Rejections: rejections})
}

func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	deviceID := strings.TrimSpace(r.URL.Query().Get("device"))
	if deviceID == "" {
		http.Error(w, "device query parameter required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	entries, err := a.store.AllDeviceReadings(ctx, deviceID)
	if err != nil {
		a.logger.Error("export: failed to load readings", "device", deviceID, "error", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=telemetry_export.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{"key", "timestamp", "temperature", "humidity", "status"}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, entry := range entries {
		row := []string{
			entry.Key,
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(entry.Temperature, 'f', -1, 64),
			strconv.FormatFloat(entry.Humidity, 'f', -1, 64),
			string(entry.Status),
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: all telemetry cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 || parsed > max {
		return def
	}
	return parsed
}
