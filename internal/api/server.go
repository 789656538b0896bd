package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"homesense/internal/broadcast"
	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/storage"
)

type Server struct {
	cfg         *config.Manager
	store       storage.Store
	counters    *metrics.Counters
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
	version     string
	started     time.Time
}

type statusResponse struct {
	Status    string           `json:"status"`
	Time      string           `json:"time"`
	Version   string           `json:"version"`
	UptimeSec int64            `json:"uptime_sec"`
	Storage   string           `json:"storage"`
	Ingest    ingestStatus     `json:"ingest"`
	Observers int              `json:"observers"`
	Counters  map[string]int64 `json:"counters"`
}

type ingestStatus struct {
	MQTT  bool `json:"mqtt"`
	Kafka bool `json:"kafka"`
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, counters *metrics.Counters, b *broadcast.Broadcaster, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:         cfg,
		store:       store,
		counters:    counters,
		broadcaster: b,
		logger:      logger,
		version:     version,
		started:     time.Now().UTC(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/devices", server.handleDevices)
	mux.HandleFunc("/devices/", server.handleDevice)
	mux.HandleFunc("/sensors", server.handleSensors)
	mux.HandleFunc("/readings", server.handleReadings)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/alerts/", server.handleAlertAck)
	mux.HandleFunc("/incidents", server.handleIncidents)
	mux.HandleFunc("/incidents/", server.handleIncidentAck)
	mux.HandleFunc("/stats", server.handleStats)
	if b != nil {
		mux.HandleFunc("/ws", broadcast.Handler(b, logger))
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	observers := 0
	if s.broadcaster != nil {
		observers = s.broadcaster.ObserverCount()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "ok",
		Time:      now.Format(time.RFC3339Nano),
		Version:   s.version,
		UptimeSec: int64(now.Sub(s.started).Seconds()),
		Storage:   cfg.Storage.Driver,
		Ingest: ingestStatus{
			MQTT:  cfg.Ingest.MQTT.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		Observers: observers,
		Counters:  s.counters.Snapshot(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	devices, err := s.store.Devices(ctx)
	if err != nil {
		s.serverError(w, "list devices", err)
		return
	}
	sensors, err := s.store.Sensors(ctx, "", "")
	if err != nil {
		s.serverError(w, "list sensors", err)
		return
	}
	byDevice := make(map[string][]model.Sensor, len(devices))
	for _, sen := range sensors {
		byDevice[sen.DeviceID] = append(byDevice[sen.DeviceID], sen)
	}
	now := time.Now().UTC()
	window := s.cfg.Get().Liveness.Window
	for i := range devices {
		devices[i].Status = model.StatusAt(devices[i].LastSeen, now, window)
		devices[i].Sensors = byDevice[devices[i].DeviceID]
		for j := range devices[i].Sensors {
			devices[i].Sensors[j].Status = model.StatusAt(devices[i].Sensors[j].LastSeen, now, window)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/devices/"), "/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	device, err := s.store.Device(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "get device", err)
		return
	}
	now := time.Now().UTC()
	window := s.cfg.Get().Liveness.Window
	device.Status = model.StatusAt(device.LastSeen, now, window)
	for i := range device.Sensors {
		device.Sensors[i].Status = model.StatusAt(device.Sensors[i].LastSeen, now, window)
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	sensors, err := s.store.Sensors(r.Context(), q.Get("device_id"), model.SensorKind(q.Get("kind")))
	if err != nil {
		s.serverError(w, "list sensors", err)
		return
	}
	now := time.Now().UTC()
	window := s.cfg.Get().Liveness.Window
	for i := range sensors {
		sensors[i].Status = model.StatusAt(sensors[i].LastSeen, now, window)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": sensors, "count": len(sensors)})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	readings, err := s.store.Readings(r.Context(), storage.ReadingFilter{
		DeviceID: q.Get("device_id"),
		Kind:     model.SensorKind(q.Get("kind")),
		Limit:    intParam(q.Get("limit")),
	})
	if err != nil {
		s.serverError(w, "list readings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings, "count": len(readings)})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := storage.AlertFilter{
		DeviceID: q.Get("device_id"),
		Severity: model.Severity(q.Get("severity")),
		Limit:    intParam(q.Get("limit")),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.Since = ts
	}
	alerts, err := s.store.Alerts(r.Context(), filter)
	if err != nil {
		s.serverError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	s.handleAck(w, r, "/alerts/", s.store.AcknowledgeAlert)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	incidents, err := s.store.Incidents(r.Context(), storage.IncidentFilter{
		DeviceID: q.Get("device_id"),
		Limit:    intParam(q.Get("limit")),
	})
	if err != nil {
		s.serverError(w, "list incidents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}

func (s *Server) handleIncidentAck(w http.ResponseWriter, r *http.Request) {
	s.handleAck(w, r, "/incidents/", s.store.AcknowledgeIncident)
}

// handleAck serves POST {prefix}{id}/ack with an optional
// {"acknowledged_by": ...} body. Acknowledgment is one-way; repeating
// it succeeds without changing anything.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, prefix string, ack func(context.Context, string, string, time.Time) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, ok := strings.CutSuffix(rest, "/ack")
	if !ok || id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	err := ack(r.Context(), id, req.AcknowledgedBy, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "acknowledge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.serverError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("request failed", "op", op, "err", err)
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func intParam(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
