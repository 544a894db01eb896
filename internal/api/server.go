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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"factorywatch/internal/aggregate"
	"factorywatch/internal/alerts"
	"factorywatch/internal/config"
	"factorywatch/internal/ingest"
	"factorywatch/internal/metrics"
	"factorywatch/internal/model"
	"factorywatch/internal/monitor"
	"factorywatch/internal/normalize"
	"factorywatch/internal/sysinfo"
)

type Monitor interface {
	Dashboard() model.Dashboard
	Events() []model.Event
	Alerts(f alerts.Filter) []model.AlertEntry
	Ack(eventID, note string) (model.Acknowledgement, error)
	AckHistory(limit int) []alerts.Action
	Settings() aggregate.Settings
}

// EventSink receives documents pushed over HTTP. Only the in-process feed
// implements it.
type EventSink interface {
	Put(records ...model.RawRecord)
	Len() int
}

type Deps struct {
	Monitor Monitor
	Sink    EventSink
	WS      http.Handler
	Metrics *metrics.Recorder
	Host    *sysinfo.Collector
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status     string                `json:"status"`
	Time       string                `json:"time"`
	Version    string                `json:"version"`
	ConfigPath string                `json:"config_path"`
	Started    string                `json:"started"`
	Source     sourceStatus          `json:"source"`
	Connection model.ConnectionState `json:"connection"`
	Dashboard  uint64                `json:"dashboard_version"`
	Windows    []string              `json:"windows"`
	API        apiStatus             `json:"api"`
	Host       *sysinfo.Status       `json:"host,omitempty"`
}

type sourceStatus struct {
	Driver     string `json:"driver"`
	Collection string `json:"collection"`
	Push       bool   `json:"push"`
	Documents  int    `json:"documents,omitempty"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
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
	server := NewServer(cfg, deps, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
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

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, started: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/windows", s.handleWindows)
		r.Get("/rankings", s.handleRankings)
		r.Get("/rates/{kind}", s.handleRates)
		r.Get("/sensors", s.handleSensors)
		r.Get("/sensors/stats", s.handleSensorStats)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/history", s.handleAckHistory)
		r.Post("/alerts/{id}/ack", s.handleAck)
		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleEvents)
		r.Post("/upload", s.handleUpload)
	})
	if s.deps.WS != nil {
		r.Get("/ws", s.deps.WS.ServeHTTP)
	}
	if s.deps.Metrics != nil && s.cfg.Get().Metrics.Enabled {
		r.Get("/metrics", s.deps.Metrics.Handler().ServeHTTP)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	windows := make([]string, 0, len(cfg.Aggregation.Windows))
	for _, d := range cfg.Aggregation.Windows {
		windows = append(windows, aggregate.WindowLabel(d))
	}
	d := s.deps.Monitor.Dashboard()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Started:    s.started.Format(time.RFC3339Nano),
		Source: sourceStatus{
			Driver:     cfg.Source.Driver,
			Collection: cfg.Source.Collection,
			Push:       s.deps.Sink != nil,
		},
		Connection: d.Connection,
		Dashboard:  d.Version,
		Windows:    windows,
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.deps.Sink != nil {
		resp.Source.Documents = s.deps.Sink.Len()
	}
	if d.Connection.Status != model.Connected {
		resp.Status = string(d.Connection.Status)
	}
	if s.deps.Host != nil {
		host := s.deps.Host.Collect(r.Context())
		resp.Host = &host
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Dashboard())
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Monitor.Dashboard()
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": d.Aggregation.GeneratedAt,
		"windows":      d.Aggregation.Windows,
	})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	sets := s.deps.Monitor.Dashboard().Aggregation.Rankings
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if period == "" {
		writeJSON(w, http.StatusOK, map[string]any{"rankings": sets})
		return
	}
	for _, set := range sets {
		if strings.EqualFold(set.Period, period) {
			writeJSON(w, http.StatusOK, set)
			return
		}
	}
	writeError(w, http.StatusBadRequest, "unknown period: "+period)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	agg := s.deps.Monitor.Dashboard().Aggregation
	kind := chi.URLParam(r, "kind")
	var rates []model.BucketRate
	switch kind {
	case "hourly":
		rates = agg.Hourly
	case "weekly":
		rates = agg.Weekly
	case "weekday":
		rates = agg.Weekday
	default:
		writeError(w, http.StatusNotFound, "unknown rate breakdown: "+kind)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "rates": rates})
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	agg := s.deps.Monitor.Dashboard().Aggregation
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	list := agg.Liveness
	switch status {
	case "", "all":
	case string(model.Online), string(model.Warning), string(model.Offline):
		filtered := make([]model.SensorConnection, 0, len(list))
		for _, c := range list {
			if string(c.Status) == status {
				filtered = append(filtered, c)
			}
		}
		list = filtered
	default:
		writeError(w, http.StatusBadRequest, "unknown status: "+status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensors": list,
		"count":   len(list),
		"summary": agg.LiveSummary,
	})
}

func (s *Server) handleSensorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sensors": s.deps.Monitor.Dashboard().Aggregation.Sensors})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	status := strings.ToUpper(strings.TrimSpace(q.Get("status")))
	switch status {
	case "", "ALL", string(model.StatusAck), string(model.StatusUnack):
	default:
		writeError(w, http.StatusBadRequest, "unknown status: "+status)
		return
	}
	all := s.deps.Monitor.Alerts(alerts.Filter{})
	list := alerts.Filter{
		Search:   q.Get("search"),
		Status:   status,
		SensorID: strings.TrimSpace(q.Get("sensor")),
		Limit:    limit,
	}.Apply(all)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":  list,
		"count":   len(list),
		"summary": alerts.Summarize(all),
	})
}

func (s *Server) handleAckHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	actions := s.deps.Monitor.AckHistory(limit)
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "count": len(actions)})
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	ack, err := s.deps.Monitor.Ack(id, req.Note)
	switch {
	case errors.Is(err, monitor.ErrUnknownEvent):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": id, "ack": ack})
}

// handleListEvents returns the live sample newest first, optionally narrowed
// to one sensor.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	sensor := strings.TrimSpace(q.Get("sensor"))
	events := s.deps.Monitor.Events()
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if sensor != "" && !strings.EqualFold(ev.SensorID, sensor) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		writeError(w, http.StatusConflict, "push is only available with the memory source driver")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Get().Ingest.MaxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	records, skipped, err := ingest.DecodePush(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Sink.Put(records...)
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(records),
		"skipped":  skipped,
		"ids":      ids,
		"buffered": s.deps.Sink.Len(),
	})
}

// handleUpload aggregates an uploaded file on its own. Nothing is merged into
// the live state.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	r.Body = http.MaxBytesReader(w, r.Body, cfg.Ingest.MaxUploadBytes)
	name, body, closer, err := uploadBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if closer != nil {
		defer closer.Close()
	}
	up, err := ingest.ParseUpload(name, body, normalize.OptionsFrom(cfg))
	switch {
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.Is(err, ingest.ErrEmptyUpload), errors.Is(err, ingest.ErrNoRecords):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agg := aggregate.Compute(aggregate.Input{Events: up.Events}, time.Now().UTC(), s.deps.Monitor.Settings())
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        name,
		"format":      up.Format,
		"events":      len(up.Events),
		"skipped":     up.Skipped,
		"aggregation": agg,
	})
}

// uploadBody accepts a multipart form with a "file" field or a raw body
// named by the "name" query parameter.
func uploadBody(r *http.Request) (string, io.Reader, io.Closer, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, nil, errors.New("multipart upload needs a file field")
		}
		return header.Filename, file, file, nil
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		switch {
		case strings.Contains(ct, "json"):
			name = "upload.json"
		case strings.Contains(ct, "csv"):
			name = "upload.csv"
		case strings.Contains(ct, "spreadsheetml"):
			name = "upload.xlsx"
		}
	}
	return name, r.Body, nil, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
