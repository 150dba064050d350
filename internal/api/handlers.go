package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hostlens/hostlens/internal/auth"
	"github.com/hostlens/hostlens/internal/metrics"
	"github.com/hostlens/hostlens/internal/poller"
	"github.com/hostlens/hostlens/internal/target"
)

// Handler bundles the services behind the HTTP surface. History is nil when
// the deployment runs without a database.
type Handler struct {
	auth     *auth.Service
	registry *target.Registry
	store    *metrics.Store
	manager  *poller.Manager
	history  *metrics.HistoryWriter
}

// NewHandler creates the API handler
func NewHandler(authService *auth.Service, registry *target.Registry, store *metrics.Store, manager *poller.Manager, history *metrics.HistoryWriter) *Handler {
	return &Handler{
		auth:     authService,
		registry: registry,
		store:    store,
		manager:  manager,
		history:  history,
	}
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login authenticates and returns a JWT token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		return
	}
	respondSuccess(w, http.StatusOK, resp)
}

// targetView is the credential-free representation returned by the API
type targetView struct {
	Key        string   `json:"key"`
	Label      string   `json:"label,omitempty"`
	Host       string   `json:"host,omitempty"`
	Port       int      `json:"port,omitempty"`
	Username   string   `json:"username,omitempty"`
	HasSource  bool     `json:"has_source"`
	LocalOnly  bool     `json:"local_only"`
	LogPaths   []string `json:"log_paths,omitempty"`
	Monitoring bool     `json:"monitoring"`
	Session    string   `json:"session,omitempty"`
}

func (h *Handler) viewOf(t *target.Target) targetView {
	v := targetView{
		Key:        t.Key(),
		Label:      t.Label,
		Host:       t.Host,
		HasSource:  t.Source != nil,
		LocalOnly:  t.LocalOnly,
		LogPaths:   t.LogPaths,
		Monitoring: h.store.IsMonitoring(t.Key()),
	}
	if !t.LocalOnly {
		v.Port = t.PortOrDefault()
		if t.Auth != nil {
			v.Username = t.Auth.Username
		}
	}
	if state, ok := h.manager.SessionState(t.Key()); ok {
		v.Session = state.String()
	}
	return v
}

// ListTargets returns every registered target without credentials
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets := h.registry.List()
	views := make([]targetView, 0, len(targets))
	for _, t := range targets {
		views = append(views, h.viewOf(t))
	}
	respondSuccess(w, http.StatusOK, views)
}

// GetTarget returns one target by key
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}
	t, found := h.registry.Get(key)
	if !found {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Target not found")
		return
	}
	respondSuccess(w, http.StatusOK, h.viewOf(t))
}

// StartMonitor begins polling a target
func (h *Handler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}
	if _, found := h.registry.Get(key); !found {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Target not found")
		return
	}
	if err := h.manager.Start(key); err != nil {
		respondError(w, http.StatusInternalServerError, "MONITOR_FAILED", err.Error())
		return
	}
	respondSuccess(w, http.StatusAccepted, map[string]string{"target": key, "monitoring": "started"})
}

// StopMonitor halts polling for a target
func (h *Handler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}
	h.manager.Stop(key)
	respondSuccess(w, http.StatusOK, map[string]string{"target": key, "monitoring": "stopped"})
}

// GetMetrics returns the latest stored record for a target
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}
	rec, found := h.store.GetLatest(key)
	if !found {
		respondError(w, http.StatusNotFound, "NO_DATA", "No metrics recorded for target")
		return
	}
	respondSuccess(w, http.StatusOK, rec)
}

// GetHistory returns recent persisted records for a target
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusNotImplemented, "HISTORY_DISABLED", "History storage is not configured")
		return
	}
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer")
			return
		}
		limit = n
	}

	rows, err := h.history.History(r.Context(), key, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "HISTORY_FAILED", "Failed to read history")
		return
	}
	respondSuccess(w, http.StatusOK, rows)
}

// QueryRange proxies a range query to the target's time-series source
func (h *Handler) QueryRange(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	expr := q.Get("query")
	if expr == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "query parameter is required")
		return
	}

	end := time.Now()
	start := end.Add(-time.Hour)
	step := 30 * time.Second

	if raw := q.Get("start"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "start must be a unix timestamp")
			return
		}
		start = time.Unix(sec, 0)
	}
	if raw := q.Get("end"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "end must be a unix timestamp")
			return
		}
		end = time.Unix(sec, 0)
	}
	if raw := q.Get("step"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || sec <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "step must be a positive number of seconds")
			return
		}
		step = time.Duration(sec) * time.Second
	}

	series, err := h.manager.QueryRange(r.Context(), key, expr, start, end, step)
	if err != nil {
		respondError(w, http.StatusBadGateway, "SOURCE_UNAVAILABLE", err.Error())
		return
	}
	respondSuccess(w, http.StatusOK, series)
}

// ListMetricNames enumerates metric names from the target's source
func (h *Handler) ListMetricNames(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}
	names, err := h.manager.MetricNames(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusBadGateway, "SOURCE_UNAVAILABLE", err.Error())
		return
	}
	respondSuccess(w, http.StatusOK, names)
}

// ListAlerts returns the firing alerts from the target's source
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	key, ok := h.targetKey(w, r)
	if !ok {
		return
	}
	alerts, err := h.manager.Alerts(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusBadGateway, "SOURCE_UNAVAILABLE", err.Error())
		return
	}
	respondSuccess(w, http.StatusOK, alerts)
}

// targetKey extracts and unescapes the {key} path segment. Keys contain
// characters like @ and : so they arrive percent-encoded.
func (h *Handler) targetKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "key")
	key, err := url.PathUnescape(raw)
	if err != nil || key == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid target key")
		return "", false
	}
	return key, true
}
