package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/cache"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// Cache keys for the heavy dashboard GETs.
const (
	cacheKeyOverview = "stats:overview"
	cacheKeyActivity = "activity:recent"
)

type monitoringHandler struct {
	monitoring repositories.MonitoringRepository
	hosts      repositories.HostRepository
	tasks      repositories.TaskRepository
	audit      repositories.AuditLogRepository
	cache      *cache.Cache
	logger     *zap.Logger
}

func (h *monitoringHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := repositories.AlertFilter{Severity: r.URL.Query().Get("severity")}
	if s := r.URL.Query().Get("server_id"); s != "" {
		if id, err := strconv.ParseUint(s, 10, 32); err == nil {
			filter.HostID = uint(id)
		}
	}
	if s := r.URL.Query().Get("is_read"); s != "" {
		isRead := s == "true"
		filter.IsRead = &isRead
	}

	alerts, total, err := h.monitoring.ListAlerts(r.Context(), filter, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: alerts, Total: total})
}

func (h *monitoringHandler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, "invalid alert id")
		return
	}
	if err := h.monitoring.MarkAlertRead(r.Context(), id); err != nil {
		repoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// History returns monitoring samples for one host over a time range
// (defaults: the last 24 hours).
func (h *monitoringHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if s := r.URL.Query().Get("from"); s != "" {
		if t, perr := time.Parse(time.RFC3339, s); perr == nil {
			from = t
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if t, perr := time.Parse(time.RFC3339, s); perr == nil {
			to = t
		}
	}
	metricType := r.URL.Query().Get("metric_type")
	if metricType == "" {
		metricType = "system"
	}

	samples, total, err := h.monitoring.ListRange(r.Context(), id, metricType, from, to, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: samples, Total: total})
}

// Overview is the dashboard summary: host status breakdown, task status
// breakdown, unread alerts. Cached for 30 seconds.
func (h *monitoringHandler) Overview(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.Get(cacheKeyOverview); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	hosts, err := h.hosts.ListAll(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	hostsByStatus := map[string]int{}
	for i := range hosts {
		hostsByStatus[hosts[i].Status]++
	}

	tasksByStatus := map[string]int64{}
	for _, status := range []string{
		db.TaskStatusQueued, db.TaskStatusRunning, db.TaskStatusSuccess,
		db.TaskStatusFailed, db.TaskStatusTimeout, db.TaskStatusCancelled,
		db.TaskStatusInterrupted,
	} {
		n, cerr := h.tasks.CountByStatus(r.Context(), status)
		if cerr != nil {
			internalError(w)
			return
		}
		tasksByStatus[status] = n
	}

	unread := false
	_, unreadAlerts, err := h.monitoring.ListAlerts(r.Context(), repositories.AlertFilter{IsRead: &unread}, repositories.ListOptions{Limit: 1})
	if err != nil {
		internalError(w)
		return
	}

	payload := map[string]any{
		"servers":       hostsByStatus,
		"tasks":         tasksByStatus,
		"unread_alerts": unreadAlerts,
	}
	h.cache.Set(cacheKeyOverview, payload, cache.TTLStats)
	writeJSON(w, http.StatusOK, payload)
}

// Activity returns the most recent audit entries. Cached for 15 seconds.
func (h *monitoringHandler) Activity(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.Get(cacheKeyActivity); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	entries, total, err := h.audit.List(r.Context(), repositories.AuditFilter{}, repositories.ListOptions{Limit: 25})
	if err != nil {
		internalError(w)
		return
	}
	payload := listEnvelope{Items: entries, Total: total}
	h.cache.Set(cacheKeyActivity, payload, cache.TTLActivity)
	writeJSON(w, http.StatusOK, payload)
}
