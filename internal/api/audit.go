package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

type auditHandler struct {
	audit      repositories.AuditLogRepository
	hosts      repositories.HostRepository
	tasks      repositories.TaskRepository
	monitoring repositories.MonitoringRepository
	logger     *zap.Logger
}

// exportLimit caps every CSV export at one repository page of rows.
const exportLimit = 10000

func (h *auditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.AuditFilter{Action: r.URL.Query().Get("action")}
	if s := r.URL.Query().Get("user_id"); s != "" {
		if id, err := strconv.ParseUint(s, 10, 32); err == nil {
			filter.UserID = uint(id)
		}
	}
	if s := r.URL.Query().Get("from"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.From = &t
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.To = &t
		}
	}

	entries, total, err := h.audit.List(r.Context(), filter, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: entries, Total: total})
}

// csvHeaders sets the export content type and attachment disposition.
func csvHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename=`+filename)
}

func (h *auditHandler) ExportAuditCSV(w http.ResponseWriter, r *http.Request) {
	entries, _, err := h.audit.List(r.Context(), repositories.AuditFilter{}, repositories.ListOptions{Limit: exportLimit})
	if err != nil {
		internalError(w)
		return
	}
	csvHeaders(w, "audit-logs.csv")
	if err := repositories.WriteAuditLogsCSV(w, entries); err != nil {
		h.logger.Error("audit csv export failed", zap.Error(err))
	}
}

func (h *auditHandler) ExportHostsCSV(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.hosts.ListAll(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	csvHeaders(w, "servers.csv")
	if err := repositories.WriteHostsCSV(w, hosts); err != nil {
		h.logger.Error("hosts csv export failed", zap.Error(err))
	}
}

func (h *auditHandler) ExportTasksCSV(w http.ResponseWriter, r *http.Request) {
	tasks, _, err := h.tasks.List(r.Context(), repositories.TaskFilter{}, repositories.ListOptions{Limit: exportLimit})
	if err != nil {
		internalError(w)
		return
	}
	csvHeaders(w, "tasks.csv")
	if err := repositories.WriteTasksCSV(w, tasks); err != nil {
		h.logger.Error("tasks csv export failed", zap.Error(err))
	}
}

// ExportMonitoringCSV exports monitoring history for one host. server_id is
// required; the range defaults to the last 24 hours.
func (h *auditHandler) ExportMonitoringCSV(w http.ResponseWriter, r *http.Request) {
	hostID, err := strconv.ParseUint(r.URL.Query().Get("server_id"), 10, 32)
	if err != nil {
		badRequest(w, "server_id is required")
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

	samples, _, err := h.monitoring.ListRange(r.Context(), uint(hostID), metricType, from, to, repositories.ListOptions{Limit: exportLimit})
	if err != nil {
		internalError(w)
		return
	}
	csvHeaders(w, "monitoring.csv")
	if err := repositories.WriteMonitoringCSV(w, samples); err != nil {
		h.logger.Error("monitoring csv export failed", zap.Error(err))
	}
}

func (h *auditHandler) ExportAlertsCSV(w http.ResponseWriter, r *http.Request) {
	alerts, _, err := h.monitoring.ListAlerts(r.Context(), repositories.AlertFilter{}, repositories.ListOptions{Limit: exportLimit})
	if err != nil {
		internalError(w)
		return
	}
	csvHeaders(w, "alerts.csv")
	if err := repositories.WriteAlertsCSV(w, alerts); err != nil {
		h.logger.Error("alerts csv export failed", zap.Error(err))
	}
}
