package repositories

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// csvField neutralises spreadsheet formula injection: a cell beginning with
// =, +, -, @, tab or carriage return would be evaluated as a formula when the
// export is opened in Excel or LibreOffice, so it gets a leading apostrophe.
func csvField(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func csvTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return csvTime(*t)
}

// WriteHostsCSV writes the host list as CSV. Credential columns are never
// exported.
func WriteHostsCSV(w io.Writer, hosts []db.Host) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "name", "host", "port", "username", "status", "tags", "last_seen", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: hosts header: %w", err)
	}
	for _, h := range hosts {
		row := []string{
			strconv.FormatUint(uint64(h.ID), 10),
			csvField(h.Name),
			csvField(h.Host),
			strconv.Itoa(h.Port),
			csvField(h.Username),
			h.Status,
			csvField(h.Tags),
			csvTimePtr(h.LastSeen),
			csvTime(h.CreatedAt),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: hosts row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: hosts flush: %w", err)
	}
	return nil
}

// WriteTasksCSV writes the task list as CSV. Output columns carry the command
// and truncated stdout/stderr, so every free-text column goes through the
// formula guard.
func WriteTasksCSV(w io.Writer, tasks []db.Task) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "host_id", "user_id", "command", "status", "exit_code", "created_at", "started_at", "finished_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: tasks header: %w", err)
	}
	for _, t := range tasks {
		exitCode := ""
		if t.ExitCode != nil {
			exitCode = strconv.Itoa(*t.ExitCode)
		}
		row := []string{
			t.ID.String(),
			strconv.FormatUint(uint64(t.HostID), 10),
			strconv.FormatUint(uint64(t.UserID), 10),
			csvField(t.Command),
			t.Status,
			exitCode,
			csvTime(t.CreatedAt),
			csvTimePtr(t.StartedAt),
			csvTimePtr(t.FinishedAt),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: tasks row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: tasks flush: %w", err)
	}
	return nil
}

// WriteAuditLogsCSV writes audit entries as CSV.
func WriteAuditLogsCSV(w io.Writer, entries []db.AuditLog) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "user_id", "action", "target_type", "target_id", "meta", "ip", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: audit header: %w", err)
	}
	for _, e := range entries {
		userID := ""
		if e.UserID != nil {
			userID = strconv.FormatUint(uint64(*e.UserID), 10)
		}
		row := []string{
			e.ID.String(),
			userID,
			csvField(e.Action),
			csvField(e.TargetType),
			csvField(e.TargetID),
			csvField(e.Meta),
			e.IP,
			csvTime(e.CreatedAt),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: audit row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: audit flush: %w", err)
	}
	return nil
}

// WriteMonitoringCSV writes monitoring history samples as CSV. The data
// column is the raw JSON metrics payload.
func WriteMonitoringCSV(w io.Writer, samples []db.MonitoringHistory) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "host_id", "metric_type", "data", "timestamp"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: monitoring header: %w", err)
	}
	for _, s := range samples {
		row := []string{
			strconv.FormatUint(uint64(s.ID), 10),
			strconv.FormatUint(uint64(s.HostID), 10),
			csvField(s.MetricType),
			csvField(s.Data),
			csvTime(s.Timestamp),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: monitoring row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: monitoring flush: %w", err)
	}
	return nil
}

// WriteAlertsCSV writes alerts as CSV.
func WriteAlertsCSV(w io.Writer, alerts []db.Alert) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "host_id", "severity", "metric", "value", "threshold", "message", "is_read", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: alerts header: %w", err)
	}
	for _, a := range alerts {
		row := []string{
			a.ID.String(),
			strconv.FormatUint(uint64(a.HostID), 10),
			a.Severity,
			csvField(a.Metric),
			strconv.FormatFloat(a.Value, 'f', -1, 64),
			strconv.FormatFloat(a.Threshold, 'f', -1, 64),
			csvField(a.Message),
			strconv.FormatBool(a.IsRead),
			csvTime(a.CreatedAt),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: alerts row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: alerts flush: %w", err)
	}
	return nil
}
