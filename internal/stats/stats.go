// Package stats polls fleet hosts for live metrics over SSH and broadcasts
// them to WebSocket subscribers on a fixed interval, updating host status
// and evaluating alert thresholds along the way.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/events"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
)

// DefaultInterval is the broadcast tick.
const DefaultInterval = 3 * time.Second

// collectParallelism bounds concurrent per-host fetches within a tick.
const collectParallelism = 8

// agentFetchTimeout boxes the SSH-proxied agent request.
const agentFetchTimeout = 10 * time.Second

// CredentialResolver matches vault.Service.HostCredentials.
type CredentialResolver interface {
	HostCredentials(ctx context.Context, host *db.Host) (sshpool.Credentials, error)
}

// HostStats is one host's entry in a stats_update frame. Either Metrics or
// Error is set.
type HostStats struct {
	ServerID uint           `json:"server_id"`
	Name     string         `json:"name"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Thresholds are the alert trip points, as usage percentages.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// DefaultThresholds warn at 80% across the board; above 95% every alert is
// critical regardless of the configured trip point.
var DefaultThresholds = Thresholds{CPU: 80, Memory: 80, Disk: 80}

// criticalAbove escalates any exceeded threshold to critical.
const criticalAbove = 95

// alertCooldown suppresses duplicate alerts for the same (host, metric).
const alertCooldown = 10 * time.Minute

// Server is the stats broadcaster: one WebSocket endpoint, one ticker
// routine, and a client set.
type Server struct {
	hosts      repositories.HostRepository
	monitoring repositories.MonitoringRepository
	creds      CredentialResolver
	pool       *sshpool.Pool
	bus        *events.Bus
	interval   time.Duration
	thresholds Thresholds
	logger     *zap.Logger

	upgrader websocket.Upgrader

	// connLimit smooths reconnect storms per source IP.
	connLimit *ratelimit.KeyedLimiter

	// fetch is injectable for tests; the default rents a pooled SSH client
	// and curls the agent on the host's loopback.
	fetch func(ctx context.Context, host *db.Host, creds sshpool.Credentials) (map[string]any, error)

	mu      sync.Mutex
	clients map[*client]struct{}

	alertMu   sync.Mutex
	lastAlert map[string]time.Time
}

// client is one connected subscriber. subscribed == nil means all hosts.
type client struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	mu         sync.Mutex
	subscribed map[uint]bool
}

func (c *client) wants(hostID uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed == nil {
		return true
	}
	return c.subscribed[hostID]
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// NewServer wires the broadcaster. Zero interval uses the default.
func NewServer(hosts repositories.HostRepository, monitoring repositories.MonitoringRepository, creds CredentialResolver, pool *sshpool.Pool, bus *events.Bus, interval time.Duration, thresholds Thresholds, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	s := &Server{
		hosts:      hosts,
		monitoring: monitoring,
		creds:      creds,
		pool:       pool,
		bus:        bus,
		interval:   interval,
		thresholds: thresholds,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connLimit: ratelimit.NewKeyed(10, time.Minute, 5),
		clients:   make(map[*client]struct{}),
		lastAlert: make(map[string]time.Time),
	}
	s.fetch = s.fetchViaAgent
	return s
}

// ClientCount reports connected subscribers, for metrics.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run drives the tick loop until the context ends. Ticks never pile up: a
// slow collection simply delays the next tick.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectAndBroadcast(ctx)
		}
	}
}

// ServeHTTP upgrades a subscriber connection and serves its control frames.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if !s.connLimit.Allow(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	_ = c.send(map[string]any{
		"type":            "connection",
		"status":          "connected",
		"update_interval": int(s.interval.Seconds()),
	})

	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	conn.Close()
}

// subscribeFrame is the inbound control message shape.
type subscribeFrame struct {
	Type      string           `json:"type"`
	ServerIDs *json.RawMessage `json:"server_ids"`
}

func (s *Server) readLoop(c *client) {
	for {
		var frame subscribeFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "ping":
			if err := c.send(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "subscribe":
			s.handleSubscribe(c, frame)
		default:
			_ = c.send(map[string]string{"type": "error", "message": "unknown message type"})
		}
	}
}

func (s *Server) handleSubscribe(c *client, frame subscribeFrame) {
	// server_ids: null (or absent) means everything.
	if frame.ServerIDs == nil || string(*frame.ServerIDs) == "null" {
		c.mu.Lock()
		c.subscribed = nil
		c.mu.Unlock()
		_ = c.send(map[string]any{"type": "subscription_updated", "subscribed_to": "all"})
		return
	}

	var ids []uint
	if err := json.Unmarshal(*frame.ServerIDs, &ids); err != nil {
		_ = c.send(map[string]string{"type": "error", "message": "server_ids must be a list of integers or null"})
		return
	}

	set := make(map[uint]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	c.mu.Lock()
	c.subscribed = set
	c.mu.Unlock()
	_ = c.send(map[string]any{"type": "subscription_updated", "subscribed_to": ids})
}

// snapshotClients copies the client set under the lock; sends happen outside
// it.
func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// collectAndBroadcast runs one tick: fetch every host of interest with
// bounded parallelism, persist and evaluate, then push one frame per client
// filtered by its subscription.
func (s *Server) collectAndBroadcast(ctx context.Context) {
	clients := s.snapshotClients()
	if len(clients) == 0 {
		return
	}

	hosts, err := s.hosts.ListAll(ctx)
	if err != nil {
		s.logger.Error("stats: host listing failed", zap.Error(err))
		return
	}

	// Hosts nobody subscribed to are skipped entirely.
	wanted := make([]db.Host, 0, len(hosts))
	for i := range hosts {
		for _, c := range clients {
			if c.wants(hosts[i].ID) {
				wanted = append(wanted, hosts[i])
				break
			}
		}
	}

	results := make([]HostStats, len(wanted))
	sem := make(chan struct{}, collectParallelism)
	var wg sync.WaitGroup
	for i := range wanted {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.collectHost(ctx, &wanted[i])
		}(i)
	}
	wg.Wait()

	for _, c := range clients {
		frame := map[string]any{"type": "stats_update", "data": filterFor(c, results)}
		if err := c.send(frame); err != nil {
			// Slow or dead client: evict.
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			c.conn.Close()
		}
	}
}

func filterFor(c *client, results []HostStats) []HostStats {
	out := make([]HostStats, 0, len(results))
	for _, r := range results {
		if c.wants(r.ServerID) {
			out = append(out, r)
		}
	}
	return out
}

// collectHost fetches one host's metrics and applies the side effects:
// status/last_seen updates, a monitoring history row, threshold evaluation.
func (s *Server) collectHost(ctx context.Context, host *db.Host) HostStats {
	entry := HostStats{ServerID: host.ID, Name: host.Name}

	creds, err := s.creds.HostCredentials(ctx, host)
	if err == nil {
		var metrics map[string]any
		metrics, err = s.fetch(ctx, host, creds)
		if err == nil {
			entry.Metrics = metrics
		}
	}

	now := time.Now().UTC()
	if err != nil {
		entry.Error = err.Error()
		if uerr := s.hosts.UpdateStatus(ctx, host.ID, db.HostStatusOffline, nil); uerr != nil {
			s.logger.Error("stats: status update failed", zap.Uint("host_id", host.ID), zap.Error(uerr))
		}
		return entry
	}

	if uerr := s.hosts.UpdateStatus(ctx, host.ID, db.HostStatusOnline, &now); uerr != nil {
		s.logger.Error("stats: status update failed", zap.Uint("host_id", host.ID), zap.Error(uerr))
	}

	if raw, merr := json.Marshal(entry.Metrics); merr == nil {
		sample := &db.MonitoringHistory{
			HostID:     host.ID,
			MetricType: "system",
			Data:       string(raw),
			Timestamp:  now,
		}
		if ierr := s.monitoring.Insert(ctx, sample); ierr != nil {
			s.logger.Error("stats: history insert failed", zap.Uint("host_id", host.ID), zap.Error(ierr))
		}
	}

	s.evaluateThresholds(ctx, host, entry.Metrics)
	return entry
}

// fetchViaAgent proxies an HTTP request to the host's local agent through
// SSH: the agent only listens on loopback, so the fetch runs curl remotely.
func (s *Server) fetchViaAgent(_ context.Context, host *db.Host, creds sshpool.Credentials) (map[string]any, error) {
	client, err := s.pool.Get(host.Host, host.Port, host.Username, creds)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("curl -sf --max-time 5 http://127.0.0.1:%d/stats", host.AgentPort)
	result, err := sshpool.Exec(client, cmd, agentFetchTimeout)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("agent fetch exited %d: %s", result.ExitCode, result.Stderr)
	}

	var metrics map[string]any
	if err := json.Unmarshal([]byte(result.Stdout), &metrics); err != nil {
		return nil, fmt.Errorf("agent returned invalid JSON: %w", err)
	}
	return metrics, nil
}

// evaluateThresholds compares cpu/memory/disk usage against the trip points
// and raises alert rows plus events, with a per-(host, metric) cooldown.
func (s *Server) evaluateThresholds(ctx context.Context, host *db.Host, metrics map[string]any) {
	checks := []struct {
		metric    string
		threshold float64
	}{
		{"cpu_percent", s.thresholds.CPU},
		{"memory_percent", s.thresholds.Memory},
		{"disk_percent", s.thresholds.Disk},
	}

	for _, check := range checks {
		value, ok := floatMetric(metrics, check.metric)
		if !ok || value <= check.threshold {
			continue
		}
		if !s.alertDue(host.ID, check.metric) {
			continue
		}

		severity := db.AlertSeverityWarning
		if value > criticalAbove {
			severity = db.AlertSeverityCritical
		}

		alert := &db.Alert{
			HostID:    host.ID,
			Severity:  severity,
			Metric:    check.metric,
			Value:     value,
			Threshold: check.threshold,
			Message:   fmt.Sprintf("%s at %.1f%% on %s (threshold %.0f%%)", check.metric, value, host.Name, check.threshold),
		}
		if err := s.monitoring.CreateAlert(ctx, alert); err != nil {
			s.logger.Error("stats: alert insert failed", zap.Uint("host_id", host.ID), zap.Error(err))
			continue
		}

		if s.bus != nil {
			event := events.New("alert.triggered", "host", strconv.FormatUint(uint64(host.ID), 10))
			event.Severity = severity
			event.Meta = map[string]any{
				"metric":    check.metric,
				"value":     value,
				"threshold": check.threshold,
			}
			s.bus.Publish(ctx, event)
		}
	}
}

// alertDue applies the cooldown for one (host, metric) pair.
func (s *Server) alertDue(hostID uint, metric string) bool {
	key := fmt.Sprintf("%d:%s", hostID, metric)
	now := time.Now()

	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	if last, ok := s.lastAlert[key]; ok && now.Sub(last) < alertCooldown {
		return false
	}
	s.lastAlert[key] = now
	return true
}

func floatMetric(metrics map[string]any, key string) (float64, bool) {
	v, ok := metrics[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
