package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
)

type fakeHostRepo struct {
	repositories.HostRepository

	mu       sync.Mutex
	hosts    []db.Host
	statuses map[uint]string
}

func (f *fakeHostRepo) ListAll(_ context.Context) ([]db.Host, error) {
	return f.hosts, nil
}

func (f *fakeHostRepo) UpdateStatus(_ context.Context, id uint, status string, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[uint]string)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeHostRepo) status(id uint) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeMonitoringRepo struct {
	repositories.MonitoringRepository

	mu      sync.Mutex
	samples []db.MonitoringHistory
	alerts  []db.Alert
}

func (f *fakeMonitoringRepo) Insert(_ context.Context, sample *db.MonitoringHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, *sample)
	return nil
}

func (f *fakeMonitoringRepo) CreateAlert(_ context.Context, alert *db.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, *alert)
	return nil
}

func (f *fakeMonitoringRepo) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type staticCreds struct{}

func (staticCreds) HostCredentials(_ context.Context, _ *db.Host) (sshpool.Credentials, error) {
	return sshpool.Credentials{Password: "pw"}, nil
}

func newTestServer(hosts *fakeHostRepo, monitoring *fakeMonitoringRepo, fetch func(context.Context, *db.Host, sshpool.Credentials) (map[string]any, error)) *Server {
	s := NewServer(hosts, monitoring, staticCreds{}, nil, nil, time.Hour, Thresholds{}, zap.NewNop())
	if fetch != nil {
		s.fetch = fetch
	}
	return s
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestConnectionFrame(t *testing.T) {
	s := newTestServer(&fakeHostRepo{}, &fakeMonitoringRepo{}, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, "connection", frame["type"])
	assert.Equal(t, "connected", frame["status"])
	assert.Equal(t, float64(3600), frame["update_interval"])
}

func TestPingPong(t *testing.T) {
	s := newTestServer(&fakeHostRepo{}, &fakeMonitoringRepo{}, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestSubscribeProtocol(t *testing.T) {
	s := newTestServer(&fakeHostRepo{}, &fakeMonitoringRepo{}, nil)
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "server_ids": []int{1, 3}}))
	frame := readFrame(t, conn)
	assert.Equal(t, "subscription_updated", frame["type"])
	assert.Equal(t, []any{float64(1), float64(3)}, frame["subscribed_to"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "server_ids": nil}))
	frame = readFrame(t, conn)
	assert.Equal(t, "subscription_updated", frame["type"])
	assert.Equal(t, "all", frame["subscribed_to"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "server_ids": "everything"}))
	assert.Equal(t, "error", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	assert.Equal(t, "error", readFrame(t, conn)["type"])
}

func TestBroadcastFiltersBySubscription(t *testing.T) {
	hosts := &fakeHostRepo{hosts: []db.Host{
		{ID: 1, Name: "web-01"},
		{ID: 2, Name: "db-01"},
	}}
	monitoring := &fakeMonitoringRepo{}
	s := newTestServer(hosts, monitoring, func(_ context.Context, host *db.Host, _ sshpool.Credentials) (map[string]any, error) {
		return map[string]any{"cpu_percent": float64(10 * host.ID)}, nil
	})
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "server_ids": []int{2}}))
	readFrame(t, conn)

	s.collectAndBroadcast(context.Background())

	frame := readFrame(t, conn)
	require.Equal(t, "stats_update", frame["type"])
	raw, err := json.Marshal(frame["data"])
	require.NoError(t, err)
	var data []HostStats
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Len(t, data, 1)
	assert.Equal(t, uint(2), data[0].ServerID)
	assert.Equal(t, float64(20), data[0].Metrics["cpu_percent"])

	// The subscribed host came back online and left a history sample; the
	// skipped host was not touched at all.
	assert.Equal(t, db.HostStatusOnline, hosts.status(2))
	assert.Empty(t, hosts.status(1))
	require.Len(t, monitoring.samples, 1)
	assert.Equal(t, uint(2), monitoring.samples[0].HostID)
	assert.Equal(t, "system", monitoring.samples[0].MetricType)
}

func TestFetchFailureMarksHostOffline(t *testing.T) {
	hosts := &fakeHostRepo{hosts: []db.Host{{ID: 5, Name: "flaky"}}}
	s := newTestServer(hosts, &fakeMonitoringRepo{}, func(context.Context, *db.Host, sshpool.Credentials) (map[string]any, error) {
		return nil, errors.New("connection refused")
	})
	ts := httptest.NewServer(s)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()
	readFrame(t, conn)

	s.collectAndBroadcast(context.Background())

	frame := readFrame(t, conn)
	require.Equal(t, "stats_update", frame["type"])
	raw, _ := json.Marshal(frame["data"])
	var data []HostStats
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Len(t, data, 1)
	assert.Contains(t, data[0].Error, "connection refused")
	assert.Nil(t, data[0].Metrics)
	assert.Equal(t, db.HostStatusOffline, hosts.status(5))
}

func TestThresholdAlerts(t *testing.T) {
	host := &db.Host{ID: 9, Name: "hot"}
	monitoring := &fakeMonitoringRepo{}
	s := newTestServer(&fakeHostRepo{}, monitoring, nil)

	s.evaluateThresholds(context.Background(), host, map[string]any{
		"cpu_percent":    float64(91),
		"memory_percent": float64(97.5),
		"disk_percent":   float64(40),
	})

	require.Equal(t, 2, monitoring.alertCount())
	byMetric := map[string]db.Alert{}
	for _, a := range monitoring.alerts {
		byMetric[a.Metric] = a
	}
	assert.Equal(t, db.AlertSeverityWarning, byMetric["cpu_percent"].Severity)
	assert.Equal(t, db.AlertSeverityCritical, byMetric["memory_percent"].Severity)
	assert.Equal(t, float64(80), byMetric["cpu_percent"].Threshold)

	// Cooldown: the same breach does not alert again immediately.
	s.evaluateThresholds(context.Background(), host, map[string]any{"cpu_percent": float64(92)})
	assert.Equal(t, 2, monitoring.alertCount())
}
