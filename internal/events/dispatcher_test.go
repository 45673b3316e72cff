package events

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// memWebhookRepo is an in-memory WebhookRepository for dispatcher tests.
type memWebhookRepo struct {
	mu            sync.Mutex
	webhooks      map[uuid.UUID]*db.Webhook
	deliveries    []db.WebhookDelivery
	lastTriggered map[uuid.UUID]time.Time
}

func newMemWebhookRepo() *memWebhookRepo {
	return &memWebhookRepo{
		webhooks:      make(map[uuid.UUID]*db.Webhook),
		lastTriggered: make(map[uuid.UUID]time.Time),
	}
}

func (m *memWebhookRepo) Create(_ context.Context, w *db.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == (uuid.UUID{}) {
		w.ID = uuid.New()
	}
	m.webhooks[w.ID] = w
	return nil
}

func (m *memWebhookRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return w, nil
}

func (m *memWebhookRepo) Update(_ context.Context, w *db.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.ID] = w
	return nil
}

func (m *memWebhookRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

func (m *memWebhookRepo) List(_ context.Context, _ repositories.ListOptions) ([]db.Webhook, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Webhook
	for _, w := range m.webhooks {
		out = append(out, *w)
	}
	return out, int64(len(out)), nil
}

// ListEnabledForEvent applies the same subscription semantics as the real
// repository: a nil filter matches everything, otherwise the JSON array must
// contain the exact event type.
func (m *memWebhookRepo) ListEnabledForEvent(_ context.Context, eventType string) ([]db.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Webhook
	for _, w := range m.webhooks {
		if !w.Enabled {
			continue
		}
		if w.EventTypes != nil {
			var types []string
			if err := json.Unmarshal([]byte(*w.EventTypes), &types); err != nil {
				continue
			}
			matched := false
			for _, t := range types {
				if t == eventType {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, *w)
	}
	return out, nil
}

func (m *memWebhookRepo) UpdateLastTriggered(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTriggered[id] = at
	return nil
}

func (m *memWebhookRepo) CreateDelivery(_ context.Context, d *db.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, *d)
	return nil
}

func (m *memWebhookRepo) ListDeliveries(_ context.Context, webhookID uuid.UUID, _ repositories.ListOptions) ([]db.WebhookDelivery, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.WebhookDelivery
	for _, d := range m.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memWebhookRepo) deliveryRows() []db.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.WebhookDelivery(nil), m.deliveries...)
}

func allowAllGuard(_ context.Context, _ string, _ Resolver) error { return nil }

func newTestDispatcher(repo *memWebhookRepo, cfg DispatcherConfig) *Dispatcher {
	d := NewDispatcher(cfg, repo, nil, zap.NewNop())
	d.guard = allowAllGuard
	return d
}

func TestDeliverSignsBody(t *testing.T) {
	secret := "wh-secret"
	var gotBody []byte
	var gotSig, gotTimestamp string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-sm-signature")
		gotTimestamp = r.Header.Get("X-sm-timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemWebhookRepo()
	webhook := &db.Webhook{Name: "ci", URL: srv.URL, Secret: db.EncryptedString(secret), Enabled: true}
	require.NoError(t, repo.Create(context.Background(), webhook))

	d := newTestDispatcher(repo, DispatcherConfig{RetryMax: 1})
	event := New("task.completed", "task", "abc")
	status := d.Deliver(context.Background(), webhook, event)

	assert.Equal(t, "success", status)
	assert.NotEmpty(t, gotTimestamp)

	// The recorded signature verifies against the exact body received.
	expected := Sign([]byte(secret), gotBody)
	assert.True(t, hmac.Equal([]byte(expected), []byte(gotSig)))

	rows := repo.deliveryRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "success", rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempt)
	assert.Equal(t, event.EventID.String(), rows[0].EventID)

	repo.mu.Lock()
	_, triggered := repo.lastTriggered[webhook.ID]
	repo.mu.Unlock()
	assert.True(t, triggered)
}

func TestEnqueueHonorsEventTypeSubscription(t *testing.T) {
	hits := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		hits <- ev.Type
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemWebhookRepo()
	filter := `["task.finished"]`
	webhook := &db.Webhook{Name: "ci", URL: srv.URL, Enabled: true, EventTypes: &filter}
	require.NoError(t, repo.Create(context.Background(), webhook))

	d := newTestDispatcher(repo, DispatcherConfig{RetryMax: 1})
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(context.Background(), New("task.success", "task", "t-1"))
	d.Enqueue(context.Background(), New("task.finished", "task", "t-1"))

	select {
	case got := <-hits:
		assert.Equal(t, "task.finished", got)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event never delivered")
	}
	select {
	case got := <-hits:
		t.Fatalf("unsubscribed event delivered: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemWebhookRepo()
	webhook := &db.Webhook{Name: "flaky", URL: srv.URL, Enabled: true}
	require.NoError(t, repo.Create(context.Background(), webhook))

	d := newTestDispatcher(repo, DispatcherConfig{RetryMax: 3})
	status := d.Deliver(context.Background(), webhook, New("host.created", "host", "1"))

	assert.Equal(t, "success", status)
	rows := repo.deliveryRows()
	require.Len(t, rows, 2)
	assert.Equal(t, "failed", rows[0].Status)
	assert.Equal(t, "success", rows[1].Status)
	assert.Equal(t, []int{1, 2}, []int{rows[0].Attempt, rows[1].Attempt})
}

func TestDeliverExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newMemWebhookRepo()
	webhook := &db.Webhook{Name: "down", URL: srv.URL, Enabled: true}
	require.NoError(t, repo.Create(context.Background(), webhook))

	d := newTestDispatcher(repo, DispatcherConfig{RetryMax: 2})
	status := d.Deliver(context.Background(), webhook, New("host.deleted", "host", "2"))

	assert.Equal(t, "failed", status)
	// Exactly RetryMax rows, no more.
	assert.Len(t, repo.deliveryRows(), 2)
}

func TestDeliverGuardBlocksWithoutSocket(t *testing.T) {
	// Listener that fails the test if anything connects.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
			t.Error("socket opened toward guarded URL")
		}
	}()

	repo := newMemWebhookRepo()
	webhook := &db.Webhook{Name: "evil", URL: "http://" + ln.Addr().String() + "/hook", Enabled: true}
	require.NoError(t, repo.Create(context.Background(), webhook))

	d := NewDispatcher(DispatcherConfig{RetryMax: 3}, repo, nil, zap.NewNop())
	status := d.Deliver(context.Background(), webhook, New("host.created", "host", "3"))

	assert.Equal(t, "failed", status)
	rows := repo.deliveryRows()
	require.Len(t, rows, 1) // guard rejection is terminal, no retries
	assert.Contains(t, rows[0].Error, "rejected")
}

func TestDeliverTruncatesResponseBody(t *testing.T) {
	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(big)
	}))
	defer srv.Close()

	repo := newMemWebhookRepo()
	webhook := &db.Webhook{Name: "chatty", URL: srv.URL, Enabled: true}
	require.NoError(t, repo.Create(context.Background(), webhook))

	d := newTestDispatcher(repo, DispatcherConfig{RetryMax: 1})
	d.Deliver(context.Background(), webhook, New("host.updated", "host", "4"))

	rows := repo.deliveryRows()
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].ResponseBody, responseBodyLimit)
}
