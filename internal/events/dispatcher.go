package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

const (
	signatureHeader = "X-sm-signature"
	timestampHeader = "X-sm-timestamp"

	// responseBodyLimit caps what a delivery row stores of the remote reply.
	responseBodyLimit = 10 * 1024
)

// DispatcherConfig tunes the webhook dispatcher.
type DispatcherConfig struct {
	NumWorkers    int           // default 2
	QueueCapacity int           // default 256
	RetryMax      int           // total attempts per (webhook, event), default 3
	Timeout       time.Duration // per-request, default 10s
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type job struct {
	webhook db.Webhook
	event   Event
}

// Dispatcher fans events out to subscribed webhooks with signing, retries
// and per-attempt delivery rows.
type Dispatcher struct {
	cfg      DispatcherConfig
	webhooks repositories.WebhookRepository
	client   *http.Client
	resolve  Resolver
	guard    func(ctx context.Context, rawURL string, resolve Resolver) error
	queue    chan job
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher. A nil resolver uses real DNS.
func NewDispatcher(cfg DispatcherConfig, webhooks repositories.WebhookRepository, resolve Resolver, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		webhooks: webhooks,
		client:   &http.Client{Timeout: cfg.Timeout},
		resolve:  resolve,
		guard:    GuardURL,
		queue:    make(chan job, cfg.QueueCapacity),
		logger:   logger,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.NumWorkers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels in-flight deliveries and waits for the workers.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.Deliver(ctx, &j.webhook, j.event)
		}
	}
}

// Enqueue queues the event for every enabled webhook subscribed to its type.
// Best-effort: a full queue drops the delivery with a warning rather than
// blocking the originating request.
func (d *Dispatcher) Enqueue(ctx context.Context, event Event) {
	webhooks, err := d.webhooks.ListEnabledForEvent(ctx, event.Type)
	if err != nil {
		d.logger.Error("failed to load webhooks for event",
			zap.String("event_type", event.Type), zap.Error(err))
		return
	}
	for _, w := range webhooks {
		select {
		case d.queue <- job{webhook: w, event: event}:
		default:
			d.logger.Warn("webhook dispatch queue full, dropping delivery",
				zap.String("webhook_id", w.ID.String()),
				zap.String("event_id", event.EventID.String()))
		}
	}
}

// Sign computes the signature header value over the exact request body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver runs the full attempt loop for one (webhook, event) pair. Every
// attempt writes a delivery row; attempts for the pair are strictly ordered
// because they all happen on this goroutine. Returns the final delivery
// status.
func (d *Dispatcher) Deliver(ctx context.Context, webhook *db.Webhook, event Event) string {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to marshal event", zap.Error(err))
		return db.DeliveryStatusFailed
	}

	retryMax := webhook.RetryMax
	if retryMax <= 0 {
		retryMax = d.cfg.RetryMax
	}

	status := db.DeliveryStatusFailed
	for attempt := 1; attempt <= retryMax; attempt++ {
		// The guard runs per delivery: a DNS record repointed after create
		// must not open a socket toward an internal address.
		if err := d.guard(ctx, webhook.URL, d.resolve); err != nil {
			d.recordAttempt(ctx, webhook, event, attempt, nil, "", err)
			d.logger.Warn("webhook url rejected",
				zap.String("webhook_id", webhook.ID.String()), zap.Error(err))
			return db.DeliveryStatusFailed
		}

		code, respBody, err := d.post(ctx, webhook, body)
		d.recordAttempt(ctx, webhook, event, attempt, code, respBody, err)

		if err == nil && code != nil && *code >= 200 && *code < 300 {
			status = db.DeliveryStatusSuccess
			if err := d.webhooks.UpdateLastTriggered(ctx, webhook.ID, time.Now().UTC()); err != nil {
				d.logger.Error("failed to update last_triggered_at", zap.Error(err))
			}
			break
		}

		if attempt < retryMax {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return status
			case <-time.After(backoff):
			}
		}
	}
	return status
}

func (d *Dispatcher) post(ctx context.Context, webhook *db.Webhook, body []byte) (*int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(timestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
	if webhook.Secret != "" {
		req.Header.Set(signatureHeader, Sign([]byte(webhook.Secret), body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	return &resp.StatusCode, string(respBody), nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, webhook *db.Webhook, event Event, attempt int, code *int, respBody string, attemptErr error) {
	status := db.DeliveryStatusFailed
	if attemptErr == nil && code != nil && *code >= 200 && *code < 300 {
		status = db.DeliveryStatusSuccess
	}
	errText := ""
	if attemptErr != nil {
		errText = attemptErr.Error()
	}

	row := &db.WebhookDelivery{
		WebhookID:    webhook.ID,
		EventID:      event.EventID.String(),
		EventType:    event.Type,
		Status:       status,
		StatusCode:   code,
		ResponseBody: respBody,
		Error:        errText,
		Attempt:      attempt,
		DeliveredAt:  time.Now().UTC(),
	}
	if err := d.webhooks.CreateDelivery(ctx, row); err != nil {
		d.logger.Error("failed to record webhook delivery",
			zap.String("webhook_id", webhook.ID.String()), zap.Error(err))
	}
}
