// Package webhook delivers signed event notifications to registered HTTP
// endpoints. Delivery is asynchronous relative to the emitter, ordered per
// webhook, and retried with exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"comfy-mcp/server/internal/logging"
	"comfy-mcp/server/internal/repository"
)

// Config holds the dispatcher's delivery knobs.
type Config struct {
	MaxRetries        int           // retry attempts after the first try
	InitialRetryDelay time.Duration // first backoff interval
	MaxRetryDelay     time.Duration // backoff interval cap
	Timeout           time.Duration // per-attempt request timeout
	MaxLogEntries     int           // delivery log retention
}

// DefaultConfig matches the delivery policy used in production.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     30 * time.Second,
		Timeout:           10 * time.Second,
		MaxLogEntries:     1000,
	}
}

type deliveryJob struct {
	reg     repository.Registration
	event   Event
	payload map[string]interface{}
}

// Dispatcher holds webhook registrations and delivers events to them.
//
// Each webhook id gets its own delivery queue drained by one goroutine, so
// events for the same webhook are delivered and logged in emission order
// while different webhooks proceed in parallel.
type Dispatcher struct {
	store  repository.WebhookStore
	logger *logging.Logger
	http   *http.Client
	cfg    Config
	log    *deliveryLog

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]chan deliveryJob
	removed map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher backed by the given registration store.
func NewDispatcher(store repository.WebhookStore, cfg Config, logger *logging.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		logger: logger,
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    newDeliveryLog(cfg.MaxLogEntries),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]chan deliveryJob),
		removed: make(map[string]bool),
	}
}

// Register stores a new webhook. An empty event list subscribes to every
// event. The registration starts active.
func (d *Dispatcher) Register(ctx context.Context, rawURL string, events []string, secret string) (*repository.Registration, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, &InvalidWebhookURLError{URL: rawURL}
	}
	if err := validateEvents(events); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		for _, e := range supportedEvents {
			events = append(events, string(e))
		}
	}

	reg := &repository.Registration{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Events:    events,
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := d.store.Save(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to save webhook: %w", err)
	}

	d.logger.Info("registered webhook %s for events %v", reg.ID, reg.Events)
	return reg, nil
}

// Unregister removes a webhook, reporting whether it existed. Its delivery
// history stays queryable until it rotates out of the log. Queued deliveries
// still drain; the webhook's queue and worker are released afterwards.
func (d *Dispatcher) Unregister(ctx context.Context, id string) (bool, error) {
	existed, err := d.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		d.dropQueue(id)
		d.logger.Info("unregistered webhook %s", id)
	}
	return existed, nil
}

// dropQueue releases a webhook's delivery queue. Closing the channel lets
// the worker drain what was already queued and exit. Webhook ids are uuids
// and never reused, so the tombstone keeps a racing Dispatch from recreating
// the queue.
func (d *Dispatcher) dropQueue(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed[id] = true
	if ch, ok := d.queues[id]; ok {
		close(ch)
		delete(d.queues, id)
	}
}

// List returns all registrations.
func (d *Dispatcher) List(ctx context.Context) ([]*repository.Registration, error) {
	return d.store.List(ctx)
}

// GetRegistration returns a registration by id.
func (d *Dispatcher) GetRegistration(ctx context.Context, id string) (*repository.Registration, error) {
	return d.store.Get(ctx, id)
}

// SetActive enables or disables delivery for a webhook. Disabled webhooks
// are retained and skipped, never deleted.
func (d *Dispatcher) SetActive(ctx context.Context, id string, active bool) error {
	reg, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	reg.Active = active
	if err := d.store.Update(ctx, reg); err != nil {
		return err
	}
	d.logger.Info("webhook %s active=%t", id, active)
	return nil
}

// UpdateEvents replaces a webhook's subscribed event set.
func (d *Dispatcher) UpdateEvents(ctx context.Context, id string, events []string) error {
	if err := validateEvents(events); err != nil {
		return err
	}
	reg, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	reg.Events = events
	return d.store.Update(ctx, reg)
}

func validateEvents(events []string) error {
	for _, e := range events {
		if !IsSupported(e) {
			return &UnsupportedEventError{Event: e}
		}
	}
	return nil
}

// Dispatch queues the event for every active, subscribed webhook and
// returns immediately with the ids that will receive it. Delivery outcome
// never propagates back to the emitter.
func (d *Dispatcher) Dispatch(event Event, payload map[string]interface{}) ([]string, error) {
	if !IsSupported(string(event)) {
		return nil, &UnsupportedEventError{Event: string(event)}
	}

	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	regs, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	var ids []string
	for _, reg := range regs {
		if !reg.Active || !subscribed(reg, event) {
			continue
		}
		if d.enqueue(deliveryJob{reg: *reg, event: event, payload: payload}) {
			ids = append(ids, reg.ID)
		}
	}
	if len(ids) > 0 {
		d.logger.Info("dispatching event %q to %d webhook(s)", event, len(ids))
	}
	return ids, nil
}

func subscribed(reg *repository.Registration, event Event) bool {
	for _, e := range reg.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueue(job deliveryJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("dispatcher shutting down, dropping %q for webhook %s", job.event, job.reg.ID)
		return false
	}
	if d.removed[job.reg.ID] {
		d.logger.Warn("webhook %s unregistered, dropping %q", job.reg.ID, job.event)
		return false
	}
	ch, ok := d.queues[job.reg.ID]
	if !ok {
		ch = make(chan deliveryJob, 256)
		d.queues[job.reg.ID] = ch
		d.wg.Add(1)
		go d.worker(ch)
	}
	select {
	case ch <- job:
		return true
	default:
		d.logger.Error("delivery queue full for webhook %s, dropping %q", job.reg.ID, job.event)
		d.log.append(DeliveryLogEntry{
			DeliveryID: uuid.New().String(),
			WebhookID:  job.reg.ID,
			Event:      job.event,
			Timestamp:  time.Now(),
			Error:      "delivery queue full",
		})
		return false
	}
}

func (d *Dispatcher) worker(ch chan deliveryJob) {
	defer d.wg.Done()
	for job := range ch {
		d.deliverWithRetry(job)
	}
}

func (d *Dispatcher) deliverWithRetry(job deliveryJob) {
	deliveryID := uuid.New().String()
	attempt := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialRetryDelay
	b.MaxInterval = d.cfg.MaxRetryDelay
	b.MaxElapsedTime = 0

	operation := func() error {
		start := time.Now()
		status, err := d.send(job, deliveryID)
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0

		entry := DeliveryLogEntry{
			DeliveryID:     deliveryID,
			WebhookID:      job.reg.ID,
			Event:          job.event,
			Timestamp:      time.Now(),
			StatusCode:     status,
			RetryCount:     attempt,
			ResponseTimeMS: elapsed,
		}
		attempt++

		if err == nil {
			entry.Success = true
			d.log.append(entry)
			return nil
		}
		entry.Error = err.Error()
		d.log.append(entry)
		return err
	}

	policy := backoff.WithMaxRetries(backoff.WithContext(b, d.ctx), uint64(d.cfg.MaxRetries))
	if err := backoff.Retry(operation, policy); err != nil {
		d.logger.Error("webhook %s: delivery %s of %q gave up after %d attempt(s): %v",
			job.reg.ID, deliveryID, job.event, attempt, err)
	}
}

// send performs one delivery attempt. Returns the HTTP status (0 when the
// request never got a response) and an error for any non-2xx outcome.
func (d *Dispatcher) send(job deliveryJob, deliveryID string) (int, error) {
	envelope := map[string]interface{}{
		"event":      job.event,
		"timestamp":  time.Now().Format(time.RFC3339),
		"webhook_id": job.reg.ID,
		"data":       job.payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.reg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(job.event))
	req.Header.Set("X-Webhook-Id", job.reg.ID)
	req.Header.Set("X-Delivery-Id", deliveryID)

	if job.reg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(job.reg.Secret))
		mac.Write(body)
		req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// GetDeliveryLog returns delivery attempts newest-first, optionally
// filtered. The limit is clamped to protect callers.
func (d *Dispatcher) GetDeliveryLog(webhookID, event string, limit int) []DeliveryLogEntry {
	return d.log.read(webhookID, event, limit)
}

// Shutdown stops accepting new deliveries, lets in-flight ones drain for
// the grace period, then abandons the rest. Abandoned attempts are logged
// as failures by their workers, never dropped silently.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.queues {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("webhook shutdown grace elapsed, abandoning in-flight deliveries")
		d.cancel()
		<-done
	}
	d.cancel()
}
