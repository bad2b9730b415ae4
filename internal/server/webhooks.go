package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"

	"multijob/internal/app"
	"multijob/internal/config"
	"multijob/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type eventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, pipeline string) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type webhookDispatcher struct {
	events   eventSource
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks posts journaled pipeline events to the configured webhooks
// until ctx is done. Only events recorded after the start are delivered. It
// reports false when there is nothing to dispatch.
func StartWebhooks(ctx context.Context, svc *app.Service) bool {
	d := newWebhookDispatcher(svc)
	if d == nil {
		return false
	}
	go d.run(ctx)
	return true
}

func newWebhookDispatcher(svc *app.Service) *webhookDispatcher {
	if svc.Config == nil || len(svc.Config.Webhooks) == 0 {
		return nil
	}
	src, ok := svc.EventLog()
	if !ok {
		return nil
	}
	return &webhookDispatcher{
		events:   src,
		webhooks: svc.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	logger := log.G(ctx).WithField("webhook", hook.URL)
	cursor := d.cursorFor(ctx, idx)
	events, err := d.events.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		logger.WithError(err).Warn("webhook: fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			// retried from the same event on the next tick
			logger.WithError(err).WithField("event", evt.ID).Warn("webhook: delivery failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.events.LatestEventID(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("webhook: init cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	Pipeline string          `json:"pipeline"`
	RunID    string          `json:"run_id,omitempty"`
	Job      string          `json:"job,omitempty"`
	TS       string          `json:"ts"`
	Payload  json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		Pipeline: evt.Pipeline,
		RunID:    evt.RunID,
		Job:      evt.Job,
		TS:       evt.TS,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Multijob-Event", evt.Type)
	req.Header.Set("X-Multijob-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Multijob-Pipeline", evt.Pipeline)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Multijob-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	set mapset.Set[string]
}

func newEventFilter(events []string) eventFilter {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set.Add(key)
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	return f.set.Cardinality() == 0 || f.set.Contains(evt)
}
