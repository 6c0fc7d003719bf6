package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tabletop/internal/config"
	"tabletop/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookBuffer         = 256
)

// WebhookDispatcher fans broadcast events out to configured HTTP
// endpoints. Publish never blocks callers; when the buffer is full the
// event is dropped with a log line.
type WebhookDispatcher struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	events   chan domain.BroadcastEvent
	done     chan struct{}
}

// StartWebhookDispatcher runs a dispatcher for the configured hooks.
// Returns nil when no hooks are configured.
func StartWebhookDispatcher(webhooks []config.WebhookConfig) *WebhookDispatcher {
	var active []config.WebhookConfig
	for _, hook := range webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return nil
	}
	d := &WebhookDispatcher{
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		events:   make(chan domain.BroadcastEvent, webhookBuffer),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues one event. Safe to use as the engine broadcast
// callback; nil dispatchers ignore events.
func (d *WebhookDispatcher) Publish(evt domain.BroadcastEvent) {
	if d == nil {
		return
	}
	select {
	case d.events <- evt:
	default:
		log.Printf("webhook: buffer full, dropping event %s for session %s", evt.EventName, evt.SessionID)
	}
}

// Close stops the dispatcher after draining queued events.
func (d *WebhookDispatcher) Close() {
	if d == nil {
		return
	}
	close(d.events)
	<-d.done
}

func (d *WebhookDispatcher) run() {
	defer close(d.done)
	for evt := range d.events {
		for _, hook := range d.webhooks {
			if !newEventFilter(hook.Events).match(evt.EventName) {
				continue
			}
			if err := d.postEvent(context.Background(), hook, evt); err != nil {
				log.Printf("webhook: deliver %s to %s failed: %v", evt.EventName, hook.URL, err)
			}
		}
	}
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.BroadcastEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tabletop-Event", evt.EventName)
	req.Header.Set("X-Tabletop-Session", evt.SessionID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tabletop-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
