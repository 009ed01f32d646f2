package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const webhookQueueSize = 256

// alertWebhook posts alert events to an external HTTP endpoint. Events are
// queued without blocking and sent by one background goroutine; when the
// queue is full they are dropped.
type alertWebhook struct {
	url        string
	authHeader string // "Header: Value"
	client     *http.Client
	retryDelay time.Duration
	events     chan AlertEvent
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func newAlertWebhook(url, authHeader string) *alertWebhook {
	w := &alertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		events:     make(chan AlertEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// alert is an AlertFunc. It never blocks.
func (w *alertWebhook) alert(evt AlertEvent) {
	select {
	case w.events <- evt:
	default:
		slog.Warn("alert webhook: queue full, dropping event", "type", evt.Type)
	}
}

// close drains the queue and stops the dispatcher.
func (w *alertWebhook) close() {
	w.closeOnce.Do(func() { close(w.events) })
	w.wg.Wait()
}

func (w *alertWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event with one retry on 5xx or transport errors.
func (w *alertWebhook) send(evt AlertEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("alert webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("alert webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "secsync-alert-webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("alert webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			slog.Warn("alert webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			slog.Warn("alert webhook: client error", "status", resp.StatusCode)
			return
		}
	}
}
