package s4_alert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/httputil"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// LogSink writes every event to the structured log
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithModule("alert")}
}

func (s *LogSink) Name() string { return "log" }

// Send logs the event; alert-level kinds log at warn.
func (s *LogSink) Send(_ context.Context, e contracts.AlertEvent) error {
	zl := s.logger.Zerolog()
	ev := zl.Info()
	switch e.Kind {
	case contracts.EventAlert, contracts.EventEscalate, contracts.EventQualitySet:
		ev = zl.Warn()
	}
	ev = ev.Str("monitor", e.Monitor).
		Str("indicator", e.Indicator).
		Str("kind", string(e.Kind)).
		Str("date", contracts.FormatDate(e.Date)).
		Str("from", string(e.From)).
		Str("to", string(e.To))
	if e.Label != "" {
		ev = ev.Str("label", e.Label)
	}
	if e.Value != nil {
		ev = ev.Float64("value", *e.Value)
	}
	ev.Msg(e.Message)
	return nil
}

// WebhookSink POSTs each event as JSON
type WebhookSink struct {
	url    string
	client *httputil.Client
}

// NewWebhookSink creates a WebhookSink. Delivery retries 5xx/429 with backoff.
func NewWebhookSink(url string, timeout time.Duration, log *logger.Logger) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: httputil.New(log, timeout).WithRetry(3, time.Second),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send delivers the event. Any non-2xx final response is an error.
func (s *WebhookSink) Send(ctx context.Context, e contracts.AlertEvent) error {
	resp, err := s.client.PostJSON(ctx, s.url, e)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans events out to every sink. A failing sink never blocks the others.
type Dispatcher struct {
	sinks  []contracts.AlertSink
	logger *logger.Logger
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(log *logger.Logger, sinks ...contracts.AlertSink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: log.WithModule("alert_dispatch")}
}

// Add registers another sink.
func (d *Dispatcher) Add(s contracts.AlertSink) {
	d.sinks = append(d.sinks, s)
}

// Dispatch sends e to every sink and returns the number of failed deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, e contracts.AlertEvent) int {
	failed := 0
	for _, s := range d.sinks {
		if err := s.Send(ctx, e); err != nil {
			failed++
			d.logger.WithFields(map[string]interface{}{
				"sink":    s.Name(),
				"monitor": e.Monitor,
				"kind":    string(e.Kind),
			}).WithError(err).Error("Alert delivery failed")
		}
	}
	return failed
}
