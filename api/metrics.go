package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "brilliant-board/api"
	boardSpanName       = "board.request"
	boardEventName      = "board.request.completed"
	boardEventDomain    = "board"
	observabilityEvent  = "observability.event"
)

type boardRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	method string

	start         time.Time
	authDuration  time.Duration
	storeDuration time.Duration
	tasksReturned int
	degraded      bool
	errorStage    string
	cause         error
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*boardRequestMetrics, context.Context) {
	tracer := otel.Tracer(instrumentationName)
	spanCtx, span := tracer.Start(ctx, boardSpanName, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route), attribute.String("http.method", method)))
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		method: method,
		start:  time.Now(),
	}, spanCtx
}

func (m *boardRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *boardRequestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *boardRequestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

func (m *boardRequestMetrics) SetDegraded(d bool) {
	m.degraded = d
}

// Fail records where the request failed and why.
func (m *boardRequestMetrics) Fail(stage string, err error) {
	if stage != "" {
		m.errorStage = stage
	}
	if err != nil {
		m.cause = err
	}
}

// Log writes one observability event to the logger and the span, then ends
// the span.
func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":           m.route,
		"http.method":          m.method,
		"http.status_code":     status,
		"board.total_ms":       durationToMillis(time.Since(m.start)),
		"board.tasks_returned": m.tasksReturned,
		"board.degraded":       m.degraded,
	}
	if m.authDuration > 0 {
		attrs["board.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		attrs["board.store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.errorStage != "" {
		attrs["board.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("board.error_stage", m.errorStage))
		}
		eventAttrs := []attribute.KeyValue{
			attribute.String("event.name", boardEventName),
			attribute.String("event.domain", boardEventDomain),
			attribute.String("severity_text", severityText),
		}
		eventAttrs = append(eventAttrs, toAttributes(attrs)...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if severityNumber >= severityError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
	}

	if m.logger != nil {
		fields := log.Fields{
			"event.name":      boardEventName,
			"event.domain":    boardEventDomain,
			"severity_text":   severityText,
			"severity_number": severityNumber,
			"attributes":      attrs,
		}
		if m.span != nil {
			sc := m.span.SpanContext()
			if sc.HasTraceID() {
				fields["trace_id"] = sc.TraceID().String()
			}
			if sc.HasSpanID() {
				fields["span_id"] = sc.SpanID().String()
			}
		}
		entry := m.logger.WithFields(fields)
		switch {
		case severityNumber >= severityError:
			entry.Error(observabilityEvent)
		case severityNumber >= severityWarn:
			entry.Warn(observabilityEvent)
		default:
			entry.Info(observabilityEvent)
		}
	}

	if m.span != nil {
		m.span.End()
	}
}

const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= 500 || (status == 0 && err != nil):
		return "ERROR", severityError
	case status >= 400:
		return "WARN", severityWarn
	default:
		return "INFO", severityInfo
	}
}

func toAttributes(values map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
