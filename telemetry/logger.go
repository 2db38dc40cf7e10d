package telemetry

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	// Skip if no context
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// SetOutput changes where loggers created afterwards write.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(currentOutput()).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	logger := l.WithContext(ctx)

	event := logger.Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
	} else {
		logger.Debug().
			Str("span_name", spanName).
			Msg("span completed")
	}
}

// Helper to convert OTEL attributes to zerolog fields
func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for the decision pipeline

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}

func (l *Logger) LogEvaluationError(ctx context.Context, policyID, eventID string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("policy_id", policyID).
		Str("event_id", eventID).
		Msg("condition evaluation failed, treating as no match")
}

func (l *Logger) LogViolation(ctx context.Context, violationID, policyID, resourceID, mode string, created bool) {
	event := l.WithContext(ctx).Info()
	msg := "violation recorded"
	if !created {
		event = l.WithContext(ctx).Debug()
		msg = "violation already recorded"
	}
	event.
		Str("violation_id", violationID).
		Str("policy_id", policyID).
		Str("resource_id", resourceID).
		Str("mode", mode).
		Msg(msg)
}

func (l *Logger) LogActionFailure(ctx context.Context, violationID, actionType string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("violation_id", violationID).
		Str("action_type", actionType).
		Msg("enforcement action failed")
}

func (l *Logger) LogBatchOperation(ctx context.Context, operation string, batchSize int) {
	l.WithContext(ctx).Info().
		Str("operation", operation).
		Int("batch_size", batchSize).
		Msg("processing batch")
}
