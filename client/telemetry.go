package client

import (
	"fmt"
	"strings"
)

// Logger provides printf-style debug logging hooks for the client.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies it.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
}

// Attribute keys shared by logs, spans and metrics.
const (
	labelEndpointType = "endpoint_type"
	labelProvider     = "provider"
	labelFabric       = "fabric"
	labelKind         = "kind"
	labelOperation    = "operation"
	labelStatus       = "status"
)

const dispatcherSpanName = "tagfabric-client-dispatcher"

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) baseFields() []logField {
	return []logField{
		logKV(labelEndpointType, c.info.Endpoint.String()),
		logKV(labelProvider, c.cfg.Provider),
		logKV(labelFabric, c.cfg.Fabric),
	}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	base := c.baseFields()
	attrs := make(map[string]string, len(base)+len(fields))
	for _, field := range append(base, fields...) {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("tagfabric client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", field.key, field.value)
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := append([]TraceAttribute{{Key: "component", Value: "tagfabric-client"}}, attributesFromFields(c.baseFields()...)...)
	return c.tracer.StartSpan(dispatcherSpanName, attrs...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
