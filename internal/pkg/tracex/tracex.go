/*
Package tracex provides thin helpers over the OpenTracing API.

The tracer itself is an injected capability; this package only covers the
narrow contract the conference protocol consumes: starting a span as a child
of an optional parent, carrying span contexts through envelope trace maps and
HTTP handshake headers, and tagging spans on failure.
*/
package tracex

import (
	"net/http"
	"net/url"

	"github.com/opentracing/opentracing-go"
	otlog "github.com/opentracing/opentracing-go/log"
)

// StartChild starts a span named name. If parent is nil the span is a new
// root, otherwise it is a child of parent.
func StartChild(tracer opentracing.Tracer, name string, parent opentracing.SpanContext, opts ...opentracing.StartSpanOption) opentracing.Span {
	if parent != nil {
		opts = append(opts, opentracing.ChildOf(parent))
	}
	return tracer.StartSpan(name, opts...)
}

// Inject serializes the span's context into a fresh text map suitable for an
// envelope trace field. Injection failures yield an empty map; the receiver
// treats that as "no parent".
func Inject(tracer opentracing.Tracer, span opentracing.Span) map[string]string {
	carrier := map[string]string{}
	if span == nil {
		return carrier
	}
	if err := tracer.Inject(span.Context(), opentracing.TextMap, opentracing.TextMapCarrier(carrier)); err != nil {
		return map[string]string{}
	}
	return carrier
}

// Extract deserializes a span context from an envelope trace map.
// A missing or unusable token returns nil, meaning "start a root span".
func Extract(tracer opentracing.Tracer, trace map[string]string) opentracing.SpanContext {
	if len(trace) == 0 {
		return nil
	}
	parent, err := tracer.Extract(opentracing.TextMap, opentracing.TextMapCarrier(trace))
	if err != nil {
		return nil
	}
	return parent
}

// InjectHTTP serializes the span's context into HTTP headers for the
// websocket handshake.
func InjectHTTP(tracer opentracing.Tracer, span opentracing.Span, header http.Header) {
	if span == nil {
		return
	}
	// Best effort: a handshake without a token starts a fresh trace.
	_ = tracer.Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(header))
}

// ExtractHTTP recovers a span context from handshake headers, falling back to
// query parameters for transports that cannot set headers.
func ExtractHTTP(tracer opentracing.Tracer, header http.Header, query url.Values) opentracing.SpanContext {
	if parent, err := tracer.Extract(opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(header)); err == nil {
		return parent
	}
	if len(query) == 0 {
		return nil
	}
	carrier := map[string]string{}
	for key, values := range query {
		if len(values) > 0 {
			carrier[key] = values[0]
		}
	}
	return Extract(tracer, carrier)
}

// MarkError tags the span as failed and records the error.
func MarkError(span opentracing.Span, err error) {
	if span == nil {
		return
	}
	span.SetTag("error", true)
	span.LogFields(otlog.String("event", "error"), otlog.Error(err))
}
