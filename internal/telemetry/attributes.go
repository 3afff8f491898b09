// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Mixer attributes
	MixerHostKey      = "mixer.host"
	MixerTransportKey = "mixer.transport"
	MixerFunctionKey  = "mixer.function"
	MixerInputKey     = "mixer.input"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// MixerAttributes identifies the device a span talks to.
func MixerAttributes(host, transport string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MixerHostKey, host),
		attribute.String(MixerTransportKey, transport),
	}
}

// FunctionAttributes describes a remote function call. The input is omitted
// when the call does not target one.
func FunctionAttributes(function, input string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	attrs = append(attrs, attribute.String(MixerFunctionKey, function))
	if input != "" {
		attrs = append(attrs, attribute.String(MixerInputKey, input))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
