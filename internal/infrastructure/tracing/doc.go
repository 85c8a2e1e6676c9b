/*
Package tracing provides lightweight request tracing.

Spans are created per HTTP request, tagged with the session they touch, and
written to the zap logger by a background collector. Trace context arrives
and leaves in two headers:

	X-Trace-ID: req_01H...
	X-Span-ID:  req_01H...

A UI that forwards X-Trace-ID on every call gets one trace across session
creation, command submission and cancellation.

# Usage

	tracer := tracing.New("shelld", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
