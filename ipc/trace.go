package ipc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Inject stores the trace context of ctx in m.
func Inject(ctx context.Context, m *Message) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		m.Trace = carrier
	}
}

// Extract returns ctx carrying the trace context stored in m.
func Extract(ctx context.Context, m Message) context.Context {
	if len(m.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Trace))
}
