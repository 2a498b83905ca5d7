package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all task board metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	MutationsTotal  metric.Int64Counter
	ConflictsTotal  metric.Int64Counter
	EventsPublished metric.Int64Counter
	WSConnections   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskboard.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsTotal, err = meter.Int64Counter("taskboard.mutations",
		metric.WithDescription("Accepted task mutations by operation"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsTotal, err = meter.Int64Counter("taskboard.conflicts",
		metric.WithDescription("Updates rejected by version conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("taskboard.events.published",
		metric.WithDescription("Events published to the broadcast bus"),
	)
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("taskboard.ws.connections",
		metric.WithDescription("Currently connected event stream observers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
