package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crawlfleet"

// Metrics holds all CrawlFleet metric instruments.
type Metrics struct {
	Downloads        metric.Int64Counter
	DownloadBytes    metric.Int64Counter
	DownloadDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Downloads, err = meter.Int64Counter("crawlfleet.downloads",
		metric.WithDescription("Settled dispatch attempts by outcome"))
	if err != nil {
		return nil, err
	}

	m.DownloadBytes, err = meter.Int64Counter("crawlfleet.download.bytes",
		metric.WithDescription("Bytes downloaded"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.DownloadDuration, err = meter.Float64Histogram("crawlfleet.download.duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
