package telemetry

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

var (
	meterOnce sync.Once
	meterProv *sdkmetric.MeterProvider
	meterErr  error
)

// initMeterProvider bridges OpenTelemetry instruments into the default
// Prometheus registry so they share the /metrics endpoint. The exporter can
// only register once per process.
func initMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	meterOnce.Do(func() {
		exporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			meterErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}
		meterProv = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(meterProv)
	})
	return meterProv, meterErr
}
