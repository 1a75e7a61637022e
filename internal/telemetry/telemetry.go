// Package telemetry provides process metrics behind a small meter facade.
// It defaults to a no-op implementation; InitializePrometheus swaps in the
// Prometheus-backed one. Components call the package-level constructors and
// never care which implementation is active.
package telemetry

import "net/http"

// service is the active meter implementation. Defaults to no-op so tests
// and metric-less deployments pay nothing.
var service Service = noopService{}

// Service is the interface meter implementations provide.
type Service interface {
	GetOrCreateCounter(name string) Counter
	GetOrCreateCounterVec(name string, labels []string) CounterVec
	GetOrCreateGauge(name string) Gauge
	GetOrCreateHandler() http.Handler
}

// Counter is a monotonically increasing value.
type Counter interface {
	Add(int64)
}

// CounterVec is a Counter partitioned by label values.
type CounterVec interface {
	AddWithLabels(int64, map[string]string)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(int64)
}

// CounterMeter returns the named counter from the active service.
func CounterMeter(name string) Counter {
	return service.GetOrCreateCounter(name)
}

// CounterVecMeter returns the named labelled counter from the active service.
func CounterVecMeter(name string, labels []string) CounterVec {
	return service.GetOrCreateCounterVec(name, labels)
}

// GaugeMeter returns the named gauge from the active service.
func GaugeMeter(name string) Gauge {
	return service.GetOrCreateGauge(name)
}

// HTTPHandler returns the scrape handler of the active service.
func HTTPHandler() http.Handler {
	return service.GetOrCreateHandler()
}

type noopService struct{}

type noopMeter struct{}

func (noopMeter) Add(int64)                            {}
func (noopMeter) AddWithLabels(int64, map[string]string) {}
func (noopMeter) Set(int64)                            {}

func (noopService) GetOrCreateCounter(string) Counter                 { return noopMeter{} }
func (noopService) GetOrCreateCounterVec(string, []string) CounterVec { return noopMeter{} }
func (noopService) GetOrCreateGauge(string) Gauge                     { return noopMeter{} }
func (noopService) GetOrCreateHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}
