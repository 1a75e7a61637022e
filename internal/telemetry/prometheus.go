package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helmwatch"

// InitializePrometheus makes the Prometheus-backed service the active one.
// Calling it again is a no-op; meters are never reset.
func InitializePrometheus() {
	if _, ok := service.(*prometheusService); !ok {
		service = newPrometheusService()
	}
}

type prometheusService struct {
	registry *prometheus.Registry

	mu          sync.Mutex
	counters    map[string]Counter
	counterVecs map[string]CounterVec
	gauges      map[string]Gauge
}

func newPrometheusService() *prometheusService {
	return &prometheusService{
		registry:    prometheus.NewRegistry(),
		counters:    make(map[string]Counter),
		counterVecs: make(map[string]CounterVec),
		gauges:      make(map[string]Gauge),
	}
}

func (s *prometheusService) GetOrCreateCounter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.counters[name]; ok {
		return m
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})
	s.registry.MustRegister(c)
	m := &promCounter{c: c}
	s.counters[name] = m
	return m
}

func (s *prometheusService) GetOrCreateCounterVec(name string, labels []string) CounterVec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.counterVecs[name]; ok {
		return m
	}

	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name}, labels)
	s.registry.MustRegister(c)
	m := &promCounterVec{c: c}
	s.counterVecs[name] = m
	return m
}

func (s *prometheusService) GetOrCreateGauge(name string) Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.gauges[name]; ok {
		return m
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name})
	s.registry.MustRegister(g)
	m := &promGauge{g: g}
	s.gauges[name] = m
	return m
}

func (s *prometheusService) GetOrCreateHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

type promCounter struct{ c prometheus.Counter }

func (m *promCounter) Add(v int64) { m.c.Add(float64(v)) }

type promCounterVec struct{ c *prometheus.CounterVec }

func (m *promCounterVec) AddWithLabels(v int64, labels map[string]string) {
	m.c.With(labels).Add(float64(v))
}

type promGauge struct{ g prometheus.Gauge }

func (m *promGauge) Set(v int64) { m.g.Set(float64(v)) }
