package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "flowdesk"

// registry lazily builds one Prometheus vector per metric name. The label
// keys seen on first use fix the vector's label set; later calls with a
// different key set are dropped and counted under metric_label_mismatch_total.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
	keys     map[string][]string
	mismatch prometheus.Counter
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hists:    map[string]*prometheus.HistogramVec{},
		keys:     map[string][]string{},
		mismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_label_mismatch_total",
			Help:      "Metric updates dropped because their label keys changed",
		}),
	}
	r.prom.MustRegister(r.mismatch)
	return r
}

// labelKeys returns the sorted keys of lbl so vector label order is stable.
func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkKeys records the label keys for name on first use and reports whether
// keys matches them.
func (r *registry) checkKeys(name string, keys []string) bool {
	known, ok := r.keys[name]
	if !ok {
		r.keys[name] = keys
		return true
	}
	if !sameKeys(known, keys) {
		r.mismatch.Inc()
		return false
	}
	return true
}

func (r *registry) counter(name string, keys []string) *prometheus.CounterVec {
	if v, ok := r.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      helpText(name),
	}, keys)
	r.prom.MustRegister(v)
	r.counters[name] = v
	return v
}

func (r *registry) gauge(name string, keys []string) *prometheus.GaugeVec {
	if v, ok := r.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      helpText(name),
	}, keys)
	r.prom.MustRegister(v)
	r.gauges[name] = v
	return v
}

func (r *registry) hist(name string, keys []string) *prometheus.HistogramVec {
	if v, ok := r.hists[name]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      helpText(name),
		Buckets:   []float64{0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5, 10, 50, 100, 500, 1000},
	}, keys)
	r.prom.MustRegister(v)
	r.hists[name] = v
	return v
}

func helpText(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := labelKeys(labels)
	if !reg.checkKeys(name, keys) {
		return
	}
	reg.counter(name, keys).With(prometheus.Labels(labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := labelKeys(labels)
	if !reg.checkKeys(name, keys) {
		return
	}
	reg.gauge(name, keys).With(prometheus.Labels(labels)).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := labelKeys(labels)
	if !reg.checkKeys(name, keys) {
		return
	}
	reg.hist(name, keys).With(prometheus.Labels(labels)).Observe(value)
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// CounterValue returns the current value of a counter series, or 0 when the
// series has never been incremented.
func CounterValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v, ok := reg.counters[name]
	if !ok || !sameKeys(reg.keys[name], labelKeys(labels)) {
		return 0
	}
	var m dto.Metric
	if err := v.With(prometheus.Labels(labels)).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue returns the current value of a gauge series.
func GaugeValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v, ok := reg.gauges[name]
	if !ok || !sameKeys(reg.keys[name], labelKeys(labels)) {
		return 0
	}
	var m dto.Metric
	if err := v.With(prometheus.Labels(labels)).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// ComponentStatus is the health of one subsystem.
type ComponentStatus string

const (
	StatusHealthy  ComponentStatus = "healthy"
	StatusDegraded ComponentStatus = "degraded"
	StatusFailed   ComponentStatus = "failed"
)

// HealthStatus represents overall system health status
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth is the last reported state of a subsystem.
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags

	healthMu   sync.RWMutex
	components = map[string]ComponentHealth{}
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// SetComponentHealth records the health of a subsystem such as "broker" or
// "reconcile".
func SetComponentHealth(name string, status ComponentStatus, reason string) {
	healthMu.Lock()
	components[name] = ComponentHealth{Status: status, Reason: reason, UpdatedAt: time.Now().UTC()}
	healthMu.Unlock()

	value := 0.0
	switch status {
	case StatusDegraded:
		value = 1
	case StatusFailed:
		value = 2
	}
	SetGauge("component_health", value, map[string]string{"component": name})
}

// Health returns a snapshot of overall and per-component health.
func Health() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	overall := StatusHealthy
	snapshot := make(map[string]ComponentHealth, len(components))
	for name, c := range components {
		snapshot[name] = c
		switch {
		case c.Status == StatusFailed:
			overall = StatusFailed
		case c.Status == StatusDegraded && overall != StatusFailed:
			overall = StatusDegraded
		}
	}

	return HealthStatus{
		Status:     string(overall),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(startTime).String(),
		Version:    version,
		Components: snapshot,
	}
}

// HealthHandler serves Health() as JSON; degraded maps to 206 and failed to 503.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := Health()

		statusCode := http.StatusOK
		switch ComponentStatus(health.Status) {
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		case StatusFailed:
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
