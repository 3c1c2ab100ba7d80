// Package metrics is the gateway's east-side interface: a counter registry
// keyed by metric id, scraped over HTTP. Counters are safe for concurrent
// use, so per-connection increments aggregate without coordination.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Standard metric ids.
const (
	ConnectTotal       = "authmilter_connect_total"
	CallbackErrorTotal = "authmilter_callback_error_total"
	TimeMicroseconds   = "authmilter_time_microseconds_total"
)

type Registry struct {
	mu sync.Mutex

	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		prom:     prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
	}

	// the pipeline's own metrics are always present
	r.MustRegister(ConnectTotal, "Connections accepted.", nil)
	r.MustRegister(CallbackErrorTotal, "Callback failures by stage, handler and kind.", []string{"stage", "handler", "type"})
	r.MustRegister(TimeMicroseconds, "Time spent inside handler callbacks.", []string{"callback", "handler"})

	return r
}

// Register adds a counter with help text. Handlers call this from their
// RegisterMetrics hook; a duplicate id is an error.
func (r *Registry) Register(id, help string, labelNames []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.counters[id]; ok {
		return errors.Errorf("metric %q already registered", id)
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: id,
		Help: help,
	}, labelNames)

	if err := r.prom.Register(vec); err != nil {
		return errors.WithMessage(err, "prometheus.Register")
	}

	r.counters[id] = vec
	return nil
}

func (r *Registry) MustRegister(id, help string, labelNames []string) {
	if err := r.Register(id, help, labelNames); err != nil {
		panic(err)
	}
}

// Count increments a registered counter by n. Unknown ids are dropped
// silently so a misconfigured handler cannot take the pipeline down.
func (r *Registry) Count(id string, labels prometheus.Labels, n float64) {
	r.mu.Lock()
	vec, ok := r.counters[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		return
	}
	c.Add(n)
}

// CounterValue reads a counter back, for tests.
func (r *Registry) CounterValue(id string, labels prometheus.Labels) float64 {
	r.mu.Lock()
	vec, ok := r.counters[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	pb := &dto.Metric{}
	if err := c.Write(pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Handler returns the scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz until the listener fails.
func (r *Registry) Serve(addr string) error {
	router := httprouter.New()
	router.Handler("GET", "/metrics", r.Handler())
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return errors.WithMessage(srv.ListenAndServe(), "ListenAndServe")
}
