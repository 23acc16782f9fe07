package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskmesh"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task state transitions by target state.",
	}, []string{"from", "to"})

	taskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_failures_total",
		Help:      "Tasks that ended FAILED, by error code and step.",
	}, []string{"code", "step"})

	syntheses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integration_syntheses_total",
		Help:      "Integration synthesis attempts by result.",
	}, []string{"result"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integration_cache_lookups_total",
		Help:      "Integration cache lookups by outcome.",
	}, []string{"outcome"})

	invocations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "integration_invocation_duration_seconds",
		Help:      "Integration invocation latency by result class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"class"})

	registryRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_retries_total",
		Help:      "Registry calls retried after a transient failure.",
	}, []string{"op"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpDuration,
		taskTransitions,
		taskFailures,
		syntheses,
		cacheLookups,
		invocations,
		registryRetries,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTransition counts a committed task state transition.
func ObserveTransition(from, to string) {
	taskTransitions.WithLabelValues(from, to).Inc()
}

// ObserveTaskFailure counts a task that ended FAILED.
func ObserveTaskFailure(code, step string) {
	taskFailures.WithLabelValues(code, step).Inc()
}

// ObserveSynthesis counts a synthesis attempt.
func ObserveSynthesis(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	syntheses.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts a GetOrBuild that hit or missed the cache.
func ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveInvocation records one integration call. class is empty on success.
func ObserveInvocation(class string, duration time.Duration) {
	if class == "" {
		class = "ok"
	}
	invocations.WithLabelValues(class).Observe(duration.Seconds())
}

// ObserveRegistryRetry counts a retried registry read.
func ObserveRegistryRetry(op string) {
	registryRetries.WithLabelValues(op).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
