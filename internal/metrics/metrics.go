// Package metrics exposes simulation progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cellpop/internal/model"
)

// Recorder owns its registry so several runs (and tests) can coexist in one
// process.
type Recorder struct {
	registry *prometheus.Registry

	cells              *prometheus.CounterVec
	cellDuration       prometheus.Histogram
	generations        prometheus.Counter
	generationDuration prometheus.Histogram
	population         prometheus.Gauge
	generation         prometheus.Gauge
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cells: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cellpop_cells_simulated_total",
			Help: "Cells simulated, by outcome",
		}, []string{"outcome"}),
		cellDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellpop_cell_simulation_seconds",
			Help:    "Wall time of one cell simulation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		generations: factory.NewCounter(prometheus.CounterOpts{
			Name: "cellpop_generations_completed_total",
			Help: "Generations that passed the barrier",
		}),
		generationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellpop_generation_seconds",
			Help:    "Wall time of one generation including the barrier",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		population: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cellpop_generation_cells",
			Help: "Cells in the most recent generation",
		}),
		generation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cellpop_generation_current",
			Help: "Most recent completed generation",
		}),
	}
}

func (r *Recorder) CellFinished(outcome model.Outcome, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.cells.WithLabelValues(string(outcome)).Inc()
	r.cellDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) GenerationFinished(summary model.GenerationSummary) {
	if r == nil {
		return
	}
	r.generations.Inc()
	r.generationDuration.Observe(summary.DurationSecs)
	r.population.Set(float64(summary.Cells))
	r.generation.Set(float64(summary.Generation))
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
