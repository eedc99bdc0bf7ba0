package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tile metrics
	TileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapcompose",
		Subsystem: "tiles",
		Name:      "requests_total",
		Help:      "Tile HTTP attempts by outcome",
	}, []string{"outcome"})

	TileFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapcompose",
		Subsystem: "tiles",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of a single tile HTTP attempt",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	TileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapcompose",
		Subsystem: "tiles",
		Name:      "failures_total",
		Help:      "Tiles that could not be fetched after all retries",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapcompose",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Tile cache lookups by layer and result",
	}, []string{"layer", "result"})

	// Mosaic metrics
	Mosaics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapcompose",
		Subsystem: "mosaic",
		Name:      "assemblies_total",
		Help:      "Mosaic assemblies by result",
	}, []string{"result"})

	MosaicDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapcompose",
		Subsystem: "mosaic",
		Name:      "duration_seconds",
		Help:      "Wall-clock time to assemble one mosaic",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})

	// Geofence metrics
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapcompose",
		Subsystem: "geofence",
		Name:      "classifications_total",
		Help:      "Geofence classifications by reference and result",
	}, []string{"reference", "inside"})
)

// Cache lookup labels
const (
	LayerMemory = "memory"
	LayerDisk   = "disk"
	Hit         = "hit"
	Miss        = "miss"
)

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
