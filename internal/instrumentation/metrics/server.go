package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	httpGracefulShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout       = 2 * time.Second
	httpReadTimeout             = 5 * time.Second
	httpWriteTimeout            = 10 * time.Second
	httpIdleTimeout             = 60 * time.Second
)

// NamedCollector is a prometheus collector that also exposes a stable name.
type NamedCollector interface {
	prometheus.Collector
	MetricsName() string
}

type MetricsServer struct {
	log        logrus.FieldLogger
	address    string
	collectors []NamedCollector
}

func NewMetricsServer(log logrus.FieldLogger, address string, collectors ...NamedCollector) *MetricsServer {
	registered := make([]NamedCollector, 0, len(collectors))
	for _, c := range collectors {
		if c != nil {
			registered = append(registered, c)
		}
	}
	return &MetricsServer{
		log:        log,
		address:    address,
		collectors: registered,
	}
}

// Run serves /metrics until ctx is canceled.
func (m *MetricsServer) Run(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	for _, c := range m.collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              m.address,
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), httpGracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctxTimeout); err != nil {
			m.log.WithError(err).Warn("metrics server shutdown error")
		}
	}()

	m.log.Infof("metrics server listening on %s", m.address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
