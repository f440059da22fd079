// Package monitoring serves the Prometheus metrics of lnsyncd.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcpayserver/lnsync/build"
	"github.com/btcpayserver/lnsync/lncfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// shutdownTimeout bounds the graceful stop of the http server.
	shutdownTimeout = 5 * time.Second

	// metricsPath is where the scrape endpoint is served.
	metricsPath = "/metrics"
)

// Exporter owns the registry every subsystem registers its collectors with
// and serves it over http.
type Exporter struct {
	cfg      *lncfg.Prometheus
	registry *prometheus.Registry

	server   *http.Server
	listener net.Listener

	started sync.Once
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewExporter creates the registry with the runtime collectors and the
// version of the daemon already registered.
func NewExporter(cfg *lncfg.Prometheus) (*Exporter, error) {
	registry := prometheus.NewRegistry()

	versionGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lnsync",
		Name:      "version",
		Help:      "Version of lnsyncd running.",
	}, []string{"version", "commit"})
	versionGauge.WithLabelValues(build.Version(), build.Commit).Set(1)

	err := registerAll(
		registry,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
		versionGauge,
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	return &Exporter{
		cfg:      cfg,
		registry: registry,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: shutdownTimeout,
		},
	}, nil
}

func registerAll(reg prometheus.Registerer,
	cs ...prometheus.Collector) error {

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// Registerer returns the registry subsystem collectors are added to.
func (e *Exporter) Registerer() prometheus.Registerer {
	return e.registry
}

// Start binds the listen address and serves the scrape endpoint.
func (e *Exporter) Start() error {
	var err error
	e.started.Do(func() {
		e.listener, err = net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			return
		}

		log.Infof("Prometheus exporter started on %v%v",
			e.listener.Addr(), metricsPath)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(e.listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return err
}

// Addr returns the bound address, nil before Start.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the http server down.
func (e *Exporter) Stop() error {
	var err error
	e.stopped.Do(func() {
		if e.listener == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		err = e.server.Shutdown(ctx)
		e.wg.Wait()

		log.Infof("Prometheus exporter stopped")
	})

	return err
}
