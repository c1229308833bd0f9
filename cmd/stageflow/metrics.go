package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// metricsServer exposes a Prometheus registry over HTTP.
type metricsServer struct {
	addr     string
	registry *prometheus.Registry
	logger   *zap.Logger

	listener net.Listener
	server   *http.Server
}

func newMetricsServer(addr string, registry *prometheus.Registry, logger *zap.Logger) *metricsServer {
	return &metricsServer{addr: addr, registry: registry, logger: logger}
}

func (s *metricsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *metricsServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down.
func (s *metricsServer) Stop(ctx context.Context) {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
}
