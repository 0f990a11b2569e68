package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surge-downloader/swarm/internal/metrics"
	"github.com/surge-downloader/swarm/internal/utils"
)

// metricsServer serves /metrics and /health on a listener
type metricsServer struct {
	ln  net.Listener
	srv *http.Server
}

// startMetricsServer registers m on a fresh registry and serves it
func startMetricsServer(addr string, m *metrics.Metrics) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not bind metrics address %s: %w", addr, err)
	}

	reg := prometheus.NewRegistry()
	m.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	s := &metricsServer{ln: ln, srv: &http.Server{Handler: mux}}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Debug("Metrics server error: %v", err)
		}
	}()
	return s, nil
}

// Addr returns the address actually listened on
func (s *metricsServer) Addr() string { return s.ln.Addr().String() }

func (s *metricsServer) Close() error { return s.srv.Close() }
