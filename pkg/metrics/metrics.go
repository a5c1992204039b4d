/*
 * Copyright (c) 2021. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package metrics exposes trace-extract's own Prometheus metrics plus a
// small JSON status endpoint, both served off one gorilla/mux router.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
)

const endpointPromMetrics = "/metrics"
const endpointStatus = "/api/v1/status"

var (
	// Registry is trace-extract's own Prometheus registry; it is kept
	// separate from the default global registry so embedding this
	// package never pulls in process/Go-runtime collectors unasked.
	Registry = prometheus.NewRegistry()

	CPUsDumped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_extract_cpus_dumped_total",
		Help: "Per-CPU ring buffers successfully dumped, across all runs.",
	})
	CPUsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_extract_cpus_skipped_total",
		Help: "Per-CPU ring buffers skipped, either absent from the dump or failing topology resolution.",
	})
	PagesDumped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_extract_pages_dumped_total",
		Help: "Ring buffer pages written to tree or archive output, across all runs.",
	})
	ArchiveBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_extract_last_archive_bytes",
		Help: "Size in bytes of the most recently written trace-archive.",
	})
	DumpDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trace_extract_dump_duration_seconds",
		Help:    "Wall-clock time spent resolving the layout, ring buffers and event schema for one invocation; writing the output is not included.",
		Buckets: prometheus.DefBuckets,
	})
	ProbeCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_extract_probe_cache_hits_total",
		Help: "Layout probes served from the probe-result cache.",
	})
	ProbeCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_extract_probe_cache_misses_total",
		Help: "Layout probes that had to be resolved against debug info.",
	})
)

func init() {
	Registry.MustRegister(
		CPUsDumped,
		CPUsSkipped,
		PagesDumped,
		ArchiveBytes,
		DumpDuration,
		ProbeCacheHits,
		ProbeCacheMisses,
	)
}

// Status is the last-dump summary served at endpointStatus.
type Status struct {
	RunID         string `json:"run_id"`
	CurrentTracer string `json:"current_tracer"`
	NrCPUs        int    `json:"nr_cpus"`
	CPUsDumped    int    `json:"cpus_dumped"`
	CPUsSkipped   int    `json:"cpus_skipped"`
}

// Server serves /metrics and a small JSON status endpoint.
type Server struct {
	router *mux.Router
	status Status
}

// NewServer builds a Server whose status endpoint reports whatever
// SetStatus was last called with.
func NewServer() *Server {
	s := &Server{router: mux.NewRouter()}
	s.router.Handle(endpointPromMetrics, promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})).Methods(http.MethodGet)
	s.router.HandleFunc(endpointStatus, s.handleStatus).Methods(http.MethodGet)
	return s
}

// SetStatus updates the JSON status endpoint's payload.
func (s *Server) SetStatus(st Status) {
	s.status = st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&s.status); err != nil {
		logrus.WithError(err).Error("encode status response")
	}
}

// ListenAndServe blocks serving the metrics and status endpoints on addr.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		return errors.New("metrics server address is empty")
	}
	logrus.WithField("address", addr).Info("starting metrics server")
	return errors.Wrap(http.ListenAndServe(addr, s.router), "serve metrics")
}
