package server

import (
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imgvault/imgvault/server/proto"
)

var (
	metricConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "connections_total",
		Help:      "Total number of accepted connections",
	})
	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "connections_active",
		Help:      "Number of connections currently being handled",
	})
	metricFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "frames_received_total",
		Help:      "Total number of request frames received",
	}, []string{"type"})
	metricFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "frames_sent_total",
		Help:      "Total number of response frames sent",
	}, []string{"type"})
	metricRecvBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "recv_bytes_total",
		Help:      "Total amount of data received",
	})
	metricSentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "sent_bytes_total",
		Help:      "Total amount of data sent",
	})
	metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgvault",
		Subsystem: "server",
		Name:      "errors_total",
		Help:      "Total number of error responses by code",
	}, []string{"code"})
	metricStoredBlobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imgvault",
		Subsystem: "store",
		Name:      "blobs",
		Help:      "Number of blobs currently stored",
	})
	metricStoredBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imgvault",
		Subsystem: "store",
		Name:      "bytes",
		Help:      "Total size of blobs currently stored",
	})
)

func init() {
	// Register label values so that counters are present even when zero.
	for _, t := range []proto.MsgType{
		proto.MsgTypeDataRequest,
		proto.MsgTypeStoreRequest,
	} {
		metricFramesReceived.WithLabelValues(t.String())
	}
	for _, t := range []proto.MsgType{
		proto.MsgTypeDataResponse,
		proto.MsgTypeAcknowledge,
		proto.MsgTypeErrorResponse,
	} {
		metricFramesSent.WithLabelValues(t.String())
	}
}

// startMetrics serves the Prometheus registry over HTTP on the configured
// address.
func (s *Server) startMetrics() error {
	l, err := net.Listen("tcp", s.config.MetricsListen)
	if err != nil {
		return errors.Wrap(err, "failed starting metrics listener")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	s.metricsServer = srv
	s.metricsListener = l
	s.logger.Infof("Serving metrics on http://%s/metrics", l.Addr())
	s.startGoroutine(func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Metrics server stopped: %v", err)
		}
	})
	return nil
}

func (s *Server) updateStoreMetrics() {
	stats := s.store.Stats()
	metricStoredBlobs.Set(float64(stats.Blobs))
	metricStoredBytes.Set(float64(stats.Bytes))
}
