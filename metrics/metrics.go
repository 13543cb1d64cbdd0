// Package metrics registers the proxy's Prometheus collectors and serves
// them over /metrics, grounded on the pack's promauto idiom but slimmed to
// the handful of series this proxy actually needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicom_proxy"

var (
	// DIMSERequestsTotal counts completed DIMSE service requests by
	// operation (c-store, c-find, c-get, c-move) and outcome.
	DIMSERequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dimse_requests_total",
		Help:      "DIMSE service requests handled, by operation and outcome.",
	}, []string{"operation", "status"})

	// DispatchesTotal counts SCU fan-out attempts per destination node and
	// outcome (spec §4.9/§4.11).
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Instances fanned out to destination nodes, by node and outcome.",
	}, []string{"node_id", "status"})

	// UploadAttemptsTotal counts backend archive upload attempts by
	// outcome (spec §4.6 step 6's retry policy).
	UploadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_attempts_total",
		Help:      "Backend archive upload attempts, by outcome.",
	}, []string{"status"})

	// ActiveStudies reports the number of studies the inactivity monitor
	// currently considers in progress.
	ActiveStudies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_studies",
		Help:      "Studies currently tracked as in progress by the completion monitor.",
	})
)
