// Package telemetry holds the bridge's Prometheus instrumentation.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesSent counts CRSF frames written to the serial link.
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Subsystem: "crsf",
		Name:      "frames_sent_total",
		Help:      "CRSF RC channel frames written to the serial link.",
	})

	// SerialErrors counts failed serial writes.
	SerialErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Subsystem: "crsf",
		Name:      "serial_errors_total",
		Help:      "Serial write failures on the CRSF link.",
	})

	// LockTimeouts counts bounded-wait lock acquisitions that gave up.
	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Name:      "lock_timeouts_total",
		Help:      "Bounded-wait lock acquisitions that timed out, by site.",
	}, []string{"site"})

	// ReportsParsed counts recognized input reports per slot.
	ReportsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Subsystem: "xbox",
		Name:      "reports_parsed_total",
		Help:      "Recognized controller input reports, by slot.",
	}, []string{"slot"})

	// ReportsIgnored counts reports discarded by the parser.
	ReportsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Subsystem: "xbox",
		Name:      "reports_ignored_total",
		Help:      "Reports discarded as short, keepalive, or unrecognized.",
	})

	// DeviceOpens counts receiver open sequences that reached Ready.
	DeviceOpens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Subsystem: "xbox",
		Name:      "device_opens_total",
		Help:      "Receiver open sequences completed successfully.",
	})

	// DeviceRemovals counts device-gone events.
	DeviceRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xbelrs",
		Subsystem: "xbox",
		Name:      "device_removals_total",
		Help:      "Receiver removal events handled.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
