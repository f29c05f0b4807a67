package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsConfirmed prometheus.Counter
	SessionsExpired   prometheus.Counter
	SessionsSwept     prometheus.Counter
	VendorRequests    *prometheus.HistogramVec
	DeviceCommands    prometheus.Counter
	ScenesRun         prometheus.Counter
}

// New creates all metrics and registers them with reg. Callers own the
// registry so tests can use an isolated one.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mihome_login_sessions_created_total",
			Help: "Total number of QR login sessions created",
		}),
		SessionsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mihome_login_sessions_confirmed_total",
			Help: "Total number of login sessions confirmed by a user",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "mihome_login_sessions_expired_total",
			Help: "Total number of login sessions that expired unconfirmed",
		}),
		SessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "mihome_login_sessions_swept_total",
			Help: "Total number of session records removed by the expiry sweep",
		}),
		VendorRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mihome_vendor_request_duration_seconds",
			Help:    "Duration of outbound vendor cloud requests by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		DeviceCommands: factory.NewCounter(prometheus.CounterOpts{
			Name: "mihome_device_commands_total",
			Help: "Total number of device property writes and actions",
		}),
		ScenesRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "mihome_scenes_run_total",
			Help: "Total number of scene executions requested",
		}),
	}
}

// ObserveVendorRequest records one outbound vendor call.
func (m *Metrics) ObserveVendorRequest(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.VendorRequests.WithLabelValues(endpoint).Observe(d.Seconds())
}
