package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/serial"
)

// Provisioning collects job and transfer metrics. It is a scheduler
// observer and the transfer channel's metrics sink.
type Provisioning struct {
	jobs      *prometheus.CounterVec
	events    *prometheus.CounterVec
	transfers *prometheus.HistogramVec
}

func NewProvisioning(namespace string) *Provisioning {
	return &Provisioning{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Provisioning jobs that reached a terminal state, by outcome and error code.",
		}, []string{"outcome", "code"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress events emitted, by step and status.",
		}, []string{"step", "status"}),
		transfers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Duration of artifact transfers to the device.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"artifact", "result"}),
	}
}

// Register adds the collectors to reg.
func (p *Provisioning) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{p.jobs, p.events, p.transfers} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioning) Observe(ev interfaces.ProgressEvent) {
	p.events.WithLabelValues(ev.Step, string(ev.Status)).Inc()

	switch ev.Status {
	case interfaces.StatusFinished:
		p.jobs.WithLabelValues("finished", "").Inc()
	case interfaces.StatusError:
		p.jobs.WithLabelValues("failed", string(ev.Code)).Inc()
	}
}

func (p *Provisioning) ObserveTransfer(kind interfaces.ArtifactKind, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	p.transfers.WithLabelValues(kind.String(), result).Observe(d.Seconds())
}

// RegisterLink exports the state of the serial link permit.
func RegisterLink(reg prometheus.Registerer, namespace string, link *serial.Link) error {
	labels := prometheus.Labels{"endpoint": link.Endpoint()}
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "serial_link_holders",
			Help:        "Jobs currently holding the serial link (0 or 1).",
			ConstLabels: labels,
		}, func() float64 { return float64(link.Holders()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "serial_link_queue_depth",
			Help:        "Jobs waiting for the serial link.",
			ConstLabels: labels,
		}, func() float64 { return float64(link.Waiting()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "serial_link_acquisitions_total",
			Help:        "Times the serial link was granted to a job.",
			ConstLabels: labels,
		}, func() float64 { return float64(link.Acquisitions()) }),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
