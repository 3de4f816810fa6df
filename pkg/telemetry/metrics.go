// Package telemetry exports controller activity as Prometheus metrics and MQTT events.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itohio/goplant/pkg/controller"
	"github.com/itohio/goplant/pkg/watering"
)

const namespace = "goplant"

// Metrics holds the Prometheus collectors.
type Metrics struct {
	weight       *prometheus.GaugeVec
	weightErr    *prometheus.GaugeVec
	readFailures *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	waterings    *prometheus.CounterVec
	pumpSeconds  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. pending, if not nil,
// is exported as the watering queue length.
func NewMetrics(reg prometheus.Registerer, pending func() int) *Metrics {
	m := &Metrics{
		weight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weight_grams",
			Help:      "Last calibrated weight of a scale.",
		}, []string{"scale"}),
		weightErr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weight_uncertainty_grams",
			Help:      "Propagated uncertainty of the last weight.",
		}, []string{"scale"}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures_total",
			Help:      "Control cycles without a weight reading.",
		}, []string{"scale"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "water_decisions_total",
			Help:      "Control cycles in which the protocol asked for water.",
		}, []string{"scale"}),
		waterings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waterings_total",
			Help:      "Completed waterings.",
		}, []string{"scale"}),
		pumpSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_seconds_total",
			Help:      "Time the pump ran for a scale.",
		}, []string{"scale"}),
	}

	reg.MustRegister(m.weight, m.weightErr, m.readFailures, m.decisions, m.waterings, m.pumpSeconds)
	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Scales waiting to be watered.",
		}, func() float64 { return float64(pending()) }))
	}
	return m
}

func label(scale uint8) string {
	return strconv.Itoa(int(scale))
}

// ObserveUpdate records one control cycle outcome.
func (m *Metrics) ObserveUpdate(u controller.Update) {
	l := label(u.Scale)
	if u.Err != nil {
		m.readFailures.WithLabelValues(l).Inc()
		return
	}
	m.weight.WithLabelValues(l).Set(float64(u.Reading.Weight))
	m.weightErr.WithLabelValues(l).Set(float64(u.Reading.WeightErr))
	if u.Water {
		m.decisions.WithLabelValues(l).Inc()
	}
}

// ObserveWatering records a completed watering.
func (m *Metrics) ObserveWatering(sc watering.Scale, d watering.Dose) {
	l := label(sc.ID)
	m.waterings.WithLabelValues(l).Inc()
	m.pumpSeconds.WithLabelValues(l).Add(d.Duration.Seconds())
}
