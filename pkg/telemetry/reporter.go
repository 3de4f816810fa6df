package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/goplant/pkg/controller"
	"github.com/itohio/goplant/pkg/watering"
)

// WateredEvent is published after a scale was watered.
type WateredEvent struct {
	ID         string    `json:"id"`
	Scale      uint8     `json:"scale"`
	Intensity  uint8     `json:"intensity"`
	DurationMs int64     `json:"duration_ms"`
	Time       time.Time `json:"time"`
}

// WeightEvent is published after every successful weight reading.
type WeightEvent struct {
	Scale     uint8     `json:"scale"`
	Weight    float32   `json:"weight"`
	WeightErr float32   `json:"weight_err"`
	Water     bool      `json:"water"`
	Time      time.Time `json:"time"`
}

// Reporter fans controller and scheduler events out to metrics and a publisher.
// Either may be nil.
type Reporter struct {
	metrics *Metrics
	pub     Publisher
	prefix  string
	now     func() time.Time
}

// NewReporter returns a reporter publishing under prefix.
func NewReporter(metrics *Metrics, pub Publisher, prefix string) *Reporter {
	return &Reporter{
		metrics: metrics,
		pub:     pub,
		prefix:  prefix,
		now:     time.Now,
	}
}

// WeightTopic returns the topic weight readings of a scale are published to.
func (r *Reporter) WeightTopic(scale uint8) string {
	return fmt.Sprintf("%s/scale/%d/weight", r.prefix, scale)
}

// WateredTopic returns the topic watering events of a scale are published to.
func (r *Reporter) WateredTopic(scale uint8) string {
	return fmt.Sprintf("%s/scale/%d/watered", r.prefix, scale)
}

// OnUpdate handles a control cycle outcome.
func (r *Reporter) OnUpdate(u controller.Update) {
	if r.metrics != nil {
		r.metrics.ObserveUpdate(u)
	}
	if r.pub == nil || u.Err != nil {
		return
	}

	r.publish(r.WeightTopic(u.Scale), WeightEvent{
		Scale:     u.Scale,
		Weight:    u.Reading.Weight,
		WeightErr: u.Reading.WeightErr,
		Water:     u.Water,
		Time:      u.Time,
	})
}

// OnServiced handles a completed watering.
func (r *Reporter) OnServiced(sc watering.Scale, d watering.Dose) {
	if r.metrics != nil {
		r.metrics.ObserveWatering(sc, d)
	}
	if r.pub == nil {
		return
	}

	r.publish(r.WateredTopic(sc.ID), WateredEvent{
		ID:         uuid.NewString(),
		Scale:      sc.ID,
		Intensity:  d.Intensity,
		DurationMs: d.Duration.Milliseconds(),
		Time:       r.now(),
	})
}

func (r *Reporter) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal %s event: %v", topic, err)
		return
	}
	if err := r.pub.Publish(topic, data); err != nil {
		log.Printf("telemetry: %v", err)
	}
}
