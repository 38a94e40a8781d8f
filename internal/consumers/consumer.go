// Package consumers implements the per-shard ingress sinks. Each consumer
// buffers raw/parsed payload pairs for its shard, and on every processing
// tick drains the buffer, authorizes the batch against the metadata cache
// and bulk-publishes the survivors to the internal broker.
package consumers

import (
	"github.com/sensate-iot/authgw/internal/models"
)

// Publisher is the outbound half of the MQTT boundary.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Broadcaster receives authorized measurements for live fan-out. May be
// nil when live data is disabled.
type Broadcaster interface {
	BroadcastMeasurements([]models.Measurement)
}
