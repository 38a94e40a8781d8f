package consumers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sensate-iot/authgw/internal/cache"
	"github.com/sensate-iot/authgw/internal/metrics"
	"github.com/sensate-iot/authgw/internal/models"
	"github.com/sensate-iot/authgw/pb"
)

// MeasurementConsumer is the per-shard sink for measurement payloads.
// Pushes happen from transport goroutines under the shard mutex; Process
// swaps the buffer out and runs unlocked.
type MeasurementConsumer struct {
	mu      sync.Mutex
	pending []models.RawMeasurement

	cache     *cache.DataCache
	client    Publisher
	topic     string
	batchHint int
	live      Broadcaster
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewMeasurementConsumer wires a shard sink to the shared cache and the
// internal broker's bulk measurement topic.
func NewMeasurementConsumer(client Publisher, c *cache.DataCache, topic string, batchHint int, m *metrics.Metrics, live Broadcaster, logger *slog.Logger) *MeasurementConsumer {
	if batchHint <= 0 {
		batchHint = 1
	}

	return &MeasurementConsumer{
		cache:     c,
		client:    client,
		topic:     topic,
		batchHint: batchHint,
		live:      live,
		metrics:   m,
		logger:    logger,
	}
}

// Push appends one pair to the shard buffer.
func (c *MeasurementConsumer) Push(pair models.RawMeasurement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		c.pending = make([]models.RawMeasurement, 0, c.batchHint)
	}
	c.pending = append(c.pending, pair)
}

// PushBulk appends a pre-parsed batch to the shard buffer.
func (c *MeasurementConsumer) PushBulk(pairs []models.RawMeasurement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		c.pending = make([]models.RawMeasurement, 0, max(c.batchHint, len(pairs)))
	}
	c.pending = append(c.pending, pairs...)
}

// Process drains the shard, authorizes the batch and publishes the
// authorized measurements as one protobuf container. Returns the number of
// authorized measurements; a failed publish yields zero.
func (c *MeasurementConsumer) Process() int {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	// Sorting by sensor id lets adjacent entries reuse one cache lookup.
	sort.Slice(batch, func(i, j int) bool {
		return models.CompareObjectID(batch[i].Measurement.SensorID, batch[j].Measurement.SensorID) < 0
	})

	now := time.Now()
	authorized := make([]models.Measurement, 0, len(batch))

	var (
		found  bool
		sensor *models.Sensor
	)

	for i := range batch {
		pair := &batch[i]

		if sensor == nil || sensor.ID != pair.Measurement.SensorID {
			found, sensor = c.cache.GetSensor(pair.Measurement.SensorID, now)
		}

		if !found {
			c.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonCacheMiss).Inc()
			continue
		}

		if sensor == nil {
			// Found but not authorizable; drop without retry.
			c.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonUnauthorized).Inc()
			continue
		}

		if !ValidateSecret(pair.Raw, pair.Measurement.Secret, sensor.Secret) {
			c.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonUnauthorized).Inc()
			continue
		}

		authorized = append(authorized, pair.Measurement)
	}

	if len(authorized) == 0 {
		return 0
	}

	payload := encodeMeasurements(authorized, time.Now().UTC().Format(time.RFC3339))
	if err := c.client.Publish(c.topic, payload); err != nil {
		c.logger.Error("unable to publish authorized measurements",
			"topic", c.topic, "count", len(authorized), "error", err)
		c.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonPublish).
			Add(float64(len(authorized)))
		return 0
	}

	if c.live != nil {
		c.live.BroadcastMeasurements(authorized)
	}

	c.metrics.AuthorizedTotal.WithLabelValues(metrics.KindMeasurement).Add(float64(len(authorized)))
	return len(authorized)
}

func encodeMeasurements(measurements []models.Measurement, platformTime string) []byte {
	data := pb.MeasurementData{
		Measurements: make([]pb.Measurement, 0, len(measurements)),
	}

	for i := range measurements {
		m := &measurements[i]

		wire := pb.Measurement{
			Latitude:     m.Latitude,
			Longitude:    m.Longitude,
			PlatformTime: platformTime,
			Timestamp:    m.Timestamp,
			Datapoints:   make([]pb.DataPoint, 0, len(m.Datapoints)),
		}

		if wire.Timestamp == "" {
			wire.Timestamp = platformTime
		}

		for _, dp := range m.Datapoints {
			wire.Datapoints = append(wire.Datapoints, pb.DataPoint{
				Value:     dp.Value,
				Unit:      dp.Unit,
				Accuracy:  dp.Accuracy,
				Precision: dp.Precision,
			})
		}

		data.Measurements = append(data.Measurements, wire)
	}

	return data.Marshal()
}
