package consumers

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sensate-iot/authgw/internal/cache"
	"github.com/sensate-iot/authgw/internal/metrics"
	"github.com/sensate-iot/authgw/internal/models"
	"github.com/sensate-iot/authgw/internal/validator"
)

// MessageConsumer is the per-shard sink for message payloads. It mirrors
// the measurement consumer except for the outbound encoding: authorized
// messages are re-published as the raw payloads, newline-joined.
type MessageConsumer struct {
	mu      sync.Mutex
	pending []models.RawMessage

	cache     *cache.DataCache
	client    Publisher
	topic     string
	batchHint int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewMessageConsumer wires a shard sink to the shared cache and the
// internal broker's bulk message topic.
func NewMessageConsumer(client Publisher, c *cache.DataCache, topic string, batchHint int, m *metrics.Metrics, logger *slog.Logger) *MessageConsumer {
	if batchHint <= 0 {
		batchHint = 1
	}

	return &MessageConsumer{
		cache:     c,
		client:    client,
		topic:     topic,
		batchHint: batchHint,
		metrics:   m,
		logger:    logger,
	}
}

// Push appends one pair to the shard buffer.
func (c *MessageConsumer) Push(pair models.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		c.pending = make([]models.RawMessage, 0, c.batchHint)
	}
	c.pending = append(c.pending, pair)
}

// PushBulk appends a pre-parsed batch to the shard buffer.
func (c *MessageConsumer) PushBulk(pairs []models.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		c.pending = make([]models.RawMessage, 0, max(c.batchHint, len(pairs)))
	}
	c.pending = append(c.pending, pairs...)
}

// Process drains the shard, authorizes the batch and publishes the raw
// payloads of the survivors in one bulk message. Returns the number of
// authorized messages; a failed publish yields zero.
func (c *MessageConsumer) Process() int {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	sort.Slice(batch, func(i, j int) bool {
		return models.CompareObjectID(batch[i].Message.SensorID, batch[j].Message.SensorID) < 0
	})

	now := time.Now()
	authorized := make([]string, 0, len(batch))

	var (
		found  bool
		sensor *models.Sensor
	)

	for i := range batch {
		pair := &batch[i]

		if sensor == nil || sensor.ID != pair.Message.SensorID {
			found, sensor = c.cache.GetSensor(pair.Message.SensorID, now)
		}

		if !found {
			c.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonCacheMiss).Inc()
			continue
		}

		if sensor == nil {
			c.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonUnauthorized).Inc()
			continue
		}

		if !ValidateSecret(pair.Raw, pair.Message.Secret, sensor.Secret) {
			c.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonUnauthorized).Inc()
			continue
		}

		authorized = append(authorized, pair.Raw)
	}

	if len(authorized) == 0 {
		return 0
	}

	payload := []byte(strings.Join(authorized, validator.BulkSeparator))
	if err := c.client.Publish(c.topic, payload); err != nil {
		c.logger.Error("unable to publish authorized messages",
			"topic", c.topic, "count", len(authorized), "error", err)
		c.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonPublish).
			Add(float64(len(authorized)))
		return 0
	}

	c.metrics.AuthorizedTotal.WithLabelValues(metrics.KindMessage).Add(float64(len(authorized)))
	return len(authorized)
}
