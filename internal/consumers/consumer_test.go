package consumers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sensate-iot/authgw/internal/cache"
	"github.com/sensate-iot/authgw/internal/metrics"
	"github.com/sensate-iot/authgw/internal/models"
	"github.com/sensate-iot/authgw/pb"
)

type publishCall struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, publishCall{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) published() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	batches [][]models.Measurement
}

func (b *fakeBroadcaster) BroadcastMeasurements(ms []models.Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, ms)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func authorizedSensor(c *cache.DataCache, secret string) models.Sensor {
	sensor := models.Sensor{
		ID:     primitive.NewObjectID(),
		Owner:  uuid.New(),
		Secret: secret,
	}

	c.AppendSensors([]models.Sensor{sensor})
	c.AppendUsers([]models.User{{ID: sensor.Owner}})
	c.AppendKeys([]models.ApiKey{{Key: sensor.Secret}})

	return sensor
}

func measurementFor(sensor models.Sensor) models.RawMeasurement {
	raw := fmt.Sprintf(
		`{"CreatedById": "%s", "CreatedBySecret": "%s", "Longitude": 4.77, "Latitude": 51.59, "Data": {"t": {"Value": 21.5, "Unit": "C"}}}`,
		sensor.ID.Hex(), sensor.Secret)

	return models.RawMeasurement{
		Raw: raw,
		Measurement: models.Measurement{
			SensorID:   sensor.ID,
			Secret:     sensor.Secret,
			Latitude:   51.59,
			Longitude:  4.77,
			Datapoints: []models.DataPoint{{Value: 21.5, Unit: "C"}},
		},
	}
}

func messageFor(sensor models.Sensor, data string) models.RawMessage {
	raw := fmt.Sprintf(`{"SensorId": "%s", "Secret": "%s", "Data": %q}`,
		sensor.ID.Hex(), sensor.Secret, data)

	return models.RawMessage{
		Raw: raw,
		Message: models.Message{
			SensorID: sensor.ID,
			Secret:   sensor.Secret,
			Data:     data,
		},
	}
}

func TestMeasurementConsumerPublishesAuthorized(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	pub := &fakePublisher{}
	live := &fakeBroadcaster{}

	consumer := NewMeasurementConsumer(pub, c, "internal/measurements", 16, testMetrics(), live, testLogger())
	consumer.Push(measurementFor(sensor))
	consumer.Push(measurementFor(sensor))

	n := consumer.Process()

	assert.Equal(t, 2, n)
	calls := pub.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "internal/measurements", calls[0].topic)

	var data pb.MeasurementData
	require.NoError(t, data.Unmarshal(calls[0].payload))
	require.Len(t, data.Measurements, 2)
	assert.Equal(t, 51.59, data.Measurements[0].Latitude)
	assert.Equal(t, 4.77, data.Measurements[0].Longitude)
	require.Len(t, data.Measurements[0].Datapoints, 1)
	assert.Equal(t, 21.5, data.Measurements[0].Datapoints[0].Value)
	assert.Equal(t, "C", data.Measurements[0].Datapoints[0].Unit)

	// The device sent no timestamp, so the platform time fills in.
	assert.NotEmpty(t, data.Measurements[0].PlatformTime)
	assert.Equal(t, data.Measurements[0].PlatformTime, data.Measurements[0].Timestamp)

	require.Len(t, live.batches, 1)
	assert.Len(t, live.batches[0], 2)
}

func TestMeasurementConsumerDropsUnknownSensor(t *testing.T) {
	c := cache.New(time.Minute)
	pub := &fakePublisher{}

	consumer := NewMeasurementConsumer(pub, c, "t", 16, testMetrics(), nil, testLogger())
	consumer.Push(measurementFor(models.Sensor{ID: primitive.NewObjectID(), Secret: "x"}))

	assert.Zero(t, consumer.Process())
	assert.Empty(t, pub.published())
}

func TestMeasurementConsumerDropsBannedOwner(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	c.AppendUsers([]models.User{{ID: sensor.Owner, Banned: true}})
	pub := &fakePublisher{}

	consumer := NewMeasurementConsumer(pub, c, "t", 16, testMetrics(), nil, testLogger())
	consumer.Push(measurementFor(sensor))

	assert.Zero(t, consumer.Process())
	assert.Empty(t, pub.published())
}

func TestMeasurementConsumerDropsBadSecret(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	pub := &fakePublisher{}

	pair := measurementFor(sensor)
	pair.Measurement.Secret = "forged"
	pair.Raw = strings.Replace(pair.Raw, sensor.Secret, "forged", 1)

	consumer := NewMeasurementConsumer(pub, c, "t", 16, testMetrics(), nil, testLogger())
	consumer.Push(pair)

	assert.Zero(t, consumer.Process())
	assert.Empty(t, pub.published())
}

func TestMeasurementConsumerPublishFailure(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	pub := &fakePublisher{err: errors.New("broker gone")}
	live := &fakeBroadcaster{}

	consumer := NewMeasurementConsumer(pub, c, "t", 16, testMetrics(), live, testLogger())
	consumer.Push(measurementFor(sensor))

	assert.Zero(t, consumer.Process())
	assert.Empty(t, live.batches)
}

func TestMeasurementConsumerSortsBySensor(t *testing.T) {
	c := cache.New(time.Minute)
	first := authorizedSensor(c, "secret-a")
	second := authorizedSensor(c, "secret-b")

	if models.CompareObjectID(first.ID, second.ID) > 0 {
		first, second = second, first
	}

	pub := &fakePublisher{}
	consumer := NewMeasurementConsumer(pub, c, "t", 16, testMetrics(), nil, testLogger())

	// Interleave the two sensors; the batch is grouped before lookup.
	consumer.Push(measurementFor(second))
	consumer.Push(measurementFor(first))
	consumer.Push(measurementFor(second))
	consumer.Push(measurementFor(first))

	assert.Equal(t, 4, consumer.Process())
	require.Len(t, pub.published(), 1)

	var data pb.MeasurementData
	require.NoError(t, data.Unmarshal(pub.published()[0].payload))
	require.Len(t, data.Measurements, 4)
}

func TestMeasurementConsumerEmptyBatch(t *testing.T) {
	c := cache.New(time.Minute)
	pub := &fakePublisher{}

	consumer := NewMeasurementConsumer(pub, c, "t", 16, testMetrics(), nil, testLogger())

	assert.Zero(t, consumer.Process())
	assert.Empty(t, pub.published())
}

func TestMeasurementConsumerPushBulk(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	pub := &fakePublisher{}

	consumer := NewMeasurementConsumer(pub, c, "t", 4, testMetrics(), nil, testLogger())
	consumer.PushBulk([]models.RawMeasurement{
		measurementFor(sensor), measurementFor(sensor), measurementFor(sensor),
	})

	assert.Equal(t, 3, consumer.Process())
}

func TestMessageConsumerPublishesRawPayloads(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	pub := &fakePublisher{}

	consumer := NewMessageConsumer(pub, c, "internal/messages", 16, testMetrics(), testLogger())
	first := messageFor(sensor, "ping")
	second := messageFor(sensor, "pong")
	consumer.Push(first)
	consumer.Push(second)

	n := consumer.Process()

	assert.Equal(t, 2, n)
	calls := pub.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "internal/messages", calls[0].topic)

	docs := strings.Split(string(calls[0].payload), "\n")
	require.Len(t, docs, 2)
	assert.Contains(t, docs, first.Raw)
	assert.Contains(t, docs, second.Raw)
}

func TestMessageConsumerDropsUnknownSensor(t *testing.T) {
	c := cache.New(time.Minute)
	pub := &fakePublisher{}

	consumer := NewMessageConsumer(pub, c, "t", 16, testMetrics(), testLogger())
	consumer.Push(messageFor(models.Sensor{ID: primitive.NewObjectID(), Secret: "x"}, "ping"))

	assert.Zero(t, consumer.Process())
	assert.Empty(t, pub.published())
}

func TestMessageConsumerPublishFailure(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "secret-a")
	pub := &fakePublisher{err: errors.New("broker gone")}

	consumer := NewMessageConsumer(pub, c, "t", 16, testMetrics(), testLogger())
	consumer.Push(messageFor(sensor, "ping"))

	assert.Zero(t, consumer.Process())
}

func TestMessageConsumerDigestAuthorization(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := authorizedSensor(c, "device-secret")
	pub := &fakePublisher{}

	placeholder := "$==" + strings.Repeat("0", 64) + "=="
	template := fmt.Sprintf(`{"SensorId": "%s", "Secret": "%s", "Data": "x"}`, sensor.ID.Hex(), placeholder)
	raw := signPayload(t, template, sensor.Secret)
	claimed := secretSentinel.FindString(raw)

	consumer := NewMessageConsumer(pub, c, "t", 16, testMetrics(), testLogger())
	consumer.Push(models.RawMessage{
		Raw:     raw,
		Message: models.Message{SensorID: sensor.ID, Secret: claimed, Data: `"x"`},
	})

	assert.Equal(t, 1, consumer.Process())
	require.Len(t, pub.published(), 1)
	assert.Equal(t, raw, string(pub.published()[0].payload))
}
