// Package services contains the orchestrator of the authorization
// pipeline. The MessageService owns the metadata cache, assigns incoming
// payloads to shards and drives the per-tick fan-out, reload and cleanup.
package services

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sensate-iot/authgw/internal/cache"
	"github.com/sensate-iot/authgw/internal/config"
	"github.com/sensate-iot/authgw/internal/consumers"
	"github.com/sensate-iot/authgw/internal/metrics"
	"github.com/sensate-iot/authgw/internal/models"
	"github.com/sensate-iot/authgw/internal/validator"
)

const (
	cleanupBudget  = 25 * time.Millisecond
	cacheTTL       = 6 * time.Minute
	reloadInterval = 5 * time.Minute
)

// MessageService routes inbound payloads to per-shard consumers and runs
// the processing tick. Ingress methods are safe from any transport
// goroutine; Process is driven by a single tick loop.
type MessageService struct {
	// Held shared by ingress and by the fan-out tasks. The write side is
	// intentionally unused: the shard slices are fixed after construction,
	// and exclusive access to the metadata is the cache's own lock.
	mu sync.RWMutex

	measurementIndex atomic.Uint32
	messageIndex     atomic.Uint32
	count            atomic.Uint32

	measurementShards []*consumers.MeasurementConsumer
	messageShards     []*consumers.MessageConsumer

	cache       *cache.DataCache
	lastReload  atomic.Int64 // unix nanos; written by the tick loop, read by the stats endpoint
	reloadEvery time.Duration

	users   UserRepository
	keys    ApiKeyRepository
	sensors SensorRepository

	commands *CommandConsumer

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewMessageService allocates the per-shard consumers and performs the
// initial synchronous cache load so the gateway starts warm.
func NewMessageService(
	ctx context.Context,
	client consumers.Publisher,
	commands *CommandConsumer,
	users UserRepository,
	keys ApiKeyRepository,
	sensors SensorRepository,
	cfg *config.Config,
	m *metrics.Metrics,
	live consumers.Broadcaster,
	logger *slog.Logger,
) *MessageService {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	s := &MessageService{
		cache:       cache.New(cacheTTL),
		reloadEvery: reloadInterval,
		users:       users,
		keys:        keys,
		sensors:     sensors,
		commands:    commands,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
	s.lastReload.Store(s.now().UnixNano())

	internal := cfg.Mqtt.InternalBroker
	for i := 0; i < workers; i++ {
		s.measurementShards = append(s.measurementShards, consumers.NewMeasurementConsumer(
			client, s.cache, internal.BulkMeasurementTopic, cfg.InternalBatchSize, m, live, logger))
		s.messageShards = append(s.messageShards, consumers.NewMessageConsumer(
			client, s.cache, internal.BulkMessageTopic, cfg.InternalBatchSize, m, logger))
	}

	s.LoadAll(ctx)

	return s
}

// AddMeasurementRaw validates a raw payload and enqueues it. Malformed
// payloads are dropped silently.
func (s *MessageService) AddMeasurementRaw(raw string) {
	m, ok := validator.Measurement(raw)
	if !ok {
		s.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonParse).Inc()
		return
	}

	s.AddMeasurement(models.RawMeasurement{Raw: raw, Measurement: m})
}

// AddMeasurement enqueues a parsed measurement on its shard.
func (s *MessageService) AddMeasurement(pair models.RawMeasurement) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.measurementIndex.Add(1) - 1) % uint32(len(s.measurementShards)))
	s.count.Add(1)
	s.metrics.IngressTotal.WithLabelValues(metrics.KindMeasurement).Inc()

	s.measurementShards[idx].Push(pair)
}

// AddMeasurements enqueues a bulk of parsed measurements on one shard.
// Batches beyond the pending-counter range are dropped whole.
func (s *MessageService) AddMeasurements(pairs []models.RawMeasurement) {
	if len(pairs) == 0 {
		return
	}
	// The pending counter is a uint32; a batch past its range would wrap it.
	if uint64(len(pairs)) > math.MaxUint32 {
		s.logger.Warn("dropping oversize measurement batch", "count", len(pairs))
		s.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonOversizeBatch).
			Add(float64(len(pairs)))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.measurementIndex.Add(1) - 1) % uint32(len(s.measurementShards)))
	s.count.Add(uint32(len(pairs)))
	s.metrics.IngressTotal.WithLabelValues(metrics.KindMeasurement).Add(float64(len(pairs)))

	s.measurementShards[idx].PushBulk(pairs)
}

// AddMeasurementsRaw splits a bulk payload, validates each document and
// enqueues the survivors.
func (s *MessageService) AddMeasurementsRaw(raw string) {
	docs := validator.SplitBulk(raw)
	pairs := make([]models.RawMeasurement, 0, len(docs))

	for _, doc := range docs {
		m, ok := validator.Measurement(doc)
		if !ok {
			s.metrics.DroppedTotal.WithLabelValues(metrics.KindMeasurement, metrics.ReasonParse).Inc()
			continue
		}
		pairs = append(pairs, models.RawMeasurement{Raw: doc, Measurement: m})
	}

	s.AddMeasurements(pairs)
}

// AddMessageRaw validates a raw message payload and enqueues it.
func (s *MessageService) AddMessageRaw(raw string) {
	m, ok := validator.Message(raw)
	if !ok {
		s.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonParse).Inc()
		return
	}

	s.AddMessage(models.RawMessage{Raw: raw, Message: m})
}

// AddMessage enqueues a parsed message on its shard.
func (s *MessageService) AddMessage(pair models.RawMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.messageIndex.Add(1) - 1) % uint32(len(s.messageShards)))
	s.count.Add(1)
	s.metrics.IngressTotal.WithLabelValues(metrics.KindMessage).Inc()

	s.messageShards[idx].Push(pair)
}

// AddMessages enqueues a bulk of parsed messages on one shard.
func (s *MessageService) AddMessages(pairs []models.RawMessage) {
	if len(pairs) == 0 {
		return
	}
	// The pending counter is a uint32; a batch past its range would wrap it.
	if uint64(len(pairs)) > math.MaxUint32 {
		s.logger.Warn("dropping oversize message batch", "count", len(pairs))
		s.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonOversizeBatch).
			Add(float64(len(pairs)))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.messageIndex.Add(1) - 1) % uint32(len(s.messageShards)))
	s.count.Add(uint32(len(pairs)))
	s.metrics.IngressTotal.WithLabelValues(metrics.KindMessage).Add(float64(len(pairs)))

	s.messageShards[idx].PushBulk(pairs)
}

// AddMessagesRaw splits a bulk payload, validates each document and
// enqueues the survivors.
func (s *MessageService) AddMessagesRaw(raw string) {
	docs := validator.SplitBulk(raw)
	pairs := make([]models.RawMessage, 0, len(docs))

	for _, doc := range docs {
		m, ok := validator.Message(doc)
		if !ok {
			s.metrics.DroppedTotal.WithLabelValues(metrics.KindMessage, metrics.ReasonParse).Inc()
			continue
		}
		pairs = append(pairs, models.RawMessage{Raw: doc, Message: m})
	}

	s.AddMessages(pairs)
}

// Process runs one tick: reload the cache when due, fan processing out
// over the shards, sweep expired entries and drain pending commands.
// Returns the time spent processing payloads.
func (s *MessageService) Process(ctx context.Context) time.Duration {
	count := s.count.Swap(0)

	now := s.now()
	if !now.Before(time.Unix(0, s.lastReload.Load()).Add(s.reloadEvery)) {
		s.logger.Info("reloading caches")
		s.lastReload.Store(now.UnixNano())
		s.LoadAll(ctx)
	}

	if count == 0 {
		s.cache.CleanupFor(cleanupBudget)
		s.commands.Execute(ctx, s)
		s.recordCacheCounts()
		return 0
	}

	s.logger.Debug("processing payloads", "count", count)
	start := time.Now()

	authorized := s.fanOut()

	s.cache.CleanupFor(cleanupBudget)
	s.commands.Execute(ctx, s)
	s.recordCacheCounts()

	elapsed := time.Since(start)
	s.metrics.TickDuration.Observe(elapsed.Seconds())

	if authorized > 0 {
		s.logger.Info("authorized payloads", "count", authorized, "elapsed", elapsed)
	}

	return elapsed
}

// fanOut schedules one task per shard and waits for all of them. Shards
// are disjoint, so the tasks only share the cache, under shared reads.
func (s *MessageService) fanOut() int {
	results := make([]int, len(s.measurementShards))

	var wg sync.WaitGroup
	for i := range s.measurementShards {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			s.mu.RLock()
			defer s.mu.RUnlock()

			results[idx] = s.messageShards[idx].Process() + s.measurementShards[idx].Process()
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r
	}
	return total
}

// LoadAll refreshes the cache from the three repositories. The fetches
// run in parallel and all complete before any result is appended, so a
// lookup never observes a partially loaded generation. A failed fetch is
// logged and leaves the existing entries in place.
func (s *MessageService) LoadAll(ctx context.Context) {
	start := time.Now()

	var (
		wg      sync.WaitGroup
		sensors []models.Sensor
		users   []models.User
		keys    []models.ApiKey

		sensorErr, userErr, keyErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		sensors, sensorErr = s.sensors.GetAllSensors(ctx)
	}()
	go func() {
		defer wg.Done()
		users, userErr = s.users.GetAllUsers(ctx)
	}()
	go func() {
		defer wg.Done()
		keys, keyErr = s.keys.GetAllKeys(ctx)
	}()
	wg.Wait()

	if sensorErr != nil {
		s.logger.Error("unable to load sensors", "error", sensorErr)
	} else {
		s.cache.AppendSensors(sensors)
	}

	if userErr != nil {
		s.logger.Error("unable to load users", "error", userErr)
	} else {
		s.cache.AppendUsers(users)
	}

	if keyErr != nil {
		s.logger.Error("unable to load api keys", "error", keyErr)
	} else {
		s.cache.AppendKeys(keys)
	}

	s.metrics.ReloadDuration.Observe(time.Since(start).Seconds())
	s.recordCacheCounts()
}

// FlushSensor removes a sensor from the cache.
func (s *MessageService) FlushSensor(id string) {
	sensorID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		s.logger.Warn("flush sensor: bad id", "id", id, "error", err)
		return
	}
	s.cache.FlushSensor(sensorID)
}

// FlushUser removes a user from the cache, invalidating the user's
// sensors on their next lookup.
func (s *MessageService) FlushUser(id string) {
	userID, err := uuid.Parse(id)
	if err != nil {
		s.logger.Warn("flush user: bad id", "id", id, "error", err)
		return
	}
	s.cache.FlushUser(userID)
}

// FlushKey removes an API key from the cache.
func (s *MessageService) FlushKey(key string) {
	s.cache.FlushKey(key)
}

// AddSensor fetches a sensor and upserts it into the cache. A failed
// fetch leaves the cache untouched; the next bulk reload heals it.
func (s *MessageService) AddSensor(ctx context.Context, id string) {
	sensorID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		s.logger.Warn("add sensor: bad id", "id", id, "error", err)
		return
	}

	sensor, err := s.sensors.GetSensorByID(ctx, sensorID)
	if err != nil {
		s.logger.Error("unable to fetch sensor", "id", id, "error", err)
		return
	}
	if sensor == nil {
		return
	}

	s.cache.AppendSensors([]models.Sensor{*sensor})
}

// AddUser fetches a user and upserts it into the cache.
func (s *MessageService) AddUser(ctx context.Context, id string) {
	userID, err := uuid.Parse(id)
	if err != nil {
		s.logger.Warn("add user: bad id", "id", id, "error", err)
		return
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.Error("unable to fetch user", "id", id, "error", err)
		return
	}
	if user == nil {
		return
	}

	s.cache.AppendUsers([]models.User{*user})
}

// AddKey fetches an API key and upserts it into the cache.
func (s *MessageService) AddKey(ctx context.Context, key string) {
	apiKey, err := s.keys.GetKey(ctx, key)
	if err != nil {
		s.logger.Error("unable to fetch api key", "error", err)
		return
	}
	if apiKey == nil {
		return
	}

	s.cache.AppendKeys([]models.ApiKey{*apiKey})
}

// Stats is the snapshot served by the status API.
type Stats struct {
	Workers       int       `json:"workers"`
	CachedSensors int       `json:"cachedSensors"`
	CachedUsers   int       `json:"cachedUsers"`
	CachedKeys    int       `json:"cachedKeys"`
	LastReload    time.Time `json:"lastReload"`
}

// GetStats reports the current service state.
func (s *MessageService) GetStats() Stats {
	sensors, users, keys := s.cache.Counts()

	return Stats{
		Workers:       len(s.measurementShards),
		CachedSensors: sensors,
		CachedUsers:   users,
		CachedKeys:    keys,
		LastReload:    time.Unix(0, s.lastReload.Load()),
	}
}

func (s *MessageService) recordCacheCounts() {
	s.metrics.RecordCacheCounts(s.cache.Counts())
}

var _ CommandTarget = (*MessageService)(nil)
