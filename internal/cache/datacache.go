// Package cache implements the hot metadata cache consulted by the
// authorization workers. It maps sensors, users and API keys to TTL-stamped
// entries and answers the tri-valued sensor lookup the consumers key off.
package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sensate-iot/authgw/internal/models"
)

type entry[T any] struct {
	value      T
	insertedAt time.Time
}

func (e entry[T]) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.insertedAt) >= ttl
}

// sweepCursor remembers where a budget-bounded cleanup pass left off.
type sweepCursor struct {
	sensors []primitive.ObjectID
	users   []uuid.UUID
	keys    []string
}

func (c *sweepCursor) empty() bool {
	return len(c.sensors) == 0 && len(c.users) == 0 && len(c.keys) == 0
}

// DataCache holds sensor, user and API key metadata under a single
// reader-writer lock. Reads are shared; Append, Flush* and the sweep
// increments of CleanupFor are exclusive.
type DataCache struct {
	mu  sync.RWMutex
	ttl time.Duration

	sensors map[primitive.ObjectID]entry[models.Sensor]
	users   map[uuid.UUID]entry[models.User]
	keys    map[string]entry[models.ApiKey]

	sweep sweepCursor
}

// New creates an empty cache whose entries live for ttl after insertion.
func New(ttl time.Duration) *DataCache {
	return &DataCache{
		ttl:     ttl,
		sensors: make(map[primitive.ObjectID]entry[models.Sensor]),
		users:   make(map[uuid.UUID]entry[models.User]),
		keys:    make(map[string]entry[models.ApiKey]),
	}
}

// GetSensor looks up a sensor and verifies that its owner and API key are
// live. The return value is tri-valued:
//
//	(false, nil) — unknown to the cache this tick; the caller drops silently
//	(true, nil)  — known and not authorized; drop, no retry
//	(true, s)    — authorized; validate the payload against s.Secret
//
// A sensor is never returned while its owner or key is absent, expired,
// banned, locked out or revoked.
func (c *DataCache) GetSensor(id primitive.ObjectID, now time.Time) (bool, *models.Sensor) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	se, ok := c.sensors[id]
	if !ok || se.expired(now, c.ttl) {
		return false, nil
	}

	ue, ok := c.users[se.value.Owner]
	if !ok || ue.expired(now, c.ttl) {
		return false, nil
	}

	if ue.value.Banned || ue.value.BillingLockout {
		return true, nil
	}

	ke, ok := c.keys[se.value.Secret]
	if !ok || ke.expired(now, c.ttl) {
		return false, nil
	}

	if ke.value.Revoked {
		return true, nil
	}

	sensor := se.value
	return true, &sensor
}

// AppendSensors upserts sensors; existing entries are replaced and their
// insertion time reset.
func (c *DataCache) AppendSensors(sensors []models.Sensor) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range sensors {
		c.sensors[s.ID] = entry[models.Sensor]{value: s, insertedAt: now}
	}
}

// AppendUsers upserts users.
func (c *DataCache) AppendUsers(users []models.User) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range users {
		c.users[u.ID] = entry[models.User]{value: u, insertedAt: now}
	}
}

// AppendKeys upserts API keys.
func (c *DataCache) AppendKeys(keys []models.ApiKey) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		c.keys[k.Key] = entry[models.ApiKey]{value: k, insertedAt: now}
	}
}

// FlushSensor removes a sensor entry.
func (c *DataCache) FlushSensor(id primitive.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sensors, id)
}

// FlushUser removes a user entry. Sensors owned by the user stay in the
// map but fail the liveness walk on their next lookup.
func (c *DataCache) FlushUser(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, id)
}

// FlushKey removes an API key entry.
func (c *DataCache) FlushKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
}

// sweepChunk is the number of entries examined per exclusive lock
// acquisition during cleanup.
const sweepChunk = 64

// CleanupFor removes expired entries until the budget elapses. The sweep
// walks a snapshot of the keys and is resumable: when the budget runs out
// mid-pass the cursor is kept and the next call picks up where this one
// stopped. The exclusive lock is held only per chunk, never for the whole
// sweep.
func (c *DataCache) CleanupFor(budget time.Duration) {
	deadline := time.Now().Add(budget)

	for {
		c.mu.Lock()

		if c.sweep.empty() {
			c.snapshotLocked()
			if c.sweep.empty() {
				c.mu.Unlock()
				return
			}
		}

		now := time.Now()
		for i := 0; i < sweepChunk && !c.sweep.empty(); i++ {
			c.sweepOneLocked(now)
		}
		done := c.sweep.empty()
		c.mu.Unlock()

		if done || time.Now().After(deadline) {
			return
		}
	}
}

func (c *DataCache) snapshotLocked() {
	c.sweep.sensors = make([]primitive.ObjectID, 0, len(c.sensors))
	for id := range c.sensors {
		c.sweep.sensors = append(c.sweep.sensors, id)
	}

	c.sweep.users = make([]uuid.UUID, 0, len(c.users))
	for id := range c.users {
		c.sweep.users = append(c.sweep.users, id)
	}

	c.sweep.keys = make([]string, 0, len(c.keys))
	for k := range c.keys {
		c.sweep.keys = append(c.sweep.keys, k)
	}
}

func (c *DataCache) sweepOneLocked(now time.Time) {
	switch {
	case len(c.sweep.sensors) > 0:
		id := c.sweep.sensors[len(c.sweep.sensors)-1]
		c.sweep.sensors = c.sweep.sensors[:len(c.sweep.sensors)-1]
		if e, ok := c.sensors[id]; ok && e.expired(now, c.ttl) {
			delete(c.sensors, id)
		}
	case len(c.sweep.users) > 0:
		id := c.sweep.users[len(c.sweep.users)-1]
		c.sweep.users = c.sweep.users[:len(c.sweep.users)-1]
		if e, ok := c.users[id]; ok && e.expired(now, c.ttl) {
			delete(c.users, id)
		}
	case len(c.sweep.keys) > 0:
		k := c.sweep.keys[len(c.sweep.keys)-1]
		c.sweep.keys = c.sweep.keys[:len(c.sweep.keys)-1]
		if e, ok := c.keys[k]; ok && e.expired(now, c.ttl) {
			delete(c.keys, k)
		}
	}
}

// Counts reports the number of cached sensors, users and keys.
func (c *DataCache) Counts() (sensors, users, keys int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sensors), len(c.users), len(c.keys)
}
