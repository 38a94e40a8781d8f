// Package models holds the domain types shared by the authorization
// pipeline: sensors, their owners and API keys, and the two payload kinds
// (measurements and messages) flowing through the gateway.
package models

import (
	"bytes"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Sensor is the authorization subject. The secret is the shared key devices
// use to sign payloads claiming this sensor id; it doubles as the sensor's
// API key in the key registry.
type Sensor struct {
	ID     primitive.ObjectID `bson:"_id" json:"id"`
	Owner  uuid.UUID          `bson:"owner" json:"owner"`
	Secret string             `bson:"secret" json:"secret"`
}

// User owns sensors. Either flag disqualifies all of the user's sensors.
type User struct {
	ID             uuid.UUID `json:"id"`
	Banned         bool      `json:"banned"`
	BillingLockout bool      `json:"billingLockout"`
}

// ApiKey identifies the application a sensor belongs to. Revocation
// disqualifies every payload for sensors carrying the key.
type ApiKey struct {
	Key     string `json:"key"`
	Revoked bool   `json:"revoked"`
}

// DataPoint is a single reading inside a measurement. Accuracy and
// precision are optional on the wire.
type DataPoint struct {
	Value     float64  `json:"value"`
	Unit      string   `json:"unit"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
}

// Measurement is a decoded device reading: a coordinate, a device
// timestamp and one or more datapoints.
type Measurement struct {
	SensorID   primitive.ObjectID `json:"sensorId"`
	Secret     string             `json:"-"`
	Latitude   float64            `json:"latitude"`
	Longitude  float64            `json:"longitude"`
	Timestamp  string             `json:"timestamp"`
	Datapoints []DataPoint        `json:"datapoints"`
}

// Message carries opaque device data. It shares the authorization
// structure of a measurement but not its schema.
type Message struct {
	SensorID primitive.ObjectID `json:"sensorId"`
	Secret   string             `json:"-"`
	Data     string             `json:"data"`
}

// RawMeasurement pairs a parsed measurement with the payload exactly as it
// arrived. The raw form is required by the secret-substitution check, which
// hashes the payload bytes as sent.
type RawMeasurement struct {
	Raw         string
	Measurement Measurement
}

// RawMessage pairs a parsed message with its original payload.
type RawMessage struct {
	Raw     string
	Message Message
}

// CompareObjectID orders object ids by their canonical byte sequence,
// which matches lexicographic order of the hex form.
func CompareObjectID(a, b primitive.ObjectID) int {
	return bytes.Compare(a[:], b[:])
}

// CommandKind enumerates the out-of-band cache invalidation commands.
type CommandKind string

const (
	CommandFlushSensor CommandKind = "flush_sensor"
	CommandFlushUser   CommandKind = "flush_user"
	CommandFlushKey    CommandKind = "flush_key"
	CommandAddSensor   CommandKind = "add_sensor"
	CommandAddUser     CommandKind = "add_user"
	CommandAddKey      CommandKind = "add_key"
)

// Command is a control-channel message. Argument is a sensor id, user id
// or API key depending on the kind.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Argument string      `json:"id"`
}
