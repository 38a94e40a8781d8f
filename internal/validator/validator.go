// Package validator parses raw ingress payloads into domain models. Parse
// failures are a normal outcome on a public bus: callers drop the payload
// and move on.
package validator

import (
	"encoding/json"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sensate-iot/authgw/internal/models"
)

// BulkSeparator frames multiple JSON documents in one bulk payload.
const BulkSeparator = "\n"

type rawDataPoint struct {
	Value     *float64 `json:"Value"`
	Unit      string   `json:"Unit"`
	Accuracy  *float64 `json:"Accuracy"`
	Precision *float64 `json:"Precision"`
}

type rawMeasurement struct {
	CreatedByID     string                  `json:"CreatedById"`
	CreatedBySecret string                  `json:"CreatedBySecret"`
	Longitude       *float64                `json:"Longitude"`
	Latitude        *float64                `json:"Latitude"`
	Data            map[string]rawDataPoint `json:"Data"`
	CreatedAt       string                  `json:"CreatedAt"`
}

type rawMessage struct {
	SensorID string          `json:"SensorId"`
	Secret   string          `json:"Secret"`
	Data     json.RawMessage `json:"Data"`
}

// Measurement parses a raw measurement payload. It returns false on
// malformed JSON, a missing required field, an unparseable sensor id or an
// empty datapoint map.
func Measurement(raw string) (models.Measurement, bool) {
	var m rawMeasurement
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.Measurement{}, false
	}

	if m.CreatedByID == "" || m.CreatedBySecret == "" {
		return models.Measurement{}, false
	}

	if m.Longitude == nil || m.Latitude == nil || len(m.Data) == 0 {
		return models.Measurement{}, false
	}

	id, err := primitive.ObjectIDFromHex(m.CreatedByID)
	if err != nil {
		return models.Measurement{}, false
	}

	datapoints := make([]models.DataPoint, 0, len(m.Data))
	for name, dp := range m.Data {
		if dp.Value == nil {
			return models.Measurement{}, false
		}

		unit := dp.Unit
		if unit == "" {
			unit = name
		}

		datapoints = append(datapoints, models.DataPoint{
			Value:     *dp.Value,
			Unit:      unit,
			Accuracy:  dp.Accuracy,
			Precision: dp.Precision,
		})
	}

	// Map iteration order is random; keep the output stable.
	sort.Slice(datapoints, func(i, j int) bool {
		return datapoints[i].Unit < datapoints[j].Unit
	})

	return models.Measurement{
		SensorID:   id,
		Secret:     m.CreatedBySecret,
		Latitude:   *m.Latitude,
		Longitude:  *m.Longitude,
		Timestamp:  m.CreatedAt,
		Datapoints: datapoints,
	}, true
}

// Message parses a raw message payload. The data field is kept opaque.
func Message(raw string) (models.Message, bool) {
	var m rawMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.Message{}, false
	}

	if m.SensorID == "" || m.Secret == "" || len(m.Data) == 0 {
		return models.Message{}, false
	}

	id, err := primitive.ObjectIDFromHex(m.SensorID)
	if err != nil {
		return models.Message{}, false
	}

	return models.Message{
		SensorID: id,
		Secret:   m.Secret,
		Data:     string(m.Data),
	}, true
}

// SplitBulk splits a bulk payload into its individual documents, dropping
// empty frames.
func SplitBulk(raw string) []string {
	parts := strings.Split(raw, BulkSeparator)
	docs := parts[:0]

	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			docs = append(docs, p)
		}
	}

	return docs
}
