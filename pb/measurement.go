// Package pb holds the wire types published on the internal broker's bulk
// measurement topic. The container schema is documented in
// measurement.proto; encoding and decoding are done directly with
// protowire so the repo does not depend on a pinned protoc toolchain.
package pb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers, see measurement.proto.
const (
	fieldMeasurements = 1

	fieldDatapoints   = 1
	fieldLatitude     = 2
	fieldLongitude    = 3
	fieldTimestamp    = 4
	fieldPlatformTime = 5

	fieldValue     = 1
	fieldUnit      = 2
	fieldAccuracy  = 3
	fieldPrecision = 4
)

// DataPoint is a single reading. Accuracy and precision are only written
// when present.
type DataPoint struct {
	Value     float64
	Unit      string
	Accuracy  *float64
	Precision *float64
}

// Measurement is one authorized device reading. Timestamp is the device
// timestamp as sent; PlatformTime is the gateway wall-clock time in
// ISO-8601 form.
type Measurement struct {
	Datapoints   []DataPoint
	Latitude     float64
	Longitude    float64
	Timestamp    string
	PlatformTime string
}

// MeasurementData is the bulk container: one per shard per tick.
type MeasurementData struct {
	Measurements []Measurement
}

// Marshal encodes the container in protobuf wire format.
func (d *MeasurementData) Marshal() []byte {
	var b []byte
	for i := range d.Measurements {
		b = protowire.AppendTag(b, fieldMeasurements, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalMeasurement(&d.Measurements[i]))
	}
	return b
}

func marshalMeasurement(m *Measurement) []byte {
	var b []byte

	for i := range m.Datapoints {
		b = protowire.AppendTag(b, fieldDatapoints, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDataPoint(&m.Datapoints[i]))
	}

	b = protowire.AppendTag(b, fieldLatitude, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.Latitude))
	b = protowire.AppendTag(b, fieldLongitude, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.Longitude))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
	b = protowire.AppendString(b, m.Timestamp)
	b = protowire.AppendTag(b, fieldPlatformTime, protowire.BytesType)
	b = protowire.AppendString(b, m.PlatformTime)

	return b
}

func marshalDataPoint(dp *DataPoint) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldValue, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(dp.Value))
	b = protowire.AppendTag(b, fieldUnit, protowire.BytesType)
	b = protowire.AppendString(b, dp.Unit)

	if dp.Accuracy != nil {
		b = protowire.AppendTag(b, fieldAccuracy, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*dp.Accuracy))
	}

	if dp.Precision != nil {
		b = protowire.AppendTag(b, fieldPrecision, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*dp.Precision))
	}

	return b
}

// Unmarshal decodes a container encoded by Marshal. Unknown fields are
// skipped.
func (d *MeasurementData) Unmarshal(b []byte) error {
	d.Measurements = nil

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("measurement data: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldMeasurements && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("measurement data: %w", protowire.ParseError(n))
			}
			b = b[n:]

			var m Measurement
			if err := unmarshalMeasurement(&m, v); err != nil {
				return err
			}
			d.Measurements = append(d.Measurements, m)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("measurement data: %w", protowire.ParseError(n))
		}
		b = b[n:]
	}

	return nil
}

func unmarshalMeasurement(m *Measurement, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("measurement: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDatapoints && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("measurement: %w", protowire.ParseError(n))
			}
			b = b[n:]

			var dp DataPoint
			if err := unmarshalDataPoint(&dp, v); err != nil {
				return err
			}
			m.Datapoints = append(m.Datapoints, dp)
		case num == fieldLatitude && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("measurement: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.Latitude = math.Float64frombits(v)
		case num == fieldLongitude && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("measurement: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.Longitude = math.Float64frombits(v)
		case num == fieldTimestamp && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("measurement: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.Timestamp = v
		case num == fieldPlatformTime && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("measurement: %w", protowire.ParseError(n))
			}
			b = b[n:]
			m.PlatformTime = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("measurement: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return nil
}

func unmarshalDataPoint(dp *DataPoint, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("datapoint: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("datapoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			dp.Value = math.Float64frombits(v)
		case num == fieldUnit && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("datapoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			dp.Unit = v
		case num == fieldAccuracy && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("datapoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			f := math.Float64frombits(v)
			dp.Accuracy = &f
		case num == fieldPrecision && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("datapoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			f := math.Float64frombits(v)
			dp.Precision = &f
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("datapoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return nil
}
