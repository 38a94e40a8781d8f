package repositories

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sensate-iot/authgw/internal/models"
)

const sensorCollection = "sensors"

// Owner uuids are stored as strings in the sensor documents.
type sensorDocument struct {
	ID     primitive.ObjectID `bson:"_id"`
	Owner  string             `bson:"owner"`
	Secret string             `bson:"secret"`
}

// MongoSensorRepository reads sensors from MongoDB.
type MongoSensorRepository struct {
	sensors *mongo.Collection
	logger  *slog.Logger
}

func NewMongoSensorRepository(db *mongo.Database, logger *slog.Logger) *MongoSensorRepository {
	return &MongoSensorRepository{
		sensors: db.Collection(sensorCollection),
		logger:  logger,
	}
}

func (r *MongoSensorRepository) GetAllSensors(ctx context.Context) ([]models.Sensor, error) {
	cursor, err := r.sensors.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find sensors: %w", err)
	}
	defer cursor.Close(ctx)

	var sensors []models.Sensor
	for cursor.Next(ctx) {
		var doc sensorDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode sensor: %w", err)
		}

		sensor, err := doc.toModel()
		if err != nil {
			// A handful of bad documents must not block the reload.
			r.logger.Warn("skipping malformed sensor document", "id", doc.ID.Hex(), "error", err)
			continue
		}
		sensors = append(sensors, sensor)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	return sensors, nil
}

func (r *MongoSensorRepository) GetSensorByID(ctx context.Context, id primitive.ObjectID) (*models.Sensor, error) {
	var doc sensorDocument
	err := r.sensors.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find sensor %s: %w", id.Hex(), err)
	}

	sensor, err := doc.toModel()
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", id.Hex(), err)
	}
	return &sensor, nil
}

func (d *sensorDocument) toModel() (models.Sensor, error) {
	owner, err := uuid.Parse(d.Owner)
	if err != nil {
		return models.Sensor{}, fmt.Errorf("parse owner: %w", err)
	}

	return models.Sensor{
		ID:     d.ID,
		Owner:  owner,
		Secret: d.Secret,
	}, nil
}
