package services

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sensate-iot/authgw/internal/models"
)

// The service reads metadata through these interfaces; the concrete
// Postgres and MongoDB implementations live in internal/repositories.
// Lookups that find nothing return (nil, nil).

type UserRepository interface {
	GetAllUsers(ctx context.Context) ([]models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type ApiKeyRepository interface {
	GetAllKeys(ctx context.Context) ([]models.ApiKey, error)
	GetKey(ctx context.Context, key string) (*models.ApiKey, error)
}

type SensorRepository interface {
	GetAllSensors(ctx context.Context) ([]models.Sensor, error)
	GetSensorByID(ctx context.Context, id primitive.ObjectID) (*models.Sensor, error)
}
