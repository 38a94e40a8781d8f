// Package repositories implements the authoritative metadata stores: user
// and API key lookups against PostgreSQL, sensor lookups against MongoDB.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/sensate-iot/authgw/internal/models"
)

// PgUserRepository reads users from PostgreSQL.
type PgUserRepository struct {
	db *sql.DB
}

func NewPgUserRepository(db *sql.DB) *PgUserRepository {
	return &PgUserRepository{db: db}
}

const selectAllUsers = `SELECT id, banned, billing_lockout FROM users`
const selectUserByID = `SELECT id, banned, billing_lockout FROM users WHERE id = $1`

func (r *PgUserRepository) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, selectAllUsers)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Banned, &u.BillingLockout); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *PgUserRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx, selectUserByID, id).Scan(&u.ID, &u.Banned, &u.BillingLockout)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, err)
	}
	return &u, nil
}

// PgApiKeyRepository reads sensor API keys from PostgreSQL.
type PgApiKeyRepository struct {
	db *sql.DB
}

func NewPgApiKeyRepository(db *sql.DB) *PgApiKeyRepository {
	return &PgApiKeyRepository{db: db}
}

const selectAllKeys = `SELECT key, revoked FROM api_keys`
const selectKey = `SELECT key, revoked FROM api_keys WHERE key = $1`

func (r *PgApiKeyRepository) GetAllKeys(ctx context.Context) ([]models.ApiKey, error) {
	rows, err := r.db.QueryContext(ctx, selectAllKeys)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.ApiKey
	for rows.Next() {
		var k models.ApiKey
		if err := rows.Scan(&k.Key, &k.Revoked); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

func (r *PgApiKeyRepository) GetKey(ctx context.Context, key string) (*models.ApiKey, error) {
	var k models.ApiKey
	err := r.db.QueryRowContext(ctx, selectKey, key).Scan(&k.Key, &k.Revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &k, nil
}
