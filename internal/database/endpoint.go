package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// endpointRepo implements EndpointRepository.
type endpointRepo struct {
	db *DB
}

// NewEndpointRepository creates a new EndpointRepository.
func NewEndpointRepository(db *DB) EndpointRepository {
	return &endpointRepo{db: db}
}

// Create inserts a new endpoint for an (extension, label) pair.
func (r *endpointRepo) Create(ctx context.Context, ep *models.Endpoint) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO endpoints (extension, label, device_key, created_at)
		 VALUES (?, ?, ?, datetime('now'))`,
		ep.Extension, ep.Label, ep.DeviceKey,
	)
	if err != nil {
		return fmt.Errorf("inserting endpoint: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ep.ID = id
	return nil
}

// GetByExtensionAndLabel returns the endpoint bound to (extension, label),
// or nil if no such row has been provisioned yet.
func (r *endpointRepo) GetByExtensionAndLabel(ctx context.Context, extension int, label string) (*models.Endpoint, error) {
	var e models.Endpoint
	err := r.db.QueryRowContext(ctx,
		`SELECT id, extension, label, device_key, last_online, created_at
		 FROM endpoints WHERE extension = ? AND label = ?`, extension, label,
	).Scan(&e.ID, &e.Extension, &e.Label, &e.DeviceKey, &e.LastOnline, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying endpoint: %w", err)
	}
	return &e, nil
}

// GetByID returns an endpoint by its row ID.
func (r *endpointRepo) GetByID(ctx context.Context, id int64) (*models.Endpoint, error) {
	var e models.Endpoint
	err := r.db.QueryRowContext(ctx,
		`SELECT id, extension, label, device_key, last_online, created_at
		 FROM endpoints WHERE id = ?`, id,
	).Scan(&e.ID, &e.Extension, &e.Label, &e.DeviceKey, &e.LastOnline, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying endpoint: %w", err)
	}
	return &e, nil
}

// TouchLastOnline stamps the endpoint's last-seen time to now, called on
// every successful registration.
func (r *endpointRepo) TouchLastOnline(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE endpoints SET last_online = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touching endpoint: %w", err)
	}
	return nil
}

// Delete removes an endpoint by ID.
func (r *endpointRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting endpoint: %w", err)
	}
	return nil
}
