package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// providerRepo implements ProviderRepository. Minimal per spec.md §3.9 —
// no outbound registration logic lives here yet.
type providerRepo struct {
	db *DB
}

// NewProviderRepository creates a new ProviderRepository.
func NewProviderRepository(db *DB) ProviderRepository {
	return &providerRepo{db: db}
}

// Create inserts a new external trunking peer.
func (r *providerRepo) Create(ctx context.Context, p *models.Provider) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO providers (contact_uri, auth_name, secret, display, registration_id, created_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		p.ContactURI, p.AuthName, p.Secret, p.Display, p.RegistrationID,
	)
	if err != nil {
		return fmt.Errorf("inserting provider: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// GetByID returns a provider by ID.
func (r *providerRepo) GetByID(ctx context.Context, id int64) (*models.Provider, error) {
	var p models.Provider
	err := r.db.QueryRowContext(ctx,
		`SELECT id, contact_uri, auth_name, secret, display, registration_id, created_at
		 FROM providers WHERE id = ?`, id,
	).Scan(&p.ID, &p.ContactURI, &p.AuthName, &p.Secret, &p.Display, &p.RegistrationID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return &p, nil
}

// List returns all providers.
func (r *providerRepo) List(ctx context.Context) ([]models.Provider, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, contact_uri, auth_name, secret, display, registration_id, created_at
		 FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var ps []models.Provider
	for rows.Next() {
		var p models.Provider
		if err := rows.Scan(&p.ID, &p.ContactURI, &p.AuthName, &p.Secret, &p.Display,
			&p.RegistrationID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning provider row: %w", err)
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// Delete removes a provider by ID.
func (r *providerRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}
	return nil
}
