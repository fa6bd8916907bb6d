package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// authorizeRepo implements AuthorizeRepository.
type authorizeRepo struct {
	db *DB
}

// NewAuthorizeRepository creates a new AuthorizeRepository.
func NewAuthorizeRepository(db *DB) AuthorizeRepository {
	return &authorizeRepo{db: db}
}

// Create inserts a new authorizable identity.
func (r *authorizeRepo) Create(ctx context.Context, auth *models.Authorize) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO authorize (auth_name, realm, algorithm, secret, full_name, type, access, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		auth.AuthName, auth.Realm, auth.Algorithm, auth.Secret, auth.FullName, auth.Type, auth.Access,
	)
	if err != nil {
		return fmt.Errorf("inserting authorize: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	auth.ID = id
	return nil
}

// GetByAuthName returns the authorizable identity for a SIP auth-user-id.
func (r *authorizeRepo) GetByAuthName(ctx context.Context, authName string) (*models.Authorize, error) {
	var a models.Authorize
	err := r.db.QueryRowContext(ctx,
		`SELECT id, auth_name, realm, algorithm, secret, full_name, type, access, created_at, updated_at
		 FROM authorize WHERE auth_name = ?`, authName,
	).Scan(&a.ID, &a.AuthName, &a.Realm, &a.Algorithm, &a.Secret, &a.FullName, &a.Type, &a.Access, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorize: %w", err)
	}
	return &a, nil
}

// List returns all authorizable identities.
func (r *authorizeRepo) List(ctx context.Context) ([]models.Authorize, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, auth_name, realm, algorithm, secret, full_name, type, access, created_at, updated_at
		 FROM authorize ORDER BY auth_name`)
	if err != nil {
		return nil, fmt.Errorf("querying authorize: %w", err)
	}
	defer rows.Close()

	var auths []models.Authorize
	for rows.Next() {
		var a models.Authorize
		if err := rows.Scan(&a.ID, &a.AuthName, &a.Realm, &a.Algorithm, &a.Secret,
			&a.FullName, &a.Type, &a.Access, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning authorize row: %w", err)
		}
		auths = append(auths, a)
	}
	return auths, rows.Err()
}

// Update modifies an existing authorizable identity.
func (r *authorizeRepo) Update(ctx context.Context, auth *models.Authorize) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE authorize SET auth_name = ?, realm = ?, algorithm = ?, secret = ?,
		 full_name = ?, type = ?, access = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		auth.AuthName, auth.Realm, auth.Algorithm, auth.Secret, auth.FullName, auth.Type, auth.Access, auth.ID,
	)
	if err != nil {
		return fmt.Errorf("updating authorize: %w", err)
	}
	return nil
}

// Delete removes an authorizable identity by ID.
func (r *authorizeRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM authorize WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting authorize: %w", err)
	}
	return nil
}
