package database

import (
	"context"
	"fmt"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// rosterRepo implements RosterRepository.
type rosterRepo struct {
	db *DB
}

// NewRosterRepository creates a new RosterRepository.
func NewRosterRepository(db *DB) RosterRepository {
	return &rosterRepo{db: db}
}

// Select runs the §4.4 roster-selection query: original_source's
// Database::sendRoster joins "Extensions,Authorize WHERE Extensions.name =
// Authorize.name ORDER BY Extensions.number" — our schema names that join
// column auth_name instead of name, so the join condition follows suit.
// The display fallback chain (extension display, then authorize full
// name, then auth name) mirrors sendRoster's own display/fullname/name
// cascade.
func (r *rosterRepo) Select(ctx context.Context) ([]models.RosterRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT extensions.auth_name, extensions.number,
		        CASE WHEN extensions.display <> '' THEN extensions.display
		             WHEN authorize.full_name <> '' THEN authorize.full_name
		             ELSE extensions.auth_name END,
		        authorize.type
		 FROM extensions
		 JOIN authorize ON extensions.auth_name = authorize.auth_name
		 ORDER BY extensions.number`)
	if err != nil {
		return nil, fmt.Errorf("querying roster: %w", err)
	}
	defer rows.Close()

	var out []models.RosterRow
	for rows.Next() {
		var row models.RosterRow
		if err := rows.Scan(&row.AuthName, &row.Number, &row.Display, &row.Type); err != nil {
			return nil, fmt.Errorf("scanning roster row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
