package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// configRepo implements ConfigRepository against the single-row Config
// table and the per-startup Switches identity row.
type configRepo struct {
	db *DB
}

// NewConfigRepository creates a new ConfigRepository.
func NewConfigRepository(db *DB) ConfigRepository {
	return &configRepo{db: db}
}

// Get returns the single Config row, or nil if the server has never been
// provisioned with a realm/dialing plan.
func (r *configRepo) Get(ctx context.Context) (*models.Config, error) {
	var c models.Config
	err := r.db.QueryRowContext(ctx,
		`SELECT realm, dialing, uuid, version, first_number, last_number,
		 expires_nat, expires_udp, expires_tcp FROM config WHERE id = 1`,
	).Scan(&c.Realm, &c.Dialing, &c.UUID, &c.Version, &c.FirstNumber, &c.LastNumber,
		&c.ExpiresNat, &c.ExpiresUdp, &c.ExpiresTcp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}
	return &c, nil
}

// Set upserts the single Config row.
func (r *configRepo) Set(ctx context.Context, cfg *models.Config) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO config (id, realm, dialing, uuid, version, first_number, last_number,
		 expires_nat, expires_udp, expires_tcp)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   realm = excluded.realm, dialing = excluded.dialing,
		   uuid = excluded.uuid, version = excluded.version,
		   first_number = excluded.first_number, last_number = excluded.last_number,
		   expires_nat = excluded.expires_nat, expires_udp = excluded.expires_udp,
		   expires_tcp = excluded.expires_tcp`,
		cfg.Realm, cfg.Dialing, cfg.UUID, cfg.Version, cfg.FirstNumber, cfg.LastNumber,
		cfg.ExpiresNat, cfg.ExpiresUdp, cfg.ExpiresTcp,
	)
	if err != nil {
		return fmt.Errorf("setting config: %w", err)
	}
	return nil
}

// PutSwitches records the running instance's identity, overwriting the
// single Switches row on every server start.
func (r *configRepo) PutSwitches(ctx context.Context, sw *models.Switches) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO switches (id, uuid, version)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET uuid = excluded.uuid, version = excluded.version`,
		sw.UUID, sw.Version,
	)
	if err != nil {
		return fmt.Errorf("setting switches: %w", err)
	}
	return nil
}
