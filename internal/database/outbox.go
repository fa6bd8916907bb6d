package database

import (
	"context"
	"fmt"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// outboxRepo implements OutboxRepository.
type outboxRepo struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *DB) OutboxRepository {
	return &outboxRepo{db: db}
}

// Enqueue persists a message for an endpoint that was offline when it was
// sent, to be delivered on the endpoint's next successful registration.
func (r *outboxRepo) Enqueue(ctx context.Context, msg *models.Outbox) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO outbox (endpoint_id, message_id, originator, subject, posted, sequence, content_type, body)
		 VALUES (?, ?, ?, ?, datetime('now'), ?, ?, ?)`,
		msg.EndpointID, msg.MessageID, msg.Originator, msg.Subject, msg.Sequence, msg.ContentType, msg.Body,
	)
	if err != nil {
		return fmt.Errorf("enqueuing outbox message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListByEndpoint returns all queued messages for an endpoint, oldest first.
func (r *outboxRepo) ListByEndpoint(ctx context.Context, endpointID int64) ([]models.Outbox, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, endpoint_id, message_id, originator, subject, posted, sequence, content_type, body
		 FROM outbox WHERE endpoint_id = ? ORDER BY posted, sequence, id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var msgs []models.Outbox
	for rows.Next() {
		var m models.Outbox
		if err := rows.Scan(&m.ID, &m.EndpointID, &m.MessageID, &m.Originator,
			&m.Subject, &m.Posted, &m.Sequence, &m.ContentType, &m.Body); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteByID removes a single queued message, called after successful
// re-delivery.
func (r *outboxRepo) DeleteByID(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting outbox message: %w", err)
	}
	return nil
}

// DeleteByEndpoint drops every queued message for an endpoint in one pass.
func (r *outboxRepo) DeleteByEndpoint(ctx context.Context, endpointID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return fmt.Errorf("deleting outbox for endpoint: %w", err)
	}
	return nil
}

// CopyFromOrigin duplicates every row queued against originEndpointID onto
// newEndpointID. Grounded on original_source/Database/authorize.cpp's
// copyOutboxes signal, fired the first time a device registers under a
// real label after previously registering anonymously under "NONE".
func (r *outboxRepo) CopyFromOrigin(ctx context.Context, originEndpointID, newEndpointID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO outbox (endpoint_id, message_id, originator, subject, posted, sequence, content_type, body)
		 SELECT ?, message_id, originator, subject, posted, sequence, content_type, body
		 FROM outbox WHERE endpoint_id = ?`,
		newEndpointID, originEndpointID,
	)
	if err != nil {
		return fmt.Errorf("copying outbox from origin endpoint: %w", err)
	}
	return nil
}
