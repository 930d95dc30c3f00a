package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medshare/medshare/internal/platform/db"
)

type pgOutbox struct{ pool *pgxpool.Pool }

func NewPGOutbox(pool *pgxpool.Pool) Outbox {
	return &pgOutbox{pool: pool}
}

func (o *pgOutbox) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, o.pool)
}

func (o *pgOutbox) Enqueue(ctx context.Context, m *Message) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	m.ID = uuid.New()
	return o.conn(ctx).QueryRow(ctx, `
		INSERT INTO notification_outbox (id, recipient, template_id, subject, body, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING status, created_at`,
		m.ID, m.Recipient, m.TemplateID, m.Subject, m.Body, meta,
	).Scan(&m.Status, &m.CreatedAt)
}

func (o *pgOutbox) ListForRecipient(ctx context.Context, recipient string, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := o.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_outbox WHERE recipient = $1`, recipient,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := o.conn(ctx).Query(ctx, `
		SELECT id, recipient, template_id, subject, body, metadata, status, created_at
		FROM notification_outbox
		WHERE recipient = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, recipient, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		var m Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.Recipient, &m.TemplateID, &m.Subject, &m.Body, &meta, &m.Status, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
			}
		}
		items = append(items, &m)
	}
	return items, total, rows.Err()
}
