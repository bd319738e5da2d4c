package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/outbox"
)

// AppendNotification writes the outbox row inside the caller's transaction.
func (r *Repository) AppendNotification(ctx context.Context, n domain.Notification) error {
	rec, err := outbox.NewRecord(n)
	if err != nil {
		return err
	}
	return r.InsertOutbox(ctx, rec)
}

func (r *Repository) InsertOutbox(ctx context.Context, record outbox.Record) error {
	_, err := r.exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6, $7)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey, record.CreatedAt)
	return errors.Wrap(err, "insert outbox")
}

func (r *Repository) GetUnpublishedOutbox(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := r.query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, rec outbox.Record, publishedAt time.Time) error {
	_, err := r.exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1 AND status = 'NEW'
	`, rec.ID, publishedAt)
	return errors.Wrap(err, "mark outbox published")
}
