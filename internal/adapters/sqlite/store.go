// Package sqlite provides a single-file issuance store for development and
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/adapters/sqlite/migrations"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/outbox"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

type Store struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// One connection keeps every transaction serial.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate executes each embedded migration at most once.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return errors.Wrap(err, "ensure migration table")
	}

	for _, file := range files {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&count); err != nil {
			return errors.Wrapf(err, "check migration %s", file)
		}
		if count > 0 {
			continue
		}
		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", file)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "begin migration %s", file)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "exec migration %s", file)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "record migration %s", file)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", file)
		}
	}
	return nil
}

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn in a write transaction. Nested calls join the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	start := time.Now()
	defer func() {
		observability.DBTxDuration.WithLabelValues("sqlite").Observe(time.Since(start).Seconds())
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapBusy(errors.Wrap(err, "begin tx"))
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return mapBusy(err)
	}
	if err := tx.Commit(); err != nil {
		return mapBusy(errors.Wrap(err, "commit tx"))
	}
	return nil
}

func sqliteCode(err error) int {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// mapBusy reports lock contention the same way CockroachDB reports a
// serialization conflict.
func mapBusy(err error) error {
	switch sqliteCode(err) & 0xff {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return domain.ErrSerializationFailure
	}
	return err
}

func (s *Store) CreateRegistry(ctx context.Context, reg domain.Registry) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO registry (id, authority, next_event_id) VALUES (1, ?, ?)`,
		string(reg.Authority), int64(reg.NextEventID))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyInitialized
		}
		return errors.Wrap(err, "create registry")
	}
	return nil
}

// GetRegistryForUpdate is a plain read: the immediate transaction already
// holds the database write lock.
func (s *Store) GetRegistryForUpdate(ctx context.Context) (domain.Registry, error) {
	return s.GetRegistry(ctx)
}

func (s *Store) GetRegistry(ctx context.Context) (domain.Registry, error) {
	var (
		authority string
		next      int64
	)
	err := s.q(ctx).QueryRowContext(ctx, `SELECT authority, next_event_id FROM registry WHERE id = 1`).Scan(&authority, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Registry{}, domain.ErrRegistryNotInitialized
	}
	if err != nil {
		return domain.Registry{}, errors.Wrap(err, "get registry")
	}
	return domain.Registry{Authority: domain.Identity(authority), NextEventID: uint64(next)}, nil
}

func (s *Store) SaveRegistry(ctx context.Context, reg domain.Registry) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE registry SET next_event_id = ? WHERE id = 1`, int64(reg.NextEventID))
	if err != nil {
		return errors.Wrap(err, "save registry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRegistryNotInitialized
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, e domain.Event) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO events (id, organizer, name, tier, scheduled_at, capacity, issued_count, metadata_uri, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.ID), string(e.Organizer), e.Name, e.Tier.String(), toMillis(e.ScheduledAt),
		int64(e.Capacity), int64(e.IssuedCount), e.MetadataURI, toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrInvalidInput, "event %d already exists", e.ID)
		}
		return errors.Wrap(err, "create event")
	}
	return nil
}

func (s *Store) GetEventForUpdate(ctx context.Context, id uint64) (domain.Event, error) {
	return s.GetEvent(ctx, id)
}

func (s *Store) GetEvent(ctx context.Context, id uint64) (domain.Event, error) {
	var (
		e                                 domain.Event
		eventID, capacity, count          int64
		scheduledAt, createdAt, updatedAt int64
		organizer, tier                   string
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, organizer, name, tier, scheduled_at, capacity, issued_count, metadata_uri, created_at, updated_at
		FROM events WHERE id = ?`, int64(id),
	).Scan(&eventID, &organizer, &e.Name, &tier, &scheduledAt, &capacity, &count, &e.MetadataURI, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "get event %d", id)
	}
	parsed, err := domain.ParseTier(tier)
	if err != nil {
		return domain.Event{}, err
	}
	e.ID = uint64(eventID)
	e.Organizer = domain.Identity(organizer)
	e.Tier = parsed
	e.ScheduledAt = fromMillis(scheduledAt)
	e.Capacity = uint32(capacity)
	e.IssuedCount = uint32(count)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

func (s *Store) SaveEvent(ctx context.Context, e domain.Event) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE events
		SET tier = ?, scheduled_at = ?, capacity = ?, issued_count = ?, metadata_uri = ?, updated_at = ?
		WHERE id = ?`,
		e.Tier.String(), toMillis(e.ScheduledAt), int64(e.Capacity), int64(e.IssuedCount), e.MetadataURI, toMillis(e.UpdatedAt), int64(e.ID))
	if err != nil {
		return errors.Wrapf(err, "save event %d", e.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func (s *Store) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO tickets (id, event_id, holder, status, issued_at, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID.String(), int64(t.EventID), string(t.Holder), t.Status.String(), toMillis(t.IssuedAt), nullableMillis(t.ClaimedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTicket
		}
		return errors.Wrap(err, "create ticket")
	}
	return nil
}

const selectTicket = `SELECT id, event_id, holder, status, issued_at, claimed_at FROM tickets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (domain.Ticket, error) {
	var (
		t                  domain.Ticket
		id, holder, status string
		eventID, issuedAt  int64
		claimedAt          sql.NullInt64
	)
	if err := row.Scan(&id, &eventID, &holder, &status, &issuedAt, &claimedAt); err != nil {
		return domain.Ticket{}, err
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return domain.Ticket{}, errors.Wrapf(err, "ticket id %q", id)
	}
	parsedStatus, err := domain.ParseTicketStatus(status)
	if err != nil {
		return domain.Ticket{}, errors.Wrapf(err, "ticket status %q", status)
	}
	t.ID = parsedID
	t.EventID = uint64(eventID)
	t.Holder = domain.Identity(holder)
	t.Status = parsedStatus
	t.IssuedAt = fromMillis(issuedAt)
	if claimedAt.Valid {
		at := fromMillis(claimedAt.Int64)
		t.ClaimedAt = &at
	}
	return t, nil
}

func (s *Store) getTicket(ctx context.Context, query string, args ...any) (domain.Ticket, error) {
	t, err := scanTicket(s.q(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ticket{}, domain.ErrInvalidTicket
	}
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "get ticket")
	}
	return t, nil
}

func (s *Store) GetTicket(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	return s.getTicket(ctx, selectTicket+` WHERE event_id = ? AND holder = ?`, int64(eventID), string(holder))
}

func (s *Store) GetTicketForUpdate(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	return s.GetTicket(ctx, eventID, holder)
}

func (s *Store) GetTicketByID(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return s.getTicket(ctx, selectTicket+` WHERE id = ?`, id.String())
}

func (s *Store) ListTickets(ctx context.Context, eventID uint64) ([]domain.Ticket, error) {
	rows, err := s.q(ctx).QueryContext(ctx, selectTicket+` WHERE event_id = ? ORDER BY issued_at, holder`, int64(eventID))
	if err != nil {
		return nil, errors.Wrap(err, "list tickets")
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *Store) SaveTicket(ctx context.Context, t domain.Ticket) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tickets SET status = ?, claimed_at = ? WHERE id = ?`,
		t.Status.String(), nullableMillis(t.ClaimedAt), t.ID.String())
	if err != nil {
		return errors.Wrap(err, "save ticket")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidTicket
	}
	return nil
}

func (s *Store) AppendNotification(ctx context.Context, n domain.Notification) error {
	rec, err := outbox.NewRecord(n)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, created_at, status, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.AggregateType, rec.AggregateID, rec.EventType, rec.Payload, toMillis(rec.CreatedAt), rec.Status, rec.DedupeKey)
	return errors.Wrap(err, "insert outbox")
}

func (s *Store) GetUnpublishedOutbox(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var (
			rec       outbox.Record
			id        string
			createdAt int64
		)
		if err := rows.Scan(&id, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &createdAt, &rec.Status, &rec.DedupeKey); err != nil {
			return nil, err
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "outbox id %q", id)
		}
		rec.CreatedAt = fromMillis(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, rec outbox.Record, publishedAt time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE outbox SET status = 'PUBLISHED', published_at = ? WHERE id = ? AND status = 'NEW'`,
		toMillis(publishedAt), rec.ID.String())
	return errors.Wrap(err, "mark outbox published")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
