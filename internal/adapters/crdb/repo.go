package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txKey struct{}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTx runs fn in a SERIALIZABLE transaction carried by the context.
// Nested calls join the outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	start := time.Now()
	defer func() {
		observability.DBTxDuration.WithLabelValues("crdb").Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return mapTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapTxError(errors.Wrap(err, "commit tx"))
	}
	return nil
}

func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return domain.ErrSerializationFailure
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Repository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *Repository) CreateRegistry(ctx context.Context, reg domain.Registry) error {
	result, err := r.exec(ctx, `
		INSERT INTO registry (id, authority, next_event_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`, string(reg.Authority), int64(reg.NextEventID))
	if err != nil {
		return errors.Wrap(err, "create registry")
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAlreadyInitialized
	}
	return nil
}

func (r *Repository) GetRegistry(ctx context.Context) (domain.Registry, error) {
	return r.getRegistry(ctx, `SELECT authority, next_event_id FROM registry WHERE id = 1`)
}

func (r *Repository) GetRegistryForUpdate(ctx context.Context) (domain.Registry, error) {
	return r.getRegistry(ctx, `SELECT authority, next_event_id FROM registry WHERE id = 1 FOR UPDATE`)
}

func (r *Repository) getRegistry(ctx context.Context, sql string) (domain.Registry, error) {
	var (
		authority string
		next      int64
	)
	err := r.queryRow(ctx, sql).Scan(&authority, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Registry{}, domain.ErrRegistryNotInitialized
	}
	if err != nil {
		return domain.Registry{}, errors.Wrap(err, "get registry")
	}
	return domain.Registry{Authority: domain.Identity(authority), NextEventID: uint64(next)}, nil
}

func (r *Repository) SaveRegistry(ctx context.Context, reg domain.Registry) error {
	result, err := r.exec(ctx, `
		UPDATE registry SET next_event_id = $1 WHERE id = 1
	`, int64(reg.NextEventID))
	if err != nil {
		return errors.Wrap(err, "save registry")
	}
	if result.RowsAffected() == 0 {
		return domain.ErrRegistryNotInitialized
	}
	return nil
}

func (r *Repository) CreateEvent(ctx context.Context, e domain.Event) error {
	_, err := r.exec(ctx, `
		INSERT INTO events (id, organizer, name, tier, scheduled_at, capacity, issued_count, metadata_uri, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, int64(e.ID), string(e.Organizer), e.Name, e.Tier.String(), e.ScheduledAt, int64(e.Capacity), int64(e.IssuedCount), e.MetadataURI, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrInvalidInput, "event %d already exists", e.ID)
		}
		return errors.Wrap(err, "create event")
	}
	return nil
}

const selectEvent = `
	SELECT id, organizer, name, tier, scheduled_at, capacity, issued_count, metadata_uri, created_at, updated_at
	FROM events WHERE id = $1`

func (r *Repository) GetEvent(ctx context.Context, id uint64) (domain.Event, error) {
	return r.getEvent(ctx, selectEvent, id)
}

func (r *Repository) GetEventForUpdate(ctx context.Context, id uint64) (domain.Event, error) {
	return r.getEvent(ctx, selectEvent+` FOR UPDATE`, id)
}

func (r *Repository) getEvent(ctx context.Context, sql string, id uint64) (domain.Event, error) {
	e, err := scanEvent(r.queryRow(ctx, sql, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "get event %d", id)
	}
	return e, nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		e                   domain.Event
		id, capacity, count int64
		organizer, tier     string
	)
	if err := row.Scan(&id, &organizer, &e.Name, &tier, &e.ScheduledAt, &capacity, &count, &e.MetadataURI, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return domain.Event{}, err
	}
	parsed, err := domain.ParseTier(tier)
	if err != nil {
		return domain.Event{}, err
	}
	e.ID = uint64(id)
	e.Organizer = domain.Identity(organizer)
	e.Tier = parsed
	e.Capacity = uint32(capacity)
	e.IssuedCount = uint32(count)
	e.ScheduledAt = e.ScheduledAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (r *Repository) SaveEvent(ctx context.Context, e domain.Event) error {
	result, err := r.exec(ctx, `
		UPDATE events
		SET tier = $2, scheduled_at = $3, capacity = $4, issued_count = $5, metadata_uri = $6, updated_at = $7
		WHERE id = $1
	`, int64(e.ID), e.Tier.String(), e.ScheduledAt, int64(e.Capacity), int64(e.IssuedCount), e.MetadataURI, e.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save event %d", e.ID)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *Repository) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.exec(ctx, `
		INSERT INTO tickets (id, event_id, holder, status, issued_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, int64(t.EventID), string(t.Holder), t.Status.String(), t.IssuedAt, t.ClaimedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTicket
		}
		return errors.Wrap(err, "create ticket")
	}
	return nil
}

const selectTicket = `SELECT id, event_id, holder, status, issued_at, claimed_at FROM tickets`

func (r *Repository) GetTicket(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	return r.getTicket(ctx, selectTicket+` WHERE event_id = $1 AND holder = $2`, int64(eventID), string(holder))
}

func (r *Repository) GetTicketForUpdate(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	return r.getTicket(ctx, selectTicket+` WHERE event_id = $1 AND holder = $2 FOR UPDATE`, int64(eventID), string(holder))
}

func (r *Repository) GetTicketByID(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return r.getTicket(ctx, selectTicket+` WHERE id = $1`, id)
}

func (r *Repository) getTicket(ctx context.Context, sql string, args ...any) (domain.Ticket, error) {
	t, err := scanTicket(r.queryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, domain.ErrInvalidTicket
	}
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "get ticket")
	}
	return t, nil
}

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var (
		t              domain.Ticket
		eventID        int64
		holder, status string
	)
	if err := row.Scan(&t.ID, &eventID, &holder, &status, &t.IssuedAt, &t.ClaimedAt); err != nil {
		return domain.Ticket{}, err
	}
	parsed, err := domain.ParseTicketStatus(status)
	if err != nil {
		return domain.Ticket{}, errors.Wrapf(err, "ticket status %q", status)
	}
	t.EventID = uint64(eventID)
	t.Holder = domain.Identity(holder)
	t.Status = parsed
	t.IssuedAt = t.IssuedAt.UTC()
	if t.ClaimedAt != nil {
		at := t.ClaimedAt.UTC()
		t.ClaimedAt = &at
	}
	return t, nil
}

func (r *Repository) ListTickets(ctx context.Context, eventID uint64) ([]domain.Ticket, error) {
	rows, err := r.query(ctx, selectTicket+` WHERE event_id = $1 ORDER BY issued_at, holder`, int64(eventID))
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

// SaveTicket only persists the claim transition; other ticket fields are immutable.
func (r *Repository) SaveTicket(ctx context.Context, t domain.Ticket) error {
	result, err := r.exec(ctx, `
		UPDATE tickets SET status = $2, claimed_at = $3 WHERE id = $1
	`, t.ID, t.Status.String(), t.ClaimedAt)
	if err != nil {
		return errors.Wrap(err, "save ticket")
	}
	if result.RowsAffected() == 0 {
		return domain.ErrInvalidTicket
	}
	return nil
}
