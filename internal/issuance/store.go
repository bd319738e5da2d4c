package issuance

import (
	"context"

	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/domain"
)

// Store is the durable keyed storage the issuance core runs on.
//
// Every method called with a context produced by WithTx joins that
// transaction. Create methods enforce key uniqueness: CreateRegistry fails
// with domain.ErrAlreadyInitialized and CreateTicket with
// domain.ErrDuplicateTicket when the key is taken. The ForUpdate reads take a
// write lock on the row for the rest of the transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateRegistry(ctx context.Context, reg domain.Registry) error
	GetRegistry(ctx context.Context) (domain.Registry, error)
	GetRegistryForUpdate(ctx context.Context) (domain.Registry, error)
	SaveRegistry(ctx context.Context, reg domain.Registry) error

	CreateEvent(ctx context.Context, event domain.Event) error
	GetEvent(ctx context.Context, id uint64) (domain.Event, error)
	GetEventForUpdate(ctx context.Context, id uint64) (domain.Event, error)
	SaveEvent(ctx context.Context, event domain.Event) error

	CreateTicket(ctx context.Context, ticket domain.Ticket) error
	GetTicket(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error)
	GetTicketForUpdate(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error)
	GetTicketByID(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	ListTickets(ctx context.Context, eventID uint64) ([]domain.Ticket, error)
	SaveTicket(ctx context.Context, ticket domain.Ticket) error

	// AppendNotification records a notification for asynchronous delivery.
	AppendNotification(ctx context.Context, n domain.Notification) error
}
