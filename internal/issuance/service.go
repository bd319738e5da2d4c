package issuance

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OpInitRegistry = "init_registry"
	OpCreateEvent  = "create_event"
	OpIssueTicket  = "issue_ticket"
	OpClaimTicket  = "claim_ticket"
	OpUpdateEvent  = "update_event"
)

// Service implements the issuance state machine. Every mutating operation is a
// single store transaction: all checks run before the first write and any
// error rolls the whole operation back.
type Service struct {
	store  Store
	clock  clock.Clock
	logger observability.Logger
	tracer trace.Tracer
}

func NewService(store Store, clk clock.Clock, logger observability.Logger) *Service {
	return &Service{
		store:  store,
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer("parchi/issuance"),
	}
}

func (s *Service) InitRegistry(ctx context.Context, caller domain.Identity) (reg domain.Registry, err error) {
	ctx, end := s.begin(ctx, OpInitRegistry, caller)
	defer func() { end(err) }()

	reg, err = domain.NewRegistry(caller)
	if err != nil {
		return domain.Registry{}, err
	}
	if err := s.store.WithTx(ctx, func(ctx context.Context) error {
		return s.store.CreateRegistry(ctx, reg)
	}); err != nil {
		return domain.Registry{}, err
	}
	return reg, nil
}

func (s *Service) CreateEvent(ctx context.Context, caller domain.Identity, params domain.EventParams) (event domain.Event, err error) {
	ctx, end := s.begin(ctx, OpCreateEvent, caller)
	defer func() { end(err) }()

	if caller.Empty() {
		return domain.Event{}, domain.ErrUnauthorized
	}
	if err := params.Validate(); err != nil {
		return domain.Event{}, err
	}

	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		reg, err := s.store.GetRegistryForUpdate(ctx)
		if err != nil {
			return err
		}
		id, err := reg.AssignEventID()
		if err != nil {
			return err
		}
		created, err := domain.NewEvent(id, caller, params, now)
		if err != nil {
			return err
		}
		if err := s.store.CreateEvent(ctx, created); err != nil {
			return err
		}
		if err := s.store.SaveRegistry(ctx, reg); err != nil {
			return err
		}
		if err := s.store.AppendNotification(ctx, domain.NewEventNotification(domain.NotificationEventCreated, created, now)); err != nil {
			return err
		}
		event = created
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}

	observability.EventsCreated.Inc()
	s.logger.WithField("event_id", event.ID).WithField("organizer", caller).Info("event created")
	return event, nil
}

// IssueTicket mints a ticket for the caller. The duplicate check, the capacity
// check and both writes happen under the event row lock.
func (s *Service) IssueTicket(ctx context.Context, caller domain.Identity, eventID uint64) (ticket domain.Ticket, err error) {
	ctx, end := s.begin(ctx, OpIssueTicket, caller, attribute.String("event.id", strconv.FormatUint(eventID, 10)))
	defer func() { end(err) }()

	if caller.Empty() {
		return domain.Ticket{}, domain.ErrUnauthorized
	}

	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		event, err := s.store.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if _, err := s.store.GetTicket(ctx, eventID, caller); err == nil {
			return domain.ErrDuplicateTicket
		} else if !errors.Is(err, domain.ErrInvalidTicket) {
			return err
		}
		if err := event.Issue(now); err != nil {
			return err
		}

		issued := domain.NewTicket(eventID, caller, now)
		if err := s.store.CreateTicket(ctx, issued); err != nil {
			return err
		}
		if err := s.store.SaveEvent(ctx, event); err != nil {
			return err
		}
		if err := s.store.AppendNotification(ctx, domain.NewTicketNotification(domain.NotificationTicketIssued, event, issued, now)); err != nil {
			return err
		}
		ticket = issued
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	observability.TicketsIssued.Inc()
	s.logger.WithField("event_id", eventID).WithField("holder", caller).Info("ticket issued")
	return ticket, nil
}

// ClaimTicket marks the caller's ticket for the event as claimed.
func (s *Service) ClaimTicket(ctx context.Context, caller domain.Identity, eventID uint64) (ticket domain.Ticket, err error) {
	ctx, end := s.begin(ctx, OpClaimTicket, caller, attribute.String("event.id", strconv.FormatUint(eventID, 10)))
	defer func() { end(err) }()

	if caller.Empty() {
		return domain.Ticket{}, domain.ErrUnauthorized
	}

	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		event, err := s.store.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		t, err := s.store.GetTicketForUpdate(ctx, eventID, caller)
		if err != nil {
			return err
		}
		if err := t.Claim(caller, now); err != nil {
			return err
		}
		if err := s.store.SaveTicket(ctx, t); err != nil {
			return err
		}
		if err := s.store.AppendNotification(ctx, domain.NewTicketNotification(domain.NotificationTicketClaimed, event, t, now)); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	observability.TicketsClaimed.Inc()
	return ticket, nil
}

func (s *Service) UpdateEvent(ctx context.Context, caller domain.Identity, eventID uint64, update domain.EventUpdate) (event domain.Event, err error) {
	ctx, end := s.begin(ctx, OpUpdateEvent, caller, attribute.String("event.id", strconv.FormatUint(eventID, 10)))
	defer func() { end(err) }()

	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.store.GetEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if err := current.Authorize(caller); err != nil {
			return err
		}
		if err := current.Apply(update, now); err != nil {
			return err
		}
		if err := s.store.SaveEvent(ctx, current); err != nil {
			return err
		}
		if err := s.store.AppendNotification(ctx, domain.NewEventNotification(domain.NotificationEventUpdated, current, now)); err != nil {
			return err
		}
		event = current
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

func (s *Service) GetRegistry(ctx context.Context) (domain.Registry, error) {
	return s.store.GetRegistry(ctx)
}

func (s *Service) GetEvent(ctx context.Context, eventID uint64) (domain.Event, error) {
	return s.store.GetEvent(ctx, eventID)
}

func (s *Service) GetTicket(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	return s.store.GetTicket(ctx, eventID, holder)
}

func (s *Service) GetTicketByID(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return s.store.GetTicketByID(ctx, id)
}

// ListTickets is restricted to the event organizer.
func (s *Service) ListTickets(ctx context.Context, caller domain.Identity, eventID uint64) ([]domain.Ticket, error) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := event.Authorize(caller); err != nil {
		return nil, err
	}
	return s.store.ListTickets(ctx, eventID)
}

func (s *Service) begin(ctx context.Context, op string, caller domain.Identity, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("caller", caller.String()))
	ctx, span := s.tracer.Start(ctx, "issuance."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		defer span.End()
		if err == nil {
			return
		}
		category := domain.Classify(err)
		observability.OperationsRejected.WithLabelValues(op, string(category)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(category))
		if category == domain.CategoryInternal || category == domain.CategoryTransient {
			s.logger.WithField("operation", op).WithError(err).Error("issuance operation failed")
		}
	}
}
