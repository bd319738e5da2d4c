// Package memory is a process-local issuance store. Transactions are
// serialized behind one mutex and writes are staged until commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/outbox"
)

type ticketKey struct {
	eventID uint64
	holder  domain.Identity
}

type state struct {
	registry *domain.Registry
	events   map[uint64]domain.Event
	tickets  map[ticketKey]domain.Ticket
	outbox   []outbox.Record
}

type Store struct {
	mu        sync.Mutex
	base      state
	ticketIDs map[uuid.UUID]ticketKey
}

func NewStore() *Store {
	return &Store{
		base: state{
			events:  map[uint64]domain.Event{},
			tickets: map[ticketKey]domain.Ticket{},
		},
		ticketIDs: map[uuid.UUID]ticketKey{},
	}
}

type txKey struct{}

type tx struct {
	registry *domain.Registry
	events   map[uint64]domain.Event
	tickets  map[ticketKey]domain.Ticket
	outbox   []outbox.Record
}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{events: map[uint64]domain.Event{}, tickets: map[ticketKey]domain.Ticket{}}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	if t.registry != nil {
		reg := *t.registry
		s.base.registry = &reg
	}
	for id, e := range t.events {
		s.base.events[id] = e
	}
	for k, ticket := range t.tickets {
		s.base.tickets[k] = ticket
		s.ticketIDs[ticket.ID] = k
	}
	s.base.outbox = append(s.base.outbox, t.outbox...)
	return nil
}

// read runs fn with the lock held unless ctx already belongs to a transaction,
// whose goroutine holds it.
func (s *Store) read(ctx context.Context, fn func(t *tx)) {
	t := txFromContext(ctx)
	if t == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn(t)
}

func (s *Store) write(ctx context.Context, fn func(t *tx) error) error {
	if t := txFromContext(ctx); t != nil {
		return fn(t)
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		return fn(txFromContext(ctx))
	})
}

func (s *Store) lookupRegistry(t *tx) *domain.Registry {
	if t != nil && t.registry != nil {
		return t.registry
	}
	return s.base.registry
}

func (s *Store) lookupEvent(t *tx, id uint64) (domain.Event, bool) {
	if t != nil {
		if e, ok := t.events[id]; ok {
			return e, true
		}
	}
	e, ok := s.base.events[id]
	return e, ok
}

func (s *Store) lookupTicket(t *tx, k ticketKey) (domain.Ticket, bool) {
	if t != nil {
		if ticket, ok := t.tickets[k]; ok {
			return ticket, true
		}
	}
	ticket, ok := s.base.tickets[k]
	return ticket, ok
}

func (s *Store) CreateRegistry(ctx context.Context, reg domain.Registry) error {
	return s.write(ctx, func(t *tx) error {
		if s.lookupRegistry(t) != nil {
			return domain.ErrAlreadyInitialized
		}
		t.registry = &reg
		return nil
	})
}

func (s *Store) GetRegistry(ctx context.Context) (domain.Registry, error) {
	var (
		reg domain.Registry
		err error
	)
	s.read(ctx, func(t *tx) {
		r := s.lookupRegistry(t)
		if r == nil {
			err = domain.ErrRegistryNotInitialized
			return
		}
		reg = *r
	})
	return reg, err
}

func (s *Store) GetRegistryForUpdate(ctx context.Context) (domain.Registry, error) {
	return s.GetRegistry(ctx)
}

func (s *Store) SaveRegistry(ctx context.Context, reg domain.Registry) error {
	return s.write(ctx, func(t *tx) error {
		if s.lookupRegistry(t) == nil {
			return domain.ErrRegistryNotInitialized
		}
		t.registry = &reg
		return nil
	})
}

func (s *Store) CreateEvent(ctx context.Context, event domain.Event) error {
	return s.write(ctx, func(t *tx) error {
		if _, exists := s.lookupEvent(t, event.ID); exists {
			return domain.ErrInvalidInput
		}
		t.events[event.ID] = event
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, id uint64) (domain.Event, error) {
	var (
		event domain.Event
		ok    bool
	)
	s.read(ctx, func(t *tx) {
		event, ok = s.lookupEvent(t, id)
	})
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Store) GetEventForUpdate(ctx context.Context, id uint64) (domain.Event, error) {
	return s.GetEvent(ctx, id)
}

func (s *Store) SaveEvent(ctx context.Context, event domain.Event) error {
	return s.write(ctx, func(t *tx) error {
		if _, exists := s.lookupEvent(t, event.ID); !exists {
			return domain.ErrEventNotFound
		}
		t.events[event.ID] = event
		return nil
	})
}

func (s *Store) CreateTicket(ctx context.Context, ticket domain.Ticket) error {
	k := ticketKey{eventID: ticket.EventID, holder: ticket.Holder}
	return s.write(ctx, func(t *tx) error {
		if _, exists := s.lookupTicket(t, k); exists {
			return domain.ErrDuplicateTicket
		}
		t.tickets[k] = ticket
		return nil
	})
}

func (s *Store) GetTicket(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	var (
		ticket domain.Ticket
		ok     bool
	)
	s.read(ctx, func(t *tx) {
		ticket, ok = s.lookupTicket(t, ticketKey{eventID: eventID, holder: holder})
	})
	if !ok {
		return domain.Ticket{}, domain.ErrInvalidTicket
	}
	return ticket, nil
}

func (s *Store) GetTicketForUpdate(ctx context.Context, eventID uint64, holder domain.Identity) (domain.Ticket, error) {
	return s.GetTicket(ctx, eventID, holder)
}

func (s *Store) GetTicketByID(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	var (
		ticket domain.Ticket
		ok     bool
	)
	s.read(ctx, func(t *tx) {
		if t != nil {
			for _, staged := range t.tickets {
				if staged.ID == id {
					ticket, ok = staged, true
					return
				}
			}
		}
		k, found := s.ticketIDs[id]
		if !found {
			return
		}
		ticket, ok = s.lookupTicket(t, k)
	})
	if !ok {
		return domain.Ticket{}, domain.ErrInvalidTicket
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, eventID uint64) ([]domain.Ticket, error) {
	var out []domain.Ticket
	s.read(ctx, func(t *tx) {
		seen := map[ticketKey]bool{}
		if t != nil {
			for k, ticket := range t.tickets {
				if k.eventID == eventID {
					out = append(out, ticket)
					seen[k] = true
				}
			}
		}
		for k, ticket := range s.base.tickets {
			if k.eventID == eventID && !seen[k] {
				out = append(out, ticket)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].Holder < out[j].Holder
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

func (s *Store) SaveTicket(ctx context.Context, ticket domain.Ticket) error {
	k := ticketKey{eventID: ticket.EventID, holder: ticket.Holder}
	return s.write(ctx, func(t *tx) error {
		if _, exists := s.lookupTicket(t, k); !exists {
			return domain.ErrInvalidTicket
		}
		t.tickets[k] = ticket
		return nil
	})
}

func (s *Store) AppendNotification(ctx context.Context, n domain.Notification) error {
	rec, err := outbox.NewRecord(n)
	if err != nil {
		return err
	}
	return s.write(ctx, func(t *tx) error {
		t.outbox = append(t.outbox, rec)
		return nil
	})
}

func (s *Store) GetUnpublishedOutbox(_ context.Context, limit int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Record
	for _, rec := range s.base.outbox {
		if rec.Status != outbox.StatusNew {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, rec outbox.Record, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.base.outbox {
		if s.base.outbox[i].ID == rec.ID {
			at := publishedAt
			s.base.outbox[i].Status = outbox.StatusPublished
			s.base.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return domain.ErrInvalidInput
}
