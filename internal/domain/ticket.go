package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus uint8

const (
	TicketUnclaimed TicketStatus = iota
	TicketClaimed
)

func (s TicketStatus) String() string {
	switch s {
	case TicketUnclaimed:
		return "UNCLAIMED"
	case TicketClaimed:
		return "CLAIMED"
	default:
		return "UNKNOWN"
	}
}

func ParseTicketStatus(s string) (TicketStatus, error) {
	switch s {
	case "UNCLAIMED":
		return TicketUnclaimed, nil
	case "CLAIMED":
		return TicketClaimed, nil
	default:
		return 0, ErrInvalidInput
	}
}

func (s TicketStatus) MarshalText() ([]byte, error) {
	if s != TicketUnclaimed && s != TicketClaimed {
		return nil, ErrInvalidInput
	}
	return []byte(s.String()), nil
}

func (s *TicketStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseTicketStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Ticket binds one holder to one event. (EventID, Holder) is unique.
type Ticket struct {
	ID        uuid.UUID    `json:"id"`
	EventID   uint64       `json:"event_id"`
	Holder    Identity     `json:"holder"`
	Status    TicketStatus `json:"status"`
	IssuedAt  time.Time    `json:"issued_at"`
	ClaimedAt *time.Time   `json:"claimed_at,omitempty"`
}

func NewTicket(eventID uint64, holder Identity, now time.Time) Ticket {
	return Ticket{
		ID:       uuid.New(),
		EventID:  eventID,
		Holder:   holder,
		Status:   TicketUnclaimed,
		IssuedAt: Timestamp(now),
	}
}

// Claim moves the ticket to its terminal state.
func (t *Ticket) Claim(caller Identity, now time.Time) error {
	if caller.Empty() || caller != t.Holder {
		return ErrUnauthorized
	}
	if t.Status != TicketUnclaimed {
		return ErrAlreadyClaimed
	}
	t.Status = TicketClaimed
	claimedAt := Timestamp(now)
	t.ClaimedAt = &claimedAt
	return nil
}
