package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotificationEventCreated  NotificationKind = "event.created"
	NotificationEventUpdated  NotificationKind = "event.updated"
	NotificationTicketIssued  NotificationKind = "ticket.issued"
	NotificationTicketClaimed NotificationKind = "ticket.claimed"
)

// Notification is emitted for external observers. Delivery is best effort.
type Notification struct {
	ID         uuid.UUID        `json:"id"`
	Kind       NotificationKind `json:"kind"`
	OccurredAt time.Time        `json:"occurred_at"`
	Event      Event            `json:"event"`
	Ticket     *Ticket          `json:"ticket,omitempty"`
}

func NewEventNotification(kind NotificationKind, event Event, now time.Time) Notification {
	return Notification{ID: uuid.New(), Kind: kind, OccurredAt: now, Event: event}
}

func NewTicketNotification(kind NotificationKind, event Event, ticket Ticket, now time.Time) Notification {
	return Notification{ID: uuid.New(), Kind: kind, OccurredAt: now, Event: event, Ticket: &ticket}
}

// Aggregate returns the type and id of the record the notification is about.
func (n Notification) Aggregate() (string, string) {
	if n.Ticket != nil {
		return "ticket", n.Ticket.ID.String()
	}
	return "event", strconv.FormatUint(n.Event.ID, 10)
}
