package domain

import "time"

const (
	MaxEventNameLen   = 64
	MaxMetadataURILen = 256
)

// Event is an organizer-owned, capacity-limited ticket allocation.
type Event struct {
	ID          uint64    `json:"id"`
	Organizer   Identity  `json:"organizer"`
	Name        string    `json:"name"`
	Tier        Tier      `json:"tier"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Capacity    uint32    `json:"capacity"`
	IssuedCount uint32    `json:"issued_count"`
	MetadataURI string    `json:"metadata_uri"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type EventParams struct {
	Name        string
	Tier        Tier
	ScheduledAt time.Time
	Capacity    uint32
	MetadataURI string
}

// Validate checks byte lengths, not rune counts.
func (p EventParams) Validate() error {
	if len(p.Name) > MaxEventNameLen {
		return ErrNameTooLong
	}
	if len(p.MetadataURI) > MaxMetadataURILen {
		return ErrURITooLong
	}
	if !p.Tier.Valid() {
		return ErrInvalidTier
	}
	return nil
}

func NewEvent(id uint64, organizer Identity, p EventParams, now time.Time) (Event, error) {
	if organizer.Empty() {
		return Event{}, ErrUnauthorized
	}
	if err := p.Validate(); err != nil {
		return Event{}, err
	}
	return Event{
		ID:          id,
		Organizer:   organizer,
		Name:        p.Name,
		Tier:        p.Tier,
		ScheduledAt: Timestamp(p.ScheduledAt),
		Capacity:    p.Capacity,
		IssuedCount: 0,
		MetadataURI: p.MetadataURI,
		CreatedAt:   Timestamp(now),
		UpdatedAt:   Timestamp(now),
	}, nil
}

func (e Event) RemainingTickets() uint32 {
	if e.IssuedCount >= e.Capacity {
		return 0
	}
	return e.Capacity - e.IssuedCount
}

func (e Event) Expired(now time.Time) bool {
	return now.After(e.ScheduledAt)
}

func (e Event) Authorize(caller Identity) error {
	if caller.Empty() || caller != e.Organizer {
		return ErrUnauthorized
	}
	return nil
}

// Issue reserves one ticket slot. The caller must persist the event together
// with the new ticket.
func (e *Event) Issue(now time.Time) error {
	if e.Expired(now) {
		return ErrEventExpired
	}
	// IssuedCount <= Capacity <= MaxUint32, so the increment cannot wrap.
	if e.IssuedCount >= e.Capacity {
		return ErrSoldOut
	}
	e.IssuedCount++
	e.UpdatedAt = Timestamp(now)
	return nil
}

// EventUpdate carries the fields an organizer may change. Nil fields are left as is.
type EventUpdate struct {
	MetadataURI *string
	ScheduledAt *time.Time
	Tier        *Tier
	Capacity    *uint32
}

func (u EventUpdate) Empty() bool {
	return u.MetadataURI == nil && u.ScheduledAt == nil && u.Tier == nil && u.Capacity == nil
}

// Apply validates the whole update before changing anything.
func (e *Event) Apply(u EventUpdate, now time.Time) error {
	if u.Empty() {
		return ErrInvalidInput
	}
	if u.MetadataURI != nil && len(*u.MetadataURI) > MaxMetadataURILen {
		return ErrURITooLong
	}
	if u.Tier != nil && !u.Tier.Valid() {
		return ErrInvalidTier
	}
	if u.Capacity != nil && *u.Capacity < e.IssuedCount {
		return ErrInvalidInput
	}

	if u.MetadataURI != nil {
		e.MetadataURI = *u.MetadataURI
	}
	if u.ScheduledAt != nil {
		e.ScheduledAt = Timestamp(*u.ScheduledAt)
	}
	if u.Tier != nil {
		e.Tier = *u.Tier
	}
	if u.Capacity != nil {
		e.Capacity = *u.Capacity
	}
	e.UpdatedAt = Timestamp(now)
	return nil
}
