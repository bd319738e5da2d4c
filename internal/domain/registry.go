package domain

import "math"

// Registry holds the protocol authority and the event sequence counter.
type Registry struct {
	Authority   Identity `json:"authority"`
	NextEventID uint64   `json:"next_event_id"`
}

func NewRegistry(authority Identity) (Registry, error) {
	if authority.Empty() {
		return Registry{}, ErrUnauthorized
	}
	return Registry{Authority: authority}, nil
}

// MaxEventID is the largest event id. Stores keep ids in signed 64-bit columns.
const MaxEventID = math.MaxInt64

// AssignEventID hands out the current sequence number and advances the counter.
// The counter never passes MaxEventID.
func (r *Registry) AssignEventID() (uint64, error) {
	if r.NextEventID >= MaxEventID {
		return 0, ErrOverflow
	}
	id := r.NextEventID
	r.NextEventID++
	return id, nil
}
