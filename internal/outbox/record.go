package outbox

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/domain"
)

const (
	StatusNew       = "NEW"
	StatusPublished = "PUBLISHED"
)

type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string
	DedupeKey     string
}

// NewRecord serializes a notification for transactional storage.
func NewRecord(n domain.Notification) (Record, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return Record{}, errors.Wrap(err, "marshal notification")
	}
	aggType, aggID := n.Aggregate()
	return Record{
		ID:            uuid.New(),
		AggregateType: aggType,
		AggregateID:   aggID,
		EventType:     string(n.Kind),
		Payload:       payload,
		CreatedAt:     n.OccurredAt,
		Status:        StatusNew,
		DedupeKey:     n.ID.String(),
	}, nil
}

func DecodeNotification(payload []byte) (domain.Notification, error) {
	var n domain.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return domain.Notification{}, errors.Wrap(err, "unmarshal notification")
	}
	return n, nil
}
