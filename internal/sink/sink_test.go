package sink_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/metadata"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAudit struct {
	mu    sync.Mutex
	kinds []domain.NotificationKind
	err   error
}

func (f *fakeAudit) LogNotification(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.kinds = append(f.kinds, n.Kind)
	return nil
}

type fakeMetadata struct {
	mu   sync.Mutex
	docs []metadata.Document
}

func (f *fakeMetadata) SaveMetadata(_ context.Context, doc metadata.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

type ackRecorder struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func encode(t *testing.T, n domain.Notification) []byte {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	return data
}

func testEvent() domain.Event {
	return domain.Event{
		ID:          2,
		Organizer:   "organizer",
		Name:        "Night Market",
		Tier:        domain.TierStandard,
		ScheduledAt: now.Add(time.Hour),
		Capacity:    10,
		MetadataURI: "ipfs://market",
	}
}

func TestHandler_Handle(t *testing.T) {
	audit := &fakeAudit{}
	meta := &fakeMetadata{}
	h := sink.NewHandler(audit, meta, "https://parchi.app", observability.NewNopLogger())

	event := testEvent()
	ticket := domain.NewTicket(event.ID, "holder", now)

	kind, err := h.Handle(context.Background(), encode(t, domain.NewEventNotification(domain.NotificationEventCreated, event, now)))
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationEventCreated, kind)
	assert.Empty(t, meta.docs)

	_, err = h.Handle(context.Background(), encode(t, domain.NewTicketNotification(domain.NotificationTicketIssued, event, ticket, now)))
	require.NoError(t, err)
	require.Len(t, meta.docs, 1)
	assert.Equal(t, ticket.ID.String(), meta.docs[0].TicketID)
	assert.Equal(t, "Night Market - Standard Pass", meta.docs[0].Name)

	assert.Equal(t, []domain.NotificationKind{domain.NotificationEventCreated, domain.NotificationTicketIssued}, audit.kinds)

	_, err = h.Handle(context.Background(), []byte("{not json"))
	assert.ErrorIs(t, err, sink.ErrUndecodable)
}

func TestHandler_RunAcksAndNacks(t *testing.T) {
	audit := &fakeAudit{}
	h := sink.NewHandler(audit, &fakeMetadata{}, "https://parchi.app", observability.NewNopLogger())
	acks := &ackRecorder{}

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: encode(t, domain.NewEventNotification(domain.NotificationEventUpdated, testEvent(), now))}
	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("garbage")}
	close(deliveries)

	require.NoError(t, h.Run(context.Background(), deliveries, 2))
	assert.Equal(t, []uint64{1}, acks.acked)
	assert.Equal(t, []uint64{2}, acks.nacked)
	assert.Equal(t, []bool{false}, acks.requeue)
}

func TestHandler_RunRequeuesOnStoreError(t *testing.T) {
	audit := &fakeAudit{err: errors.New("mongo down")}
	h := sink.NewHandler(audit, &fakeMetadata{}, "https://parchi.app", observability.NewNopLogger())
	acks := &ackRecorder{}

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 7, Body: encode(t, domain.NewEventNotification(domain.NotificationEventCreated, testEvent(), now))}
	close(deliveries)

	require.NoError(t, h.Run(context.Background(), deliveries, 1))
	assert.Empty(t, acks.acked)
	assert.Equal(t, []uint64{7}, acks.nacked)
	assert.Equal(t, []bool{true}, acks.requeue)
}
