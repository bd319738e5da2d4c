package rabbit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/parchi/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (r *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	r.exchange, r.key, r.msg = exchange, key, msg
	return r.err
}

func TestPublisher_PublishRecord(t *testing.T) {
	ch := &recordingChannel{}
	p := &Publisher{ch: ch}
	createdAt := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := outbox.Record{
		ID:        uuid.New(),
		EventType: "ticket.issued",
		Payload:   []byte(`{"kind":"ticket.issued"}`),
		CreatedAt: createdAt,
		DedupeKey: "dedupe-1",
	}

	require.NoError(t, p.PublishRecord(context.Background(), rec))
	assert.Equal(t, Exchange, ch.exchange)
	assert.Equal(t, "ticket.issued", ch.key)
	assert.Equal(t, "dedupe-1", ch.msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), ch.msg.DeliveryMode)
	assert.Equal(t, createdAt, ch.msg.Timestamp)
	assert.Equal(t, rec.Payload, ch.msg.Body)

	ch.err = amqp.ErrClosed
	assert.ErrorIs(t, p.PublishRecord(context.Background(), rec), amqp.ErrClosed)
}
