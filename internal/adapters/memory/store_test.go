package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/parchi/internal/adapters/memory"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func TestStore_RollbackDiscardsStagedWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateRegistry(ctx, domain.Registry{Authority: "authority"}))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.CreateEvent(ctx, domain.Event{ID: 0, Organizer: "org", Capacity: 1}))
		require.NoError(t, store.SaveRegistry(ctx, domain.Registry{Authority: "authority", NextEventID: 1}))
		require.NoError(t, store.CreateTicket(ctx, domain.NewTicket(0, "holder", now)))

		got, err := store.GetEvent(ctx, 0)
		require.NoError(t, err, "staged write visible inside the transaction")
		assert.Equal(t, domain.Identity("org"), got.Organizer)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetEvent(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	_, err = store.GetTicket(ctx, 0, "holder")
	assert.ErrorIs(t, err, domain.ErrInvalidTicket)
	reg, err := store.GetRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reg.NextEventID)
}

func TestStore_CreateTicketUniqueKey(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	first := domain.NewTicket(3, "holder", now)
	require.NoError(t, store.CreateTicket(ctx, first))
	assert.ErrorIs(t, store.CreateTicket(ctx, domain.NewTicket(3, "holder", now)), domain.ErrDuplicateTicket)
	require.NoError(t, store.CreateTicket(ctx, domain.NewTicket(4, "holder", now)))

	got, err := store.GetTicketByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.EventID)
}

func TestStore_CreateRegistryOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	_, err := store.GetRegistry(ctx)
	assert.ErrorIs(t, err, domain.ErrRegistryNotInitialized)
	require.NoError(t, store.CreateRegistry(ctx, domain.Registry{Authority: "a"}))
	assert.ErrorIs(t, store.CreateRegistry(ctx, domain.Registry{Authority: "b"}), domain.ErrAlreadyInitialized)
}

func TestStore_OutboxMarkPublished(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	event := domain.Event{ID: 1, Organizer: "org"}
	require.NoError(t, store.AppendNotification(ctx, domain.NewEventNotification(domain.NotificationEventCreated, event, now)))
	require.NoError(t, store.AppendNotification(ctx, domain.NewEventNotification(domain.NotificationEventUpdated, event, now)))

	records, err := store.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, store.MarkPublished(ctx, records[0], now))
	records, err = store.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "event.updated", records[0].EventType)
}
