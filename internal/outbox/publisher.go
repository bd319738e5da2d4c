package outbox

import (
	"context"
	"time"

	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/observability"
)

// Source is the storage side of the outbox.
type Source interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, rec Record, publishedAt time.Time) error
}

// Sink delivers one record to the broker.
type Sink interface {
	PublishRecord(ctx context.Context, rec Record) error
}

type Publisher struct {
	source Source
	sink   Sink
	clock  clock.Clock
	logger observability.Logger
	batch  int
}

func NewPublisher(source Source, sink Sink, clk clock.Clock, logger observability.Logger, batch int) *Publisher {
	if batch <= 0 {
		batch = 10
	}
	return &Publisher{source: source, sink: sink, clock: clk, logger: logger, batch: batch}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	p.logger.Info("Outbox publisher started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RelayOnce(ctx); err != nil {
				p.logger.WithError(err).Error("outbox relay failed")
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many records were marked published.
// Records that fail to publish stay NEW and are retried on the next pass.
func (p *Publisher) RelayOnce(ctx context.Context) (int, error) {
	records, err := p.source.GetUnpublishedOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range records {
		if err := p.sink.PublishRecord(ctx, rec); err != nil {
			observability.RabbitPublishRetries.Inc()
			p.logger.WithField("outbox_id", rec.ID).WithError(err).Warn("publish outbox record")
			continue
		}
		now := p.clock.Now()
		if err := p.source.MarkPublished(ctx, rec, now); err != nil {
			return published, err
		}
		if !rec.CreatedAt.IsZero() {
			observability.OutboxLag.Set(now.Sub(rec.CreatedAt).Seconds())
		}
		published++
	}
	return published, nil
}
