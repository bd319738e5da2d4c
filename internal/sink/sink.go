// Package sink projects relayed notifications into the ledger store: an
// audit entry for every notification and a metadata document per issued ticket.
package sink

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/metadata"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/outbox"
	"golang.org/x/sync/errgroup"
)

// ErrUndecodable marks a message that can never be processed.
var ErrUndecodable = errors.New("undecodable notification")

type AuditWriter interface {
	LogNotification(ctx context.Context, n domain.Notification) error
}

type MetadataWriter interface {
	SaveMetadata(ctx context.Context, doc metadata.Document) error
}

type Handler struct {
	audit   AuditWriter
	meta    MetadataWriter
	baseURL string
	logger  observability.Logger
}

func NewHandler(audit AuditWriter, meta MetadataWriter, baseURL string, logger observability.Logger) *Handler {
	return &Handler{audit: audit, meta: meta, baseURL: baseURL, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, body []byte) (domain.NotificationKind, error) {
	n, err := outbox.DecodeNotification(body)
	if err != nil {
		return "", errors.Mark(err, ErrUndecodable)
	}
	if err := h.audit.LogNotification(ctx, n); err != nil {
		return n.Kind, err
	}
	if n.Kind == domain.NotificationTicketIssued {
		if n.Ticket == nil {
			return n.Kind, errors.Wrap(ErrUndecodable, "ticket.issued without ticket")
		}
		if err := h.meta.SaveMetadata(ctx, metadata.Build(n.Event, *n.Ticket, h.baseURL)); err != nil {
			return n.Kind, err
		}
	}
	return n.Kind, nil
}

// Run processes deliveries with the given number of workers until ctx is
// done or the channel closes. Undecodable messages are dropped, failed ones
// are requeued.
func (h *Handler) Run(ctx context.Context, deliveries <-chan amqp.Delivery, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					if err := h.deliver(ctx, d); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

func (h *Handler) deliver(ctx context.Context, d amqp.Delivery) error {
	kind, err := h.Handle(ctx, d.Body)
	label := string(kind)
	if label == "" {
		label = "unknown"
	}
	log := h.logger.WithField("message_id", d.MessageId).WithField("kind", label)

	switch {
	case err == nil:
		observability.SinkDeliveries.WithLabelValues(label, "ok").Inc()
		return errors.Wrap(d.Ack(false), "ack delivery")
	case errors.Is(err, ErrUndecodable):
		observability.SinkDeliveries.WithLabelValues(label, "dropped").Inc()
		log.WithError(err).Warn("dropping notification")
		return errors.Wrap(d.Nack(false, false), "nack delivery")
	default:
		observability.SinkDeliveries.WithLabelValues(label, "requeued").Inc()
		log.WithError(err).Error("notification projection failed")
		return errors.Wrap(d.Nack(false, true), "nack delivery")
	}
}
