package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	Actor     string    `bson:"actor"`
	EventID   uint64    `bson:"event_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

// LogNotification stores one audit entry per notification. Redelivered
// notifications hit the existing _id and are ignored.
func (a *AuditLogger) LogNotification(ctx context.Context, n domain.Notification) error {
	entry := AuditLog{
		ID:        n.ID.String(),
		Action:    string(n.Kind),
		Actor:     n.Event.Organizer.String(),
		EventID:   n.Event.ID,
		Timestamp: n.OccurredAt,
		Data: bson.M{
			"name":         n.Event.Name,
			"tier":         n.Event.Tier.String(),
			"capacity":     int64(n.Event.Capacity),
			"issued_count": int64(n.Event.IssuedCount),
			"scheduled_at": n.Event.ScheduledAt,
		},
	}
	if n.Ticket != nil {
		entry.Actor = n.Ticket.Holder.String()
		entry.Data["ticket_id"] = n.Ticket.ID.String()
		entry.Data["status"] = n.Ticket.Status.String()
	}

	_, err := a.coll.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		a.logger.WithField("notification_id", entry.ID).Debug("audit entry already recorded")
		return nil
	}
	if err != nil {
		a.logger.Error("failed to insert audit log", err)
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}
