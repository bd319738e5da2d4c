package mongo

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/metadata"
	"github.com/robertarktes/parchi/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MetadataRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewMetadataRepository(db *mongo.Database, logger observability.Logger) *MetadataRepository {
	return &MetadataRepository{
		coll:   db.Collection("ticket_metadata"),
		logger: logger,
	}
}

// SaveMetadata upserts the document keyed by ticket id.
func (m *MetadataRepository) SaveMetadata(ctx context.Context, doc metadata.Document) error {
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": doc.TicketID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		m.logger.Error("failed to save ticket metadata", err)
		return errors.Wrap(err, "save ticket metadata")
	}
	return nil
}

func (m *MetadataRepository) GetMetadata(ctx context.Context, ticketID uuid.UUID) (metadata.Document, error) {
	var doc metadata.Document
	err := m.coll.FindOne(ctx, bson.M{"_id": ticketID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return metadata.Document{}, domain.ErrInvalidTicket
	}
	if err != nil {
		return metadata.Document{}, errors.Wrap(err, "get ticket metadata")
	}
	return doc, nil
}
