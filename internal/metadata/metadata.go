// Package metadata builds the public description document for an issued
// ticket in the common NFT metadata layout.
package metadata

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robertarktes/parchi/internal/domain"
)

const Symbol = "PARCHI"

type Attribute struct {
	TraitType string `json:"trait_type" bson:"trait_type"`
	Value     string `json:"value" bson:"value"`
}

type File struct {
	URI  string `json:"uri" bson:"uri"`
	Type string `json:"type" bson:"type"`
}

type Creator struct {
	Address string `json:"address" bson:"address"`
	Share   int    `json:"share" bson:"share"`
}

type Properties struct {
	Category string    `json:"category" bson:"category"`
	Files    []File    `json:"files" bson:"files"`
	Creators []Creator `json:"creators" bson:"creators"`
}

type Document struct {
	TicketID    string      `json:"ticket_id" bson:"_id"`
	EventID     uint64      `json:"event_id" bson:"event_id"`
	Name        string      `json:"name" bson:"name"`
	Symbol      string      `json:"symbol" bson:"symbol"`
	Description string      `json:"description" bson:"description"`
	Image       string      `json:"image" bson:"image"`
	ExternalURL string      `json:"external_url" bson:"external_url"`
	Attributes  []Attribute `json:"attributes" bson:"attributes"`
	Properties  Properties  `json:"properties" bson:"properties"`
}

func Build(event domain.Event, ticket domain.Ticket, baseURL string) Document {
	eventID := strconv.FormatUint(event.ID, 10)
	date := event.ScheduledAt.UTC().Format(time.RFC3339)
	tier := event.Tier.String()

	doc := Document{
		TicketID:    ticket.ID.String(),
		EventID:     event.ID,
		Name:        fmt.Sprintf("%s - %s Pass", event.Name, tier),
		Symbol:      Symbol,
		Description: fmt.Sprintf("Your ticket for %s on %s.", event.Name, date),
		Image:       event.MetadataURI,
		ExternalURL: strings.TrimRight(baseURL, "/") + "/event/" + eventID,
		Attributes: []Attribute{
			{TraitType: "Event ID", Value: eventID},
			{TraitType: "Tier", Value: tier},
			{TraitType: "Date", Value: date},
			{TraitType: "Wallet", Value: ticket.Holder.String()},
		},
		Properties: Properties{
			Category: "image",
			Creators: []Creator{{Address: event.Organizer.String(), Share: 100}},
		},
	}
	if event.MetadataURI != "" {
		doc.Properties.Files = []File{{URI: event.MetadataURI, Type: "image/png"}}
	}
	return doc
}
