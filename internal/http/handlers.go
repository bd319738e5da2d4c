package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/issuance"
	"github.com/robertarktes/parchi/internal/metadata"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/pass"
)

// EventCache is the read-through cache in front of GetEvent. SetEvent must not
// replace a cached copy that is newer than event.
type EventCache interface {
	GetEvent(ctx context.Context, id uint64) (domain.Event, bool, error)
	SetEvent(ctx context.Context, event domain.Event) (bool, error)
	InvalidateEvent(ctx context.Context, id uint64) error
}

type MetadataReader interface {
	GetMetadata(ctx context.Context, ticketID uuid.UUID) (metadata.Document, error)
}

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Service  *issuance.Service
	Passes   *pass.Issuer
	Cache    EventCache
	Metadata MetadataReader
	Clock    clock.Clock
	Logger   observability.Logger
	Checks   []ReadinessCheck
}

type Handlers struct {
	svc      *issuance.Service
	passes   *pass.Issuer
	cache    EventCache
	metadata MetadataReader
	clock    clock.Clock
	logger   observability.Logger
	checks   []ReadinessCheck
}

func NewHandlers(deps Deps) *Handlers {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	return &Handlers{
		svc:      deps.Service,
		passes:   deps.Passes,
		cache:    deps.Cache,
		metadata: deps.Metadata,
		clock:    deps.Clock,
		logger:   deps.Logger,
		checks:   deps.Checks,
	}
}

type eventResponse struct {
	domain.Event
	RemainingTickets uint32 `json:"remaining_tickets"`
}

func newEventResponse(e domain.Event) eventResponse {
	return eventResponse{Event: e, RemainingTickets: e.RemainingTickets()}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func eventIDParam(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "eventID"), 10, 64)
	return id, err == nil
}

func (h *Handlers) log(r *http.Request) observability.Logger {
	return observability.LoggerFromContext(r.Context(), h.logger)
}

// refresh caches the event state a committed write produced. A read that
// raced the write cannot replace it afterwards. On failure the entry is dropped.
func (h *Handlers) refresh(r *http.Request, event domain.Event) {
	if h.cache == nil {
		return
	}
	if _, err := h.cache.SetEvent(r.Context(), event); err != nil {
		h.log(r).WithField("event_id", event.ID).WithError(err).Warn("event cache refresh failed")
		h.invalidate(r, event.ID)
	}
}

func (h *Handlers) refreshByID(r *http.Request, id uint64) {
	if h.cache == nil {
		return
	}
	event, err := h.svc.GetEvent(r.Context(), id)
	if err != nil {
		h.log(r).WithField("event_id", id).WithError(err).Warn("event reload failed")
		h.invalidate(r, id)
		return
	}
	h.refresh(r, event)
}

func (h *Handlers) invalidate(r *http.Request, id uint64) {
	if err := h.cache.InvalidateEvent(r.Context(), id); err != nil {
		h.log(r).WithField("event_id", id).WithError(err).Warn("event cache invalidation failed")
	}
}

func (h *Handlers) InitRegistry(w http.ResponseWriter, r *http.Request) {
	reg, err := h.svc.InitRegistry(r.Context(), callerFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *Handlers) GetRegistry(w http.ResponseWriter, r *http.Request) {
	reg, err := h.svc.GetRegistry(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

type createEventRequest struct {
	Name        string    `json:"name"`
	Tier        string    `json:"tier"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Capacity    uint32    `json:"capacity"`
	MetadataURI string    `json:"metadata_uri"`
}

func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "name and scheduled_at are required")
		return
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), callerFromContext(r.Context()), domain.EventParams{
		Name:        req.Name,
		Tier:        tier,
		ScheduledAt: req.ScheduledAt,
		Capacity:    req.Capacity,
		MetadataURI: req.MetadataURI,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEventResponse(event))
}

func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}

	if h.cache != nil {
		event, hit, err := h.cache.GetEvent(r.Context(), id)
		if err != nil {
			h.log(r).WithError(err).Warn("event cache read failed")
		}
		if hit {
			writeJSON(w, http.StatusOK, newEventResponse(event))
			return
		}
	}

	event, err := h.svc.GetEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if h.cache != nil {
		if _, err := h.cache.SetEvent(r.Context(), event); err != nil {
			h.log(r).WithError(err).Warn("event cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, newEventResponse(event))
}

type updateEventRequest struct {
	MetadataURI *string    `json:"metadata_uri"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Tier        *string    `json:"tier"`
	Capacity    *uint32    `json:"capacity"`
}

func (h *Handlers) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}
	var req updateEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	update := domain.EventUpdate{
		MetadataURI: req.MetadataURI,
		ScheduledAt: req.ScheduledAt,
		Capacity:    req.Capacity,
	}
	if req.Tier != nil {
		tier, err := domain.ParseTier(*req.Tier)
		if err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
		update.Tier = &tier
	}

	event, err := h.svc.UpdateEvent(r.Context(), callerFromContext(r.Context()), id, update)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.refresh(r, event)
	writeJSON(w, http.StatusOK, newEventResponse(event))
}

func (h *Handlers) IssueTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}
	ticket, err := h.svc.IssueTicket(r.Context(), callerFromContext(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.refreshByID(r, id)
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}
	tickets, err := h.svc.ListTickets(r.Context(), callerFromContext(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}
	ticket, err := h.svc.GetTicket(r.Context(), id, domain.Identity(chi.URLParam(r, "holder")))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handlers) ClaimTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}
	ticket, err := h.svc.ClaimTicket(r.Context(), callerFromContext(r.Context()), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type passResponse struct {
	Pass     string    `json:"pass"`
	TicketID uuid.UUID `json:"ticket_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// GetPass returns a fresh gate pass. Only the holder may fetch it.
func (h *Handlers) GetPass(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid event id")
		return
	}
	holder := domain.Identity(chi.URLParam(r, "holder"))
	if callerFromContext(r.Context()) != holder {
		writeDomainError(w, r, h.logger, domain.ErrUnauthorized)
		return
	}
	ticket, err := h.svc.GetTicket(r.Context(), id, holder)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	now := h.clock.Now()
	raw, err := h.passes.Encode(ticket, now)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, passResponse{Pass: raw, TicketID: ticket.ID, IssuedAt: now.Truncate(time.Second)})
}

type scanRequest struct {
	Pass string `json:"pass"`
}

type scanResponse struct {
	TicketID  uuid.UUID           `json:"ticket_id"`
	EventID   uint64              `json:"event_id"`
	Holder    domain.Identity     `json:"holder"`
	Status    domain.TicketStatus `json:"status"`
	Claimed   bool                `json:"claimed"`
	ClaimedAt *time.Time          `json:"claimed_at,omitempty"`
}

// ScanPass verifies a pass for the event organizer. It does not change the ticket.
func (h *Handlers) ScanPass(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Pass) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "pass is required")
		return
	}
	claims, err := h.passes.Decode(req.Pass, h.clock.Now())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	ticket, err := h.svc.GetTicketByID(r.Context(), claims.TicketID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if ticket.EventID != claims.EventID || ticket.Holder != claims.Holder {
		writeDomainError(w, r, h.logger, pass.ErrTampered)
		return
	}
	event, err := h.svc.GetEvent(r.Context(), ticket.EventID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := event.Authorize(callerFromContext(r.Context())); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, scanResponse{
		TicketID:  ticket.ID,
		EventID:   ticket.EventID,
		Holder:    ticket.Holder,
		Status:    ticket.Status,
		Claimed:   ticket.Status == domain.TicketClaimed,
		ClaimedAt: ticket.ClaimedAt,
	})
}

func (h *Handlers) GetMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "ticketID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidID, "invalid ticket id")
		return
	}
	if h.metadata == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "metadata store not configured")
		return
	}
	doc, err := h.metadata.GetMetadata(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.log(r).WithField("failed", failed).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
