package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/parchi/internal/adapters/memory"
	redisadapter "github.com/robertarktes/parchi/internal/adapters/redis"
	"github.com/robertarktes/parchi/internal/auth"
	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/domain"
	"github.com/robertarktes/parchi/internal/idempotency"
	"github.com/robertarktes/parchi/internal/issuance"
	"github.com/robertarktes/parchi/internal/metadata"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/pass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type memoryIdempotency struct {
	mu     sync.Mutex
	stored map[string]redisadapter.IdempResponse
	locked map[string]bool
}

func (m *memoryIdempotency) Get(_ context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.stored[key]
	if !ok {
		return nil, nil
	}
	return &resp, nil
}

func (m *memoryIdempotency) Set(_ context.Context, key string, resp redisadapter.IdempResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = resp
	return nil
}

func (m *memoryIdempotency) Lock(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[key] {
		return false, nil
	}
	m.locked[key] = true
	return true, nil
}

func (m *memoryIdempotency) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, key)
	return nil
}

type fakeMetadata struct {
	docs map[uuid.UUID]metadata.Document
}

func (f *fakeMetadata) GetMetadata(_ context.Context, id uuid.UUID) (metadata.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return metadata.Document{}, domain.ErrInvalidTicket
	}
	return doc, nil
}

type testAPI struct {
	router   http.Handler
	svc      *issuance.Service
	meta     *fakeMetadata
	keyCount int
}

// flakyStore fails the next n transactions with a serialization failure.
type flakyStore struct {
	issuance.Store
	failures atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if f.failures.Add(-1) >= 0 {
		return errors.Wrap(domain.ErrSerializationFailure, "commit")
	}
	return f.Store.WithTx(ctx, fn)
}

// versionedCache keeps the newest copy of each event by (updated_at, issued_count).
type versionedCache struct {
	mu     sync.Mutex
	events map[uint64]domain.Event
	hits   int
}

func (c *versionedCache) GetEvent(_ context.Context, id uint64) (domain.Event, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.events[id]
	if ok {
		c.hits++
	}
	return e, ok, nil
}

func (c *versionedCache) SetEvent(_ context.Context, e domain.Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.events[e.ID]; ok {
		if e.UpdatedAt.Before(cur.UpdatedAt) || (e.UpdatedAt.Equal(cur.UpdatedAt) && e.IssuedCount < cur.IssuedCount) {
			return false, nil
		}
	}
	c.events[e.ID] = e
	return true, nil
}

func (c *versionedCache) InvalidateEvent(_ context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, id)
	return nil
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithStore(t, memory.NewStore())
}

func newTestAPIWithStore(t *testing.T, store issuance.Store) *testAPI {
	t.Helper()
	return newTestAPIWith(t, store, nil)
}

func newTestAPIWith(t *testing.T, store issuance.Store, cache EventCache) *testAPI {
	t.Helper()
	logger := observability.NewNopLogger()
	clk := clock.NewFixed(testNow)
	svc := issuance.NewService(store, clk, logger)
	meta := &fakeMetadata{docs: map[uuid.UUID]metadata.Document{}}

	h := NewHandlers(Deps{
		Service:  svc,
		Passes:   pass.NewIssuer("test-secret", 365*24*time.Hour),
		Cache:    cache,
		Metadata: meta,
		Clock:    clk,
		Logger:   logger,
	})
	idem := idempotency.NewIdempotency(&memoryIdempotency{
		stored: map[string]redisadapter.IdempResponse{},
		locked: map[string]bool{},
	}, time.Hour)

	return &testAPI{
		router: SetupRouter(h, logger, RouterOptions{
			Authenticator: auth.HeaderAuthenticator{},
			Idempotency:   idem,
		}),
		svc:  svc,
		meta: meta,
	}
}

func (a *testAPI) nextKey() string {
	a.keyCount++
	return "test-idempotency-" + strconv.Itoa(a.keyCount)
}

func (a *testAPI) do(t *testing.T, method, path, caller string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set(auth.IdentityHeader, caller)
	}
	if method == http.MethodPost {
		if key == "" {
			key = a.nextKey()
		}
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, rec).Code
}

func (a *testAPI) setup(t *testing.T, capacity uint32, scheduledAt time.Time) uint64 {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/v1/registry", "authority", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/v1/events", "organizer", map[string]any{
		"name":         "Rooftop Session",
		"tier":         "VIP",
		"scheduled_at": scheduledAt,
		"capacity":     capacity,
		"metadata_uri": "ipfs://rooftop",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[eventResponse](t, rec).ID
}

func eventPath(id uint64, suffix string) string {
	return "/v1/events/" + strconv.FormatUint(id, 10) + suffix
}

func TestRouter_TicketLifecycle(t *testing.T) {
	api := newTestAPI(t)
	id := api.setup(t, 2, testNow.Add(24*time.Hour))

	rec := api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket := decode[domain.Ticket](t, rec)
	assert.Equal(t, domain.Identity("alice"), ticket.Holder)
	assert.Equal(t, domain.TicketUnclaimed, ticket.Status)

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeDuplicateTicket, errorCode(t, rec))

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "bob", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "carol", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeSoldOut, errorCode(t, rec))

	rec = api.do(t, http.MethodGet, eventPath(id, ""), "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	event := decode[eventResponse](t, rec)
	assert.Equal(t, uint32(2), event.IssuedCount)
	assert.Equal(t, uint32(0), event.RemainingTickets)

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets/claim"), "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TicketClaimed, decode[domain.Ticket](t, rec).Status)

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets/claim"), "alice", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeAlreadyClaimed, errorCode(t, rec))

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets/claim"), "carol", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeTicketNotFound, errorCode(t, rec))

	rec = api.do(t, http.MethodGet, eventPath(id, "/tickets/bob"), "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TicketUnclaimed, decode[domain.Ticket](t, rec).Status)

	rec = api.do(t, http.MethodGet, eventPath(id, "/tickets"), "organizer", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.Ticket](t, rec)["tickets"], 2)

	rec = api.do(t, http.MethodGet, eventPath(id, "/tickets"), "alice", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_UpdateEvent(t *testing.T) {
	api := newTestAPI(t)
	id := api.setup(t, 5, testNow.Add(24*time.Hour))

	rec := api.do(t, http.MethodPatch, eventPath(id, ""), "organizer", map[string]any{"tier": "premium", "capacity": 8}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	event := decode[eventResponse](t, rec)
	assert.Equal(t, domain.TierPremium, event.Tier)
	assert.Equal(t, uint32(8), event.Capacity)

	rec = api.do(t, http.MethodPatch, eventPath(id, ""), "mallory", map[string]any{"capacity": 1}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPatch, eventPath(id, ""), "organizer", map[string]any{"tier": "Gold"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidTier, errorCode(t, rec))

	rec = api.do(t, http.MethodPatch, eventPath(id, ""), "organizer", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidInput, errorCode(t, rec))
}

func TestRouter_ExpiredEvent(t *testing.T) {
	api := newTestAPI(t)
	id := api.setup(t, 5, testNow.Add(-time.Hour))

	rec := api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, codeEventExpired, errorCode(t, rec))
}

func TestRouter_CreateEventValidation(t *testing.T) {
	api := newTestAPI(t)
	api.setup(t, 1, testNow.Add(time.Hour))

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	rec := api.do(t, http.MethodPost, "/v1/events", "organizer", map[string]any{
		"name": string(long), "tier": "Standard", "scheduled_at": testNow.Add(time.Hour), "capacity": 1,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeNameTooLong, errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/events", "organizer", map[string]any{"name": "x", "unknown": true}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequestBody, errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/events/not-a-number", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/v1/events/99", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeEventNotFound, errorCode(t, rec))
}

func TestRouter_RequiresIdentityAndIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/v1/registry", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthenticated, errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/v1/registry", "authority", nil, "short")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeIdempotencyRequired, errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/v1/registry", "", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeRegistryNotInitialized, errorCode(t, rec))
}

func TestRouter_IdempotentReplay(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/v1/registry", "authority", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	body := map[string]any{"name": "Replay", "tier": "Standard", "scheduled_at": testNow.Add(time.Hour), "capacity": 3}
	key := "replay-key-0000000001"

	first := api.do(t, http.MethodPost, "/v1/events", "organizer", body, key)
	require.Equal(t, http.StatusCreated, first.Code)
	second := api.do(t, http.MethodPost, "/v1/events", "organizer", body, key)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	rec = api.do(t, http.MethodGet, "/v1/registry", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), decode[domain.Registry](t, rec).NextEventID)

	body["name"] = "Different"
	rec = api.do(t, http.MethodPost, "/v1/events", "organizer", body, key)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, codeIdempotencyConflict, errorCode(t, rec))

	// The same key from another caller is a separate request.
	rec = api.do(t, http.MethodPost, "/v1/events", "organizer-2", body, key)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRouter_SerializationFailureIsNotReplayed(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	api := newTestAPIWithStore(t, store)
	id := api.setup(t, 2, testNow.Add(24*time.Hour))
	key := "issue-retry-key-000001"

	store.failures.Store(1)
	rec := api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, key)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeConflict, errorCode(t, rec))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, domain.Identity("alice"), decode[domain.Ticket](t, rec).Holder)

	// Business conflicts are still stored and replayed.
	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "issue-dup-key-0000001")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "issue-dup-key-0000001")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
}

func TestRouter_EventCacheRefreshedOnWrite(t *testing.T) {
	cache := &versionedCache{events: map[uint64]domain.Event{}}
	api := newTestAPIWith(t, memory.NewStore(), cache)
	id := api.setup(t, 2, testNow.Add(24*time.Hour))

	rec := api.do(t, http.MethodGet, eventPath(id, ""), "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stale := cache.events[id]
	assert.Equal(t, uint32(0), stale.IssuedCount)

	rec = api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, uint32(1), cache.events[id].IssuedCount)

	// A read that loaded the event before the issuance finishes late.
	stored, err := cache.SetEvent(context.Background(), stale)
	require.NoError(t, err)
	assert.False(t, stored)

	rec = api.do(t, http.MethodGet, eventPath(id, ""), "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint32(1), decode[eventResponse](t, rec).IssuedCount)
	assert.Equal(t, 1, cache.hits)

	capacity := uint32(5)
	rec = api.do(t, http.MethodPatch, eventPath(id, ""), "organizer", map[string]any{"capacity": capacity}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, capacity, cache.events[id].Capacity)
}

func TestRouter_PassAndGateScan(t *testing.T) {
	api := newTestAPI(t)
	id := api.setup(t, 3, testNow.Add(24*time.Hour))
	rec := api.do(t, http.MethodPost, eventPath(id, "/tickets"), "alice", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodGet, eventPath(id, "/tickets/alice/pass"), "bob", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, eventPath(id, "/tickets/alice/pass"), "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[passResponse](t, rec)

	rec = api.do(t, http.MethodPost, "/v1/gate/scan", "organizer", scanRequest{Pass: p.Pass}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	scan := decode[scanResponse](t, rec)
	assert.Equal(t, p.TicketID, scan.TicketID)
	assert.Equal(t, domain.Identity("alice"), scan.Holder)
	assert.False(t, scan.Claimed)

	rec = api.do(t, http.MethodPost, "/v1/gate/scan", "alice", scanRequest{Pass: p.Pass}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/v1/gate/scan", "organizer", scanRequest{Pass: "parchi:garbage"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeMalformedPass, errorCode(t, rec))

	// Scanning is read-only.
	ticket, err := api.svc.GetTicket(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketUnclaimed, ticket.Status)
}

func TestRouter_Metadata(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.New()
	api.meta.docs[id] = metadata.Document{TicketID: id.String(), Name: "Show - VIP Pass", Symbol: metadata.Symbol}

	rec := api.do(t, http.MethodGet, "/v1/tickets/"+id.String()+"/metadata", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Show - VIP Pass", decode[metadata.Document](t, rec).Name)

	rec = api.do(t, http.MethodGet, "/v1/tickets/"+uuid.NewString()+"/metadata", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Readiness(t *testing.T) {
	logger := observability.NewNopLogger()
	h := NewHandlers(Deps{
		Service: issuance.NewService(memory.NewStore(), clock.NewFixed(testNow), logger),
		Checks: []ReadinessCheck{{Name: "redis", Check: func(context.Context) error {
			return errors.New("connection refused")
		}}},
	})
	router := SetupRouter(h, logger, RouterOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrUnauthorized, http.StatusForbidden, codeForbidden},
		{domain.ErrURITooLong, http.StatusBadRequest, codeURITooLong},
		{domain.ErrSoldOut, http.StatusConflict, codeSoldOut},
		{domain.ErrEventExpired, http.StatusGone, codeEventExpired},
		{domain.ErrAlreadyInitialized, http.StatusConflict, codeAlreadyInitialized},
		{domain.ErrOverflow, http.StatusConflict, codeOverflow},
		{errors.Wrap(domain.ErrSerializationFailure, "commit"), http.StatusConflict, codeConflict},
		{pass.ErrTampered, http.StatusBadRequest, codePassTampered},
		{pass.ErrExpired, http.StatusBadRequest, codePassExpired},
		{auth.ErrUnauthenticated, http.StatusUnauthorized, codeUnauthenticated},
		{errors.New("boom"), http.StatusInternalServerError, codeInternalError},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
