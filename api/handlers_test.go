package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/events"
	"github.com/warp/points-engine/expiry"
	"github.com/warp/points-engine/ledger"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/policy"
	"github.com/warp/points-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

var secret = []byte("test-secret")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	srv    *httptest.Server
	clock  *testClock
	events *events.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	kv := memory.New()
	clock := &testClock{now: t0}
	rec := &events.Recorder{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	policies := policy.NewStore(kv, policy.WithClock(clock.Now), policy.WithPublisher(rec))
	engine, err := policy.NewEngine(ctx, policies, policy.WithClock(clock.Now))
	require.NoError(t, err)
	svc := ledger.NewService(
		ledger.NewEntryRepository(kv),
		ledger.NewBalanceRepository(kv),
		engine,
		ledger.WithClock(clock.Now),
		ledger.WithIDGenerator(&ledger.SequenceIDs{Prefix: "e-"}),
		ledger.WithPublisher(rec),
		ledger.WithMetrics(m),
	)
	sweeper := expiry.NewSweeper(svc, engine, expiry.WithPublisher(rec), expiry.WithMetrics(m))
	scheduler := expiry.NewScheduler(sweeper, engine, expiry.WithClock(clock.Now))

	h := api.NewHandler(svc, engine, policies, scheduler, nil)
	srv := httptest.NewServer(api.NewRouter(h, api.RouterConfig{JWTSecret: secret, Gatherer: reg}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, clock: clock, events: rec}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func mustToken(t *testing.T, role string) string {
	t.Helper()
	claims := api.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func assertPoints(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.Truef(t, got.Equal(decimal.NewFromInt(want)), "%s: want %d, got %s", msg, want, got)
}

// earnAvailable earns and activates through the API.
func (s *testServer) earnAvailable(t *testing.T, user string, amount int64) ledger.Entry {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/users/"+user+"/earn", map[string]any{"amount": amount, "reason": "event"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	e := decode[ledger.Entry](t, resp)
	resp = s.do(t, http.MethodPost, "/api/entries/"+string(e.ID)+"/activate", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.clock.Advance(time.Minute)
	return decode[ledger.Entry](t, resp)
}

// =============================================================================
// USER OPERATIONS
// =============================================================================

func TestAPI_EarnSpendRefundFlow(t *testing.T) {
	// GIVEN: 1000 available points
	s := newTestServer(t)
	s.earnAvailable(t, "u1", 1000)

	// WHEN: spending 600 on an order
	resp := s.do(t, http.MethodPost, "/api/users/u1/spend", map[string]any{"amount": 600, "order_id": "o-1"}, "")

	// THEN: a spend entry is returned
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	spend := decode[ledger.Entry](t, resp)
	assert.Equal(t, ledger.TypeSpend, spend.Type)
	assertPoints(t, -600, spend.Amount, "spend")

	// WHEN: refunding 200 of it
	resp = s.do(t, http.MethodPost, "/api/orders/o-1/refund", map[string]any{"amount": "200"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// THEN: the balance reflects both
	resp = s.do(t, http.MethodGet, "/api/users/u1/balance", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := decode[ledger.Balance](t, resp)
	assertPoints(t, 600, b.AvailablePoints, "available")
	assertPoints(t, 400, b.TotalSpent, "spent")

	// AND: the history can be filtered
	resp = s.do(t, http.MethodGet, "/api/users/u1/entries?type=spend", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.EntriesResponse](t, resp)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, spend.ID, list.Entries[0].ID)
}

func TestAPI_EarnFromOrderAmount(t *testing.T) {
	// GIVEN: a VIP purchase of 12345 with no explicit amount
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/users/u1/earn", map[string]any{
		"order_amount": 12345,
		"order_id":     "o-9",
		"metadata":     map[string]string{"grade": "VIP"},
	}, "")

	// THEN: floor(12345 x 2%) points are pending
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	e := decode[ledger.Entry](t, resp)
	assertPoints(t, 246, e.Amount, "earned")
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Equal(t, ledger.ReasonPurchase, e.Reason)
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	e := s.earnAvailable(t, "u1", 500)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient points", http.MethodPost, "/api/users/u1/spend", map[string]any{"amount": 700}, http.StatusUnprocessableEntity, "INSUFFICIENT_POINTS"},
		{"policy violation", http.MethodPost, "/api/users/u1/spend", map[string]any{"amount": 105}, http.StatusUnprocessableEntity, "POLICY_VIOLATION"},
		{"refund without spend", http.MethodPost, "/api/orders/nope/refund", map[string]any{"amount": 10}, http.StatusUnprocessableEntity, "REFUND_EXCEEDS_SPEND"},
		{"unknown entry", http.MethodGet, "/api/entries/missing", nil, http.StatusNotFound, "NOT_FOUND"},
		{"activate twice", http.MethodPost, "/api/entries/" + string(e.ID) + "/activate", nil, http.StatusConflict, "INVALID_STATE_TRANSITION"},
		{"unlock an unlocked entry", http.MethodPost, "/api/entries/" + string(e.ID) + "/unlock", nil, http.StatusConflict, "INVALID_STATE_TRANSITION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[api.ErrorResponse](t, resp)
			assert.Equal(t, tt.code, body.Code)
		})
	}

	t.Run("violations are listed", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/users/u1/spend", map[string]any{"amount": 105}, "")
		body := decode[api.ErrorResponse](t, resp)
		require.NotEmpty(t, body.Violations)
		assert.Equal(t, "NOT_UNIT_OF_USE", body.Violations[0].Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/api/users/u1/spend", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_CancelLockUnlock(t *testing.T) {
	s := newTestServer(t)
	a := s.earnAvailable(t, "u1", 300)
	b := s.earnAvailable(t, "u1", 200)

	resp := s.do(t, http.MethodPost, "/api/entries/"+string(a.ID)+"/lock", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.StatusLocked, decode[ledger.Entry](t, resp).Status)

	resp = s.do(t, http.MethodPost, "/api/entries/"+string(b.ID)+"/cancel", api.CancelRequest{Description: "order voided"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, ledger.TypeCancel, decode[ledger.Entry](t, resp).Type)

	resp = s.do(t, http.MethodPost, "/api/entries/"+string(a.ID)+"/unlock", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/users/u1/balance", nil, "")
	bal := decode[ledger.Balance](t, resp)
	assertPoints(t, 300, bal.AvailablePoints, "available")
	assertPoints(t, 0, bal.LockedPoints, "locked")
}

func TestAPI_ExpiringForecast(t *testing.T) {
	s := newTestServer(t)
	s.earnAvailable(t, "u1", 100)

	resp := s.do(t, http.MethodGet, "/api/users/u1/expiring?days=400", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f := decode[expiry.Forecast](t, resp)
	assertPoints(t, 100, f.Total, "expiring")

	resp = s.do(t, http.MethodGet, "/api/users/u1/expiring?days=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GradeBenefits(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/grades/gold", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := decode[policy.GradeBenefits](t, resp)
	assert.True(t, b.EarnRateMultiplier.Equal(decimal.RequireFromString("1.5")))

	resp = s.do(t, http.MethodGet, "/api/grades/platinum", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAPI_AdminRequiresAdminToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"wrong role", mustToken(t, "viewer"), http.StatusForbidden},
		{"admin", mustToken(t, "admin"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodGet, "/api/admin/policies", nil, tt.token)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAPI_AdminPolicyLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := mustToken(t, "admin")

	// GIVEN: a new policy
	p := policy.Default(t0)
	p.ID = "spring"
	p.Name = "Spring"
	resp := s.do(t, http.MethodPost, "/api/admin/policies", p, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// WHEN: activating it
	resp = s.do(t, http.MethodPost, "/api/admin/policies/spring/activate", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// THEN: it is the active policy
	resp = s.do(t, http.MethodGet, "/api/admin/policies/active", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, policy.ID("spring"), decode[policy.Policy](t, resp).ID)

	// AND: it cannot be deleted while active
	resp = s.do(t, http.MethodDelete, "/api/admin/policies/spring", nil, token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// AND: the old default can be
	resp = s.do(t, http.MethodDelete, "/api/admin/policies/default", nil, token)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// WHEN: deactivating the last policy
	resp = s.do(t, http.MethodPost, "/api/admin/policies/spring/deactivate", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// THEN: earning is unavailable
	resp = s.do(t, http.MethodPost, "/api/users/u1/earn", map[string]any{"amount": 10}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_ACTIVE_POLICY", decode[api.ErrorResponse](t, resp).Code)
}

func TestAPI_AdminSweepExtendReconcile(t *testing.T) {
	s := newTestServer(t)
	token := mustToken(t, "admin")
	e := s.earnAvailable(t, "u1", 400)

	// Extension beyond the policy limit is rejected.
	resp := s.do(t, http.MethodPost, "/api/admin/expiry/extend", api.ExtendRequest{UserID: "u1", Months: 12}, token)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/admin/expiry/extend", api.ExtendRequest{EntryIDs: []ledger.EntryID{e.ID}, Months: 2}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ext := decode[api.ExtendResponse](t, resp)
	require.Len(t, ext.Extended, 1)
	assert.True(t, e.ExpiresAt.AddDate(0, 2, 0).Equal(*ext.Extended[0].ExpiresAt))

	// A sweep 15 months later expires the entry.
	s.clock.Advance(15 * 31 * 24 * time.Hour)
	resp = s.do(t, http.MethodPost, "/api/admin/sweep", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[expiry.RunReport](t, resp)
	assert.Equal(t, 1, report.Sweep.Entries)
	assert.Len(t, s.events.OfType(events.PointsExpired), 1)

	resp = s.do(t, http.MethodPost, "/api/admin/users/u1/reconcile", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[api.ReconcileResponse](t, resp)
	assert.True(t, rec.Verification.Consistent)
	assertPoints(t, 400, rec.Balance.TotalExpired, "expired")
}

// =============================================================================
// OPS
// =============================================================================

func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.earnAvailable(t, "u1", 100)

	resp := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "points_operations_total")
}
