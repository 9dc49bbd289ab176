/*
handlers.go - HTTP API handlers for the point ledger

PURPOSE:
  Exposes the ledger service, the policy store and the expiry scheduler
  over REST. Handlers parse the request, delegate to the domain and map
  domain errors to HTTP statuses.

ENDPOINTS:
  Users:
    POST   /api/users/{userID}/earn          Earn points (Pending)
    POST   /api/users/{userID}/spend         Spend points FIFO
    GET    /api/users/{userID}/balance       Balance aggregate
    GET    /api/users/{userID}/entries       Entry history (?status=&type=)
    GET    /api/users/{userID}/expiring      Expiry forecast (?days=N)

  Entries:
    GET    /api/entries/{id}                 Single entry
    POST   /api/entries/{id}/activate        Pending -> Available
    POST   /api/entries/{id}/cancel          Reverse an earn entry
    POST   /api/entries/{id}/lock            Available -> Locked
    POST   /api/entries/{id}/unlock          Locked -> Available

  Orders:
    POST   /api/orders/{orderID}/refund      Refund points spent on an order

  Grades:
    GET    /api/grades/{grade}               Grade benefits of the active policy

  Admin (see auth.go):
    /api/admin/policies...                   Policy CRUD and activation
    POST   /api/admin/sweep                  Run one scheduler tick now
    POST   /api/admin/expiry/extend          Bulk expiry extension
    POST   /api/admin/users/{userID}/reconcile Rebuild and verify a balance

ERROR HANDLING:
  Errors are returned as ErrorResponse with the ledger error code:
  - 400: malformed request body or query
  - 404: NOT_FOUND
  - 409: INVALID_STATE_TRANSITION, CONFLICT
  - 422: POLICY_VIOLATION, INSUFFICIENT_POINTS, REFUND_EXCEEDS_SPEND
  - 502: STORAGE_ERROR
  - 503: NO_ACTIVE_POLICY
  - 500: LEDGER_INCONSISTENCY and anything unexpected

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/points-engine/expiry"
	"github.com/warp/points-engine/ledger"
	"github.com/warp/points-engine/policy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Service
	Engine    *policy.Engine
	Policies  *policy.Store
	Scheduler *expiry.Scheduler

	log *zap.Logger
}

// NewHandler creates a handler. A nil logger discards output.
func NewHandler(svc *ledger.Service, engine *policy.Engine, policies *policy.Store, scheduler *expiry.Scheduler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger:    svc,
		Engine:    engine,
		Policies:  policies,
		Scheduler: scheduler,
		log:       log,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Earn credits points to a user.
// POST /api/users/{userID}/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var body EarnRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req := ledger.EarnRequest{
		UserID:      ledger.UserID(chi.URLParam(r, "userID")),
		Amount:      body.Amount,
		Reason:      body.Reason,
		Description: body.Description,
		OrderID:     body.OrderID,
		ProductID:   body.ProductID,
		ReviewID:    body.ReviewID,
		OrderAmount: body.OrderAmount,
		Metadata:    body.Metadata,
		ExpiresAt:   body.ExpiresAt,
	}
	if req.Reason == "" {
		req.Reason = ledger.ReasonPurchase
	}
	if req.Amount.IsZero() && req.OrderAmount.IsPositive() {
		amount, err := h.Engine.CalculateEarnPoints(r.Context(), req.OrderAmount, req)
		if err != nil {
			h.writeLedgerError(w, err)
			return
		}
		req.Amount = amount
	}

	entry, err := h.Ledger.Earn(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Spend consumes points for an order.
// POST /api/users/{userID}/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var body SpendRequest
	if !decodeBody(w, r, &body) {
		return
	}
	entry, err := h.Ledger.Spend(r.Context(), ledger.SpendRequest{
		UserID:      ledger.UserID(chi.URLParam(r, "userID")),
		Amount:      body.Amount,
		Reason:      body.Reason,
		Description: body.Description,
		OrderID:     body.OrderID,
		OrderTotal:  body.OrderTotal,
		ProductIDs:  body.ProductIDs,
		Metadata:    body.Metadata,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetBalance returns the user's aggregate.
// GET /api/users/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Balance(r.Context(), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetEntries returns the user's entries, optionally filtered.
// GET /api/users/{userID}/entries?status=available&type=earn
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))
	filter := ledger.EntryFilter{UserID: userID}
	q := r.URL.Query()
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, ledger.Status(s))
	}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, ledger.EntryType(t))
	}

	all, err := h.Ledger.Entries(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	entries := make([]ledger.Entry, 0, len(all))
	for _, e := range all {
		if filter.Match(e) {
			entries = append(entries, e)
		}
	}
	writeJSON(w, http.StatusOK, EntriesResponse{UserID: userID, Entries: entries})
}

// GetExpiring forecasts points expiring within ?days (default 30).
// GET /api/users/{userID}/expiring?days=N
func (h *Handler) GetExpiring(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer", err)
			return
		}
		days = n
	}
	f, err := h.Scheduler.Sweeper.ForecastExpiringPoints(r.Context(), ledger.UserID(chi.URLParam(r, "userID")), days, h.Ledger.Now())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// GetEntry returns one entry.
// GET /api/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.Entry(r.Context(), entryID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ActivateEntry confirms a Pending entry.
// POST /api/entries/{id}/activate
func (h *Handler) ActivateEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.Activate(r.Context(), entryID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CancelEntry reverses an earn entry. The body is optional.
// POST /api/entries/{id}/cancel
func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	e, err := h.Ledger.Cancel(r.Context(), entryID(r), body.Reason, body.Description)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// LockEntry holds an Available entry.
// POST /api/entries/{id}/lock
func (h *Handler) LockEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.Lock(r.Context(), entryID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// UnlockEntry releases a Locked entry.
// POST /api/entries/{id}/unlock
func (h *Handler) UnlockEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.Unlock(r.Context(), entryID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Refund returns points spent on an order.
// POST /api/orders/{orderID}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var body RefundRequest
	if !decodeBody(w, r, &body) {
		return
	}
	e, err := h.Ledger.Refund(r.Context(), ledger.RefundRequest{
		OrderID:     chi.URLParam(r, "orderID"),
		Amount:      body.Amount,
		Reason:      body.Reason,
		Description: body.Description,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetGradeBenefits returns the active policy's benefits for a grade.
// GET /api/grades/{grade}
func (h *Handler) GetGradeBenefits(w http.ResponseWriter, r *http.Request) {
	grade := policy.ParseGrade(chi.URLParam(r, "grade"))
	b, err := h.Engine.GetGradeBenefits(r.Context(), grade)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "grade not defined by the active policy", nil)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// ADMIN: POLICIES
// =============================================================================

// ListPolicies returns every stored policy.
// GET /api/admin/policies
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Policies.List(r.Context())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetActivePolicy returns the active policy.
// GET /api/admin/policies/active
func (h *Handler) GetActivePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.Active(r.Context())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPolicy returns one policy.
// GET /api/admin/policies/{id}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.Get(r.Context(), policyID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePolicy stores a new inactive policy.
// POST /api/admin/policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policy.Policy
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := h.Policies.Create(r.Context(), body)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdatePolicy replaces a policy's rules.
// PUT /api/admin/policies/{id}
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policy.Policy
	if !decodeBody(w, r, &body) {
		return
	}
	body.ID = policyID(r)
	p, err := h.Policies.Update(r.Context(), body)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePolicy removes an inactive policy.
// DELETE /api/admin/policies/{id}
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Policies.Delete(r.Context(), policyID(r)); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivatePolicy makes a policy the only active one.
// POST /api/admin/policies/{id}/activate
func (h *Handler) ActivatePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.Activate(r.Context(), policyID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeactivatePolicy clears a policy's active flag.
// POST /api/admin/policies/{id}/deactivate
func (h *Handler) DeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.Deactivate(r.Context(), policyID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// ADMIN: EXPIRY / RECONCILIATION
// =============================================================================

// TriggerSweep runs one scheduler tick synchronously.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ExtendExpiry pushes matching entries' expiry forward.
// POST /api/admin/expiry/extend
func (h *Handler) ExtendExpiry(w http.ResponseWriter, r *http.Request) {
	var body ExtendRequest
	if !decodeBody(w, r, &body) {
		return
	}
	extended, err := h.Ledger.ExtendExpiry(r.Context(), ledger.ExtendRequest{
		UserID:        body.UserID,
		EntryIDs:      body.EntryIDs,
		ExpiresBefore: body.ExpiresBefore,
		Months:        body.Months,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if extended == nil {
		extended = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, ExtendResponse{Extended: extended})
}

// ReconcileUser rebuilds a user's aggregate from entries and verifies it.
// POST /api/admin/users/{userID}/reconcile
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))
	b, err := h.Ledger.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	v, err := h.Ledger.Verify(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Balance: b, Verification: v})
}

// =============================================================================
// HELPERS
// =============================================================================

func entryID(r *http.Request) ledger.EntryID { return ledger.EntryID(chi.URLParam(r, "id")) }

func policyID(r *http.Request) policy.ID { return policy.ID(chi.URLParam(r, "id")) }

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

// statusFor maps a ledger error code to an HTTP status.
func statusFor(code ledger.Code) int {
	switch code {
	case ledger.CodePolicyViolation, ledger.CodeInsufficientPoints, ledger.CodeRefundExceedsSpend:
		return http.StatusUnprocessableEntity
	case ledger.CodeInvalidStateTransition, ledger.CodeConflict:
		return http.StatusConflict
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeNoActivePolicy:
		return http.StatusServiceUnavailable
	case ledger.CodeStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	code := ledger.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Error:      err.Error(),
		Code:       string(code),
		Violations: ledger.ViolationsOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
