/*
handlers.go - HTTP handlers for the leave engine

PURPOSE:
  Exposes the catalog, workflow, ledger, and accrual engine over REST.
  Handlers parse and serialize; every rule lives in the domain layer.

ENDPOINTS:
  Catalog:
    POST   /api/orgs/{org}/leave-types
    GET    /api/orgs/{org}/leave-types
    DELETE /api/orgs/{org}/leave-types/{id}        (deactivate)
    POST   /api/orgs/{org}/policies
    GET    /api/orgs/{org}/policies
    DELETE /api/orgs/{org}/policies/{id}           (deactivate)

  Requests:
    POST   /api/orgs/{org}/requests
    GET    /api/orgs/{org}/requests/{id}
    POST   /api/orgs/{org}/requests/{id}/submit
    POST   /api/orgs/{org}/requests/{id}/cancel
    POST   /api/orgs/{org}/requests/{id}/approve-step1
    POST   /api/orgs/{org}/requests/{id}/approve
    POST   /api/orgs/{org}/requests/{id}/reject
    GET    /api/orgs/{org}/requests/pending?branch=b1&branch=b2

  Balances:
    GET    /api/users/{user}/balances/{leaveType}
    GET    /api/users/{user}/ledger/{leaveType}
    GET    /api/orgs/{org}/summaries/{leaveType}?user=u1&user=u2

  Admin:
    POST   /api/orgs/{org}/accrual/run
    POST   /api/orgs/{org}/carryover/run
    POST   /api/orgs/{org}/adjustments

IDENTITY:
  The caller identity and role level arrive in X-User-ID and
  X-Role-Level headers, resolved by the external auth layer.

ERROR MAPPING:
  NotFound 404, Conflict 409 (shift conflicts include the shift list),
  BadRequest 400, Forbidden 403, everything else 500.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog  *leave.Catalog
	Workflow *leave.Workflow
	Ledger   *leave.Ledger
	Engine   *leave.AccrualEngine
	Log      *zap.Logger
}

func NewHandler(catalog *leave.Catalog, workflow *leave.Workflow, ledger *leave.Ledger, engine *leave.AccrualEngine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Catalog: catalog, Workflow: workflow, Ledger: ledger, Engine: engine, Log: log.Named("api")}
}

// =============================================================================
// CATALOG
// =============================================================================

func (h *Handler) CreateLeaveType(w http.ResponseWriter, r *http.Request) {
	var req CreateLeaveTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	lt, err := h.Catalog.CreateLeaveType(r.Context(), leave.CreateLeaveTypeInput{
		OrgID:              orgID(r),
		Code:               req.Code,
		Name:               req.Name,
		Paid:               req.Paid,
		RequiresApproval:   req.RequiresApproval,
		MinNoticeHours:     req.MinNoticeHours,
		MaxConsecutiveDays: req.MaxConsecutiveDays,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaveTypeDTO(*lt))
}

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Catalog.ListLeaveTypes(r.Context(), orgID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LeaveTypeDTO, len(types))
	for i, lt := range types {
		dtos[i] = toLeaveTypeDTO(lt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) DeactivateLeaveType(w http.ResponseWriter, r *http.Request) {
	err := h.Catalog.DeactivateLeaveType(r.Context(), orgID(r), leave.LeaveTypeID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	in := leave.CreatePolicyInput{
		OrgID:             orgID(r),
		LeaveTypeID:       leave.LeaveTypeID(req.LeaveTypeID),
		AccrualMethod:     leave.AccrualMethod(req.AccrualMethod),
		AccrualRateHours:  req.AccrualRateHours,
		CarryoverMaxHours: req.CarryoverMaxHours,
		MaxBalanceHours:   req.MaxBalanceHours,
		RoundingPlaces:    req.RoundingPlaces,
		ApprovalMode:      leave.ApprovalMode(req.ApprovalMode),
	}
	if req.BranchID != nil {
		b := leave.BranchID(*req.BranchID)
		in.BranchID = &b
	}
	p, err := h.Catalog.CreatePolicy(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(*p))
}

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Catalog.ListPolicies(r.Context(), orgID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) DeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	err := h.Catalog.DeactivatePolicy(r.Context(), orgID(r), leave.PolicyID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// REQUESTS
// =============================================================================

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date, want YYYY-MM-DD", err)
		return
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date, want YYYY-MM-DD", err)
		return
	}
	created, err := h.Workflow.Create(r.Context(), leave.CreateRequestInput{
		OrgID:       orgID(r),
		UserID:      leave.UserID(req.UserID),
		LeaveTypeID: leave.LeaveTypeID(req.LeaveTypeID),
		BranchID:    leave.BranchID(req.BranchID),
		Start:       start,
		End:         end,
		Reason:      req.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Workflow.Get(r.Context(), orgID(r), requestID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Workflow.Submit(r.Context(), orgID(r), requestID(r), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Workflow.Cancel(r.Context(), orgID(r), requestID(r), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) ApproveRequestStep1(w http.ResponseWriter, r *http.Request) {
	req, err := h.Workflow.ApproveStep1(r.Context(), orgID(r), requestID(r), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var body ApproveRequestRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
			return
		}
	}
	req, err := h.Workflow.Approve(r.Context(), orgID(r), requestID(r), leave.ApproveInput{
		ApproverID:       callerID(r),
		RoleLevel:        roleLevel(r),
		OverrideConflict: body.OverrideConflict,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	req, err := h.Workflow.Reject(r.Context(), orgID(r), requestID(r), callerID(r), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	var branches []leave.BranchID
	for _, b := range r.URL.Query()["branch"] {
		branches = append(branches, leave.BranchID(b))
	}
	pending, err := h.Workflow.ListPendingForBranches(r.Context(), orgID(r), branches, roleLevel(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]RequestDTO, len(pending))
	for i, req := range pending {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCES AND LEDGER
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := leave.UserID(chi.URLParam(r, "user"))
	lt := leave.LeaveTypeID(chi.URLParam(r, "leaveType"))
	balance, err := h.Ledger.CurrentBalance(r.Context(), user, lt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:      string(user),
		LeaveTypeID: string(lt),
		Hours:       balance.String(),
	})
}

func (h *Handler) GetLedgerHistory(w http.ResponseWriter, r *http.Request) {
	user := leave.UserID(chi.URLParam(r, "user"))
	lt := leave.LeaveTypeID(chi.URLParam(r, "leaveType"))
	entries, err := h.Engine.LedgerHistory(r.Context(), user, lt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBalanceSummaries(w http.ResponseWriter, r *http.Request) {
	lt := leave.LeaveTypeID(chi.URLParam(r, "leaveType"))
	var users []leave.UserID
	for _, u := range r.URL.Query()["user"] {
		users = append(users, leave.UserID(u))
	}
	summaries, err := h.Engine.BalanceSummaries(r.Context(), users, lt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]BalanceSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = BalanceSummaryDTO{
			UserID:        string(s.UserID),
			LeaveTypeID:   string(s.LeaveTypeID),
			Balance:       s.Balance.String(),
			TotalCredited: s.TotalCredited.String(),
			TotalDebited:  s.TotalDebited.String(),
			Entries:       s.Entries,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN - accrual, carryover, adjustments
// =============================================================================

func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	summary, err := h.Engine.RunMonthlyAccrual(r.Context(), orgID(r), time.Month(req.Month), req.Year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

func (h *Handler) RunCarryover(w http.ResponseWriter, r *http.Request) {
	var req CarryoverRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	summary, err := h.Engine.RunYearEndCarryover(r.Context(), orgID(r), req.Year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	delta, err := decimal.NewFromString(req.DeltaHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delta_hours", err)
		return
	}
	entry, err := h.Engine.AdjustBalance(r.Context(), orgID(r),
		leave.UserID(req.UserID), leave.LeaveTypeID(req.LeaveTypeID), delta, req.Reason, callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*entry))
}

// =============================================================================
// HELPERS
// =============================================================================

func orgID(r *http.Request) leave.OrgID {
	return leave.OrgID(chi.URLParam(r, "org"))
}

func requestID(r *http.Request) leave.RequestID {
	return leave.RequestID(chi.URLParam(r, "id"))
}

func callerID(r *http.Request) leave.UserID {
	return leave.UserID(r.Header.Get("X-User-ID"))
}

func roleLevel(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get("X-Role-Level"))
	if err != nil {
		return 0
	}
	return n
}

func toRunSummaryDTO(s *leave.RunSummary) RunSummaryDTO {
	return RunSummaryDTO{Credited: s.Credited, Debited: s.Debited, Skipped: s.Skipped, Errors: s.Errors}
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

// writeDomainError maps domain error categories to HTTP statuses. A
// shift conflict gets its own shape so clients can offer the override.
func writeDomainError(w http.ResponseWriter, err error) {
	var sc *leave.ShiftConflictError
	if errors.As(err, &sc) {
		writeJSON(w, http.StatusConflict, ShiftConflictDTO{
			Error:  sc.Error(),
			Shifts: toShiftDTOs(sc.Shifts),
		})
		return
	}
	switch {
	case leave.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case leave.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case leave.IsBadRequest(err):
		writeError(w, http.StatusBadRequest, "Bad request", err)
	case leave.IsForbidden(err):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
