/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the domain model
  from the external contract. DTOs are pure data carriers; validation
  happens in the domain layer.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateLeaveTypeRequest struct {
	Code               string `json:"code"`
	Name               string `json:"name"`
	Paid               bool   `json:"paid"`
	RequiresApproval   bool   `json:"requires_approval"`
	MinNoticeHours     int    `json:"min_notice_hours"`
	MaxConsecutiveDays int    `json:"max_consecutive_days"`
}

type CreatePolicyRequest struct {
	LeaveTypeID       string  `json:"leave_type_id"`
	BranchID          *string `json:"branch_id,omitempty"`
	AccrualMethod     string  `json:"accrual_method"`
	AccrualRateHours  string  `json:"accrual_rate_hours"`
	CarryoverMaxHours string  `json:"carryover_max_hours"`
	MaxBalanceHours   *string `json:"max_balance_hours,omitempty"`
	RoundingPlaces    int32   `json:"rounding_places"`
	ApprovalMode      string  `json:"approval_mode"`
}

type CreateRequestRequest struct {
	UserID      string `json:"user_id"`
	LeaveTypeID string `json:"leave_type_id"`
	BranchID    string `json:"branch_id"`
	StartDate   string `json:"start_date"` // 2006-01-02
	EndDate     string `json:"end_date"`   // exclusive
	Reason      string `json:"reason"`
}

type ApproveRequestRequest struct {
	OverrideConflict bool `json:"override_conflict"`
}

type RejectRequestRequest struct {
	Reason string `json:"reason"`
}

type AdjustBalanceRequest struct {
	UserID      string `json:"user_id"`
	LeaveTypeID string `json:"leave_type_id"`
	DeltaHours  string `json:"delta_hours"`
	Reason      string `json:"reason"`
}

type AccrualRunRequest struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

type CarryoverRunRequest struct {
	Year int `json:"year"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type LeaveTypeDTO struct {
	ID                 string `json:"id"`
	Code               string `json:"code"`
	Name               string `json:"name"`
	Paid               bool   `json:"paid"`
	RequiresApproval   bool   `json:"requires_approval"`
	MinNoticeHours     int    `json:"min_notice_hours"`
	MaxConsecutiveDays int    `json:"max_consecutive_days"`
	Active             bool   `json:"active"`
}

type PolicyDTO struct {
	ID                string  `json:"id"`
	LeaveTypeID       string  `json:"leave_type_id"`
	BranchID          *string `json:"branch_id,omitempty"`
	AccrualMethod     string  `json:"accrual_method"`
	AccrualRateHours  string  `json:"accrual_rate_hours"`
	CarryoverMaxHours string  `json:"carryover_max_hours"`
	MaxBalanceHours   *string `json:"max_balance_hours,omitempty"`
	RoundingPlaces    int32   `json:"rounding_places"`
	ApprovalMode      string  `json:"approval_mode"`
	Active            bool    `json:"active"`
}

type RequestDTO struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	LeaveTypeID     string  `json:"leave_type_id"`
	BranchID        string  `json:"branch_id"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	TotalHours      string  `json:"total_hours"`
	Reason          string  `json:"reason,omitempty"`
	Status          string  `json:"status"`
	Step1Approver   *string `json:"step1_approver,omitempty"`
	Step2Approver   *string `json:"step2_approver,omitempty"`
	RejectedStage   int     `json:"rejected_stage,omitempty"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

type LedgerEntryDTO struct {
	ID            string `json:"id"`
	EntryType     string `json:"entry_type"`
	DeltaHours    string `json:"delta_hours"`
	BalanceAfter  string `json:"balance_after"`
	Seq           int64  `json:"seq"`
	Reason        string `json:"reason,omitempty"`
	ReferenceKind string `json:"reference_kind,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type BalanceDTO struct {
	UserID      string `json:"user_id"`
	LeaveTypeID string `json:"leave_type_id"`
	Hours       string `json:"hours"`
}

type BalanceSummaryDTO struct {
	UserID        string `json:"user_id"`
	LeaveTypeID   string `json:"leave_type_id"`
	Balance       string `json:"balance"`
	TotalCredited string `json:"total_credited"`
	TotalDebited  string `json:"total_debited"`
	Entries       int    `json:"entries"`
}

type RunSummaryDTO struct {
	Credited int      `json:"credited"`
	Debited  int      `json:"debited"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

type ShiftConflictDTO struct {
	Error  string     `json:"error"`
	Shifts []ShiftDTO `json:"conflicting_shifts"`
}

type ShiftDTO struct {
	ID     string `json:"id"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLeaveTypeDTO(lt leave.LeaveType) LeaveTypeDTO {
	return LeaveTypeDTO{
		ID:                 string(lt.ID),
		Code:               lt.Code,
		Name:               lt.Name,
		Paid:               lt.Paid,
		RequiresApproval:   lt.RequiresApproval,
		MinNoticeHours:     lt.MinNoticeHours,
		MaxConsecutiveDays: lt.MaxConsecutiveDays,
		Active:             lt.Active,
	}
}

func toPolicyDTO(p leave.Policy) PolicyDTO {
	dto := PolicyDTO{
		ID:                string(p.ID),
		LeaveTypeID:       string(p.LeaveTypeID),
		AccrualMethod:     string(p.AccrualMethod),
		AccrualRateHours:  p.AccrualRateHours.String(),
		CarryoverMaxHours: p.CarryoverMaxHours.String(),
		RoundingPlaces:    p.RoundingPlaces,
		ApprovalMode:      string(p.ApprovalMode),
		Active:            p.Active,
	}
	if p.BranchID != nil {
		b := string(*p.BranchID)
		dto.BranchID = &b
	}
	if p.MaxBalanceHours != nil {
		m := p.MaxBalanceHours.String()
		dto.MaxBalanceHours = &m
	}
	return dto
}

func toRequestDTO(r leave.Request) RequestDTO {
	dto := RequestDTO{
		ID:              string(r.ID),
		UserID:          string(r.UserID),
		LeaveTypeID:     string(r.LeaveTypeID),
		BranchID:        string(r.BranchID),
		StartDate:       r.Interval.Start.Format(time.DateOnly),
		EndDate:         r.Interval.End.Format(time.DateOnly),
		TotalHours:      r.TotalHours.String(),
		Reason:          r.Reason,
		Status:          string(r.Status),
		RejectedStage:   r.RejectedStage,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
	}
	if r.Step1ApproverID != nil {
		s := string(*r.Step1ApproverID)
		dto.Step1Approver = &s
	}
	if r.Step2ApproverID != nil {
		s := string(*r.Step2ApproverID)
		dto.Step2Approver = &s
	}
	return dto
}

func toLedgerEntryDTO(e leave.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            string(e.ID),
		EntryType:     string(e.Type),
		DeltaHours:    e.DeltaHours.String(),
		BalanceAfter:  e.BalanceAfter.String(),
		Seq:           e.Seq,
		Reason:        e.Reason,
		ReferenceKind: string(e.Reference.Kind),
		ReferenceID:   e.Reference.ID,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

func toShiftDTOs(shifts []leave.Shift) []ShiftDTO {
	out := make([]ShiftDTO, len(shifts))
	for i, s := range shifts {
		out[i] = ShiftDTO{
			ID:     string(s.ID),
			Start:  s.Interval.Start.Format(time.RFC3339),
			End:    s.Interval.End.Format(time.RFC3339),
			Status: string(s.Status),
		}
	}
	return out
}
