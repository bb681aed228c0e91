/*
overlap.go - Temporal conflict detection

PURPOSE:
  Answers two questions for a user and a half-open [start, end)
  interval: does it intersect already approved leave, and does it
  intersect scheduled shifts. Leave overlap is checked at creation
  time; shift conflicts only at approval time, where the approver can
  override.
*/
package leave

import (
	"context"
	"fmt"
)

type OverlapDetector struct {
	requests RequestStore
	shifts   ShiftStore
}

func NewOverlapDetector(requests RequestStore, shifts ShiftStore) *OverlapDetector {
	return &OverlapDetector{requests: requests, shifts: shifts}
}

// HasApprovedLeaveOverlap reports whether any APPROVED request for the
// user intersects iv, using half-open semantics
// (a.start < b.end && b.start < a.end). exclude skips one request id,
// so re-checks during that request's own approval do not self-collide.
func (d *OverlapDetector) HasApprovedLeaveOverlap(ctx context.Context, user UserID, iv Interval, exclude *RequestID) (bool, error) {
	if !iv.Valid() {
		return false, fmt.Errorf("%w: interval start must be before end", ErrBadRequest)
	}
	overlapping, err := d.requests.ListApprovedOverlapping(ctx, user, iv, exclude)
	if err != nil {
		return false, err
	}
	return len(overlapping) > 0, nil
}

// FindConflictingShifts returns every PUBLISHED or APPROVED shift for
// the user intersecting iv.
func (d *OverlapDetector) FindConflictingShifts(ctx context.Context, user UserID, iv Interval) ([]Shift, error) {
	shifts, err := d.shifts.FindOverlappingShifts(ctx, user, iv)
	if err != nil {
		return nil, err
	}
	var conflicts []Shift
	for _, s := range shifts {
		if s.Blocking() && s.Interval.Overlaps(iv) {
			conflicts = append(conflicts, s)
		}
	}
	return conflicts, nil
}
