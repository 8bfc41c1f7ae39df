package availability

import (
	"fmt"
	"time"
)

// IssueCode classifies a range validation finding.
type IssueCode string

const (
	IssueInvalidRange       IssueCode = "invalid-range"
	IssueNonWorkingDay      IssueCode = "non-working-day"
	IssueOutsideHours       IssueCode = "outside-working-hours"
	IssueAppointmentOverlap IssueCode = "appointment-overlap"
	IssueBreakOverlap       IssueCode = "break-overlap"
	IssueTooSoon            IssueCode = "too-soon"
	IssueTooFar             IssueCode = "too-far-in-advance"
)

// Issue is one conflict or warning.
type Issue struct {
	Code          IssueCode `json:"code"`
	Message       string    `json:"message"`
	AppointmentID string    `json:"appointmentId,omitempty"`
}

// RangeRequest is the input of ValidateTimeRange. A zero Now means the wall
// clock.
type RangeRequest struct {
	Start        time.Time     `json:"start" validate:"required"`
	End          time.Time     `json:"end" validate:"required"`
	Appointments []Appointment `json:"appointments"`
	Rules        Rules         `json:"rules"`
	Now          time.Time     `json:"now"`
}

// RangeValidation is the verdict for one proposed range.
type RangeValidation struct {
	IsValid   bool    `json:"isValid"`
	Conflicts []Issue `json:"conflicts"`
	Warnings  []Issue `json:"warnings"`
}

// ValidateTimeRange runs every check against a proposed booking and reports
// all failures rather than stopping at the first. Booking-window violations
// are warnings and do not make the range invalid.
func ValidateTimeRange(req RangeRequest) (*RangeValidation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid range request: %w", err)
	}
	if err := req.Rules.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateAppointments(req.Appointments); err != nil {
		return nil, err
	}
	loc, err := req.Rules.Location()
	if err != nil {
		return nil, err
	}

	proposed := Interval{Start: req.Start, End: req.End}
	day := req.Start.In(loc)
	out := &RangeValidation{
		Conflicts: make([]Issue, 0),
		Warnings:  make([]Issue, 0),
	}

	if !req.Start.Before(req.End) {
		out.Conflicts = append(out.Conflicts, Issue{
			Code:    IssueInvalidRange,
			Message: "start time must be before end time",
		})
	}

	if !req.Rules.IsWorkingDay(day.Weekday()) {
		out.Conflicts = append(out.Conflicts, Issue{
			Code:    IssueNonWorkingDay,
			Message: fmt.Sprintf("%s is not a working day", Weekday(day.Weekday())),
		})
	}

	window := req.Rules.WorkingWindow(day)
	if req.Start.Before(window.Start) || req.End.After(window.End) {
		out.Conflicts = append(out.Conflicts, Issue{
			Code:    IssueOutsideHours,
			Message: fmt.Sprintf("outside working hours %s", req.Rules.WorkingHours),
		})
	}

	for _, a := range req.Appointments {
		if Overlaps(proposed, a.Occupied()) {
			out.Conflicts = append(out.Conflicts, Issue{
				Code:          IssueAppointmentOverlap,
				Message:       fmt.Sprintf("overlaps existing appointment %s", a.ID),
				AppointmentID: a.ID,
			})
		}
	}

	for _, b := range req.Rules.Breaks {
		if Overlaps(proposed, b.On(day)) {
			out.Conflicts = append(out.Conflicts, Issue{
				Code:    IssueBreakOverlap,
				Message: fmt.Sprintf("overlaps break %s", b),
			})
		}
	}

	now := evaluatedAt(req.Now)
	if req.Start.Before(req.Rules.NoticeHorizon(now)) {
		out.Warnings = append(out.Warnings, Issue{
			Code:    IssueTooSoon,
			Message: fmt.Sprintf("booking starts within the minimum notice of %g hours", req.Rules.MinimumBookingNoticeHours),
		})
	}
	if horizon, ok := req.Rules.AdvanceHorizon(now); ok && req.Start.After(horizon) {
		out.Warnings = append(out.Warnings, Issue{
			Code:    IssueTooFar,
			Message: fmt.Sprintf("booking starts more than %g days in advance", req.Rules.MaximumBookingAdvanceDays),
		})
	}

	out.IsValid = len(out.Conflicts) == 0
	return out, nil
}
