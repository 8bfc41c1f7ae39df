package availability

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// minReportableGap is the idle time between appointments that the optimizer
// starts to flag. Gaps of exactly this length are not reported.
const minReportableGap = 30 * time.Minute

// Target labels what the caller wants the schedule optimized for. It does not
// change the computation.
type Target string

const (
	TargetTime         Target = "time"
	TargetRevenue      Target = "revenue"
	TargetSatisfaction Target = "satisfaction"
)

const (
	wellOptimizedRemark = "Schedule is well optimized"
	fillGapsRemark      = "Consider filling the gaps above to improve utilization"
)

// OptimizeRequest is the input of OptimizeSchedule.
type OptimizeRequest struct {
	Appointments []Appointment `json:"appointments"`
	Rules        Rules         `json:"rules"`
	Target       Target        `json:"target,omitempty" validate:"omitempty,oneof=time revenue satisfaction"`
}

// Gap is idle time between two consecutive appointments.
type Gap struct {
	After   string    `json:"after"`
	Before  string    `json:"before"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Minutes int       `json:"minutes"`
}

// OptimizationResult is advisory; OptimizedSchedule is a sorted copy of the
// input and never a rewritten schedule.
type OptimizationResult struct {
	OptimizedSchedule []Appointment `json:"optimizedSchedule"`
	ImprovementScore  int           `json:"improvementScore"`
	Suggestions       []string      `json:"suggestions"`
	Gaps              []Gap         `json:"gaps"`
	Target            Target        `json:"target"`
	ScheduledMinutes  int           `json:"scheduledMinutes"`
	IdleMinutes       int           `json:"idleMinutes"`
	WorkingMinutes    int           `json:"workingMinutes"`
}

// OptimizeSchedule measures how tightly a day's appointments are packed. Only
// idle gaps longer than 30 minutes count against the score.
func OptimizeSchedule(req OptimizeRequest) (*OptimizationResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid optimize request: %w", err)
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

	target := req.Target
	if target == "" {
		target = TargetTime
	}

	sorted := make([]Appointment, len(req.Appointments))
	copy(sorted, req.Appointments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	res := &OptimizationResult{
		OptimizedSchedule: sorted,
		Suggestions:       make([]string, 0),
		Gaps:              make([]Gap, 0),
		Target:            target,
	}

	var scheduled, idle time.Duration
	var lastEnd time.Time
	var lastID string
	for i, a := range sorted {
		occupied := a.Occupied()
		scheduled += occupied.Duration()
		if i > 0 {
			if gap := a.Start.Sub(lastEnd); gap > minReportableGap {
				idle += gap
				res.Gaps = append(res.Gaps, Gap{
					After:   lastID,
					Before:  a.ID,
					Start:   lastEnd,
					End:     a.Start,
					Minutes: int(gap / time.Minute),
				})
				res.Suggestions = append(res.Suggestions, fmt.Sprintf(
					"Consider filling the %d-minute gap between %s and %s",
					int(gap/time.Minute), lastEnd.In(loc).Format("15:04"), a.Start.In(loc).Format("15:04")))
			}
		}
		if i == 0 || occupied.End.After(lastEnd) {
			lastEnd = occupied.End
			lastID = a.ID
		}
	}

	res.ScheduledMinutes = int(scheduled / time.Minute)
	res.IdleMinutes = int(idle / time.Minute)
	res.ImprovementScore = utilizationScore(scheduled, idle)
	if len(sorted) > 0 {
		res.WorkingMinutes = req.Rules.WorkingMinutes(sorted[0].Start.In(loc))
	}

	if len(res.Gaps) == 0 {
		res.Suggestions = append(res.Suggestions, wellOptimizedRemark)
	} else {
		res.Suggestions = append(res.Suggestions, fillGapsRemark)
	}
	return res, nil
}

// utilizationScore is scheduled/(scheduled+idle) as a 0-100 integer. An
// empty day has nothing idle and scores 100.
func utilizationScore(scheduled, idle time.Duration) int {
	total := scheduled + idle
	if total <= 0 {
		return 100
	}
	score := int(math.Round(float64(scheduled) / float64(total) * 100))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
