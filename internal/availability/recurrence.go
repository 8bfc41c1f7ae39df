package availability

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	// DefaultMaxOccurrences caps patterns that set neither an end date nor a
	// maximum number of occurrences.
	DefaultMaxOccurrences = 366

	// maxConsecutiveMisses bounds how many cursor positions in a row may be
	// rejected by the day filters before generation gives up.
	maxConsecutiveMisses = 5000
)

var ErrInvalidPattern = errors.New("invalid recurring pattern")

// Frequency is the step unit of a recurring pattern.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

var rruleFrequencies = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
}

// rruleWeekdays is indexed by time.Weekday.
var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// RecurringPattern describes how a booking repeats.
type RecurringPattern struct {
	Frequency      Frequency  `json:"frequency" yaml:"frequency" validate:"required,oneof=daily weekly monthly"`
	Interval       int        `json:"interval" yaml:"interval" validate:"gte=1"`
	DaysOfWeek     []Weekday  `json:"daysOfWeek,omitempty" yaml:"daysOfWeek,omitempty" validate:"dive,min=0,max=6"`
	EndDate        *time.Time `json:"endDate,omitempty" yaml:"endDate,omitempty"`
	MaxOccurrences int        `json:"maxOccurrences,omitempty" yaml:"maxOccurrences,omitempty" validate:"gte=0"`
}

// RecurrenceRequest is the input of CalculateRecurring. FallbackMax replaces
// DefaultMaxOccurrences for open-ended patterns when positive. Occurrences
// are not checked against the notice or advance booking window.
type RecurrenceRequest struct {
	StartDate   time.Time        `json:"startDate" validate:"required"`
	Pattern     RecurringPattern `json:"pattern"`
	Rules       Rules            `json:"rules"`
	FallbackMax int              `json:"-"`
}

func (p RecurringPattern) includes(d time.Weekday) bool {
	if len(p.DaysOfWeek) == 0 {
		return true
	}
	for _, wd := range p.DaysOfWeek {
		if time.Weekday(wd) == d {
			return true
		}
	}
	return false
}

// limit is the number of occurrences after which generation stops.
func (p RecurringPattern) limit(fallback int) int {
	if p.MaxOccurrences > 0 {
		return p.MaxOccurrences
	}
	if p.EndDate != nil {
		return math.MaxInt
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxOccurrences
}

// cursor builds the rrule that walks candidate dates. Weekly patterns with
// days of week expand onto those weekdays of every interval-th week; daily
// and monthly patterns only step and are filtered afterwards.
func (p RecurringPattern) cursor(start time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Freq:     rruleFrequencies[p.Frequency],
		Interval: p.Interval,
		Dtstart:  start,
	}
	if p.EndDate != nil {
		opt.Until = p.EndDate.In(start.Location())
	}
	if p.Frequency == Weekly && len(p.DaysOfWeek) > 0 {
		for _, wd := range p.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[time.Weekday(wd)])
		}
	}
	return rrule.NewRRule(opt)
}

// CalculateRecurring expands a pattern into concrete occurrence times. Each
// occurrence falls on a working day and on one of the pattern's days of week;
// the result is strictly increasing.
func CalculateRecurring(req RecurrenceRequest) ([]time.Time, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if err := req.Rules.Validate(); err != nil {
		return nil, err
	}
	loc, err := req.Rules.Location()
	if err != nil {
		return nil, err
	}

	start := req.StartDate.In(loc)
	r, err := req.Pattern.cursor(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	limit := req.Pattern.limit(req.FallbackMax)
	occurrences := make([]time.Time, 0)
	next := r.Iterator()
	misses := 0
	for misses < maxConsecutiveMisses && len(occurrences) < limit {
		at, ok := next()
		if !ok {
			break
		}
		if !req.Rules.IsWorkingDay(at.Weekday()) || !req.Pattern.includes(at.Weekday()) {
			misses++
			continue
		}
		if n := len(occurrences); n > 0 && !at.After(occurrences[n-1]) {
			misses++
			continue
		}
		occurrences = append(occurrences, at)
		misses = 0
	}
	return occurrences, nil
}
