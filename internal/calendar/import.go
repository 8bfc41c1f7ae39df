// Package calendar converts between iCalendar documents and engine values:
// busy blocks from an .ics feed become appointments, and slots or recurrence
// occurrences are written back out as VEVENTs.
//
// Parsing uses arran4/golang-ical, whose VEvent exposes raw parameters for
// all-day values and EXDATE lists. Writing uses emersion/go-ical, whose typed
// property setters and Encoder produce the output calendar.
package calendar

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/bookcal/bookcal/internal/availability"
)

const defaultMaxOccurrencesPerEvent = 5000

var ErrEmptyWindow = errors.New("import window is empty")

// ImportOptions bounds an import. Only busy time intersecting Window is
// returned; recurring events are expanded inside it.
type ImportOptions struct {
	Window availability.Interval

	// Location resolves floating and all-day times. Nil means UTC.
	Location *time.Location

	// MaxOccurrencesPerEvent caps RRULE expansion. Zero uses the default.
	MaxOccurrencesPerEvent int
}

// ImportResult is the busy time found in a calendar.
type ImportResult struct {
	Appointments []availability.Appointment
	// Skipped counts VEVENTs that were unusable (no UID, no time range) or
	// did not block time (transparent, cancelled).
	Skipped int
	// Truncated lists UIDs whose expansion hit the occurrence cap.
	Truncated []string
}

type busyEvent struct {
	uid     string
	start   time.Time
	end     time.Time
	rrule   string
	exdates []time.Time
}

// ImportBusy reads an iCalendar document and returns its opaque events as
// appointments.
func ImportBusy(r io.Reader, opts ImportOptions) (*ImportResult, error) {
	if !opts.Window.Start.Before(opts.Window.End) {
		return nil, ErrEmptyWindow
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxOccurrencesPerEvent <= 0 {
		opts.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	res := &ImportResult{Appointments: make([]availability.Appointment, 0)}
	for _, ve := range cal.Events() {
		ev, ok := parseBusyEvent(ve, opts.Location)
		if !ok {
			res.Skipped++
			continue
		}

		if ev.rrule == "" {
			if appt := ev.appointment(ev.uid, ev.start); availability.Overlaps(appt.Booked(), opts.Window) {
				res.Appointments = append(res.Appointments, appt)
			}
			continue
		}

		appts, truncated, err := ev.expand(opts)
		if err != nil {
			res.Skipped++
			continue
		}
		if truncated {
			res.Truncated = append(res.Truncated, ev.uid)
		}
		res.Appointments = append(res.Appointments, appts...)
	}

	sort.SliceStable(res.Appointments, func(i, j int) bool {
		return res.Appointments[i].Start.Before(res.Appointments[j].Start)
	})
	return res, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func parseBusyEvent(ve *ical.VEvent, loc *time.Location) (busyEvent, bool) {
	ev := busyEvent{uid: propValue(ve, ical.ComponentPropertyUniqueId)}
	if ev.uid == "" {
		return ev, false
	}
	if strings.EqualFold(propValue(ve, "TRANSP"), "TRANSPARENT") ||
		strings.EqualFold(propValue(ve, "STATUS"), "CANCELLED") {
		return ev, false
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, false
	}

	if isDateValue(dtStart) {
		day, err := time.ParseInLocation("20060102", strings.TrimSpace(dtStart.Value), loc)
		if err != nil {
			return ev, false
		}
		ev.start = day
		ev.end = day.AddDate(0, 0, 1)
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if end, err := time.ParseInLocation("20060102", strings.TrimSpace(dtEnd.Value), loc); err == nil && end.After(day) {
				ev.end = end
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, false
		}
		end, err := ve.GetEndAt()
		if err != nil {
			return ev, false
		}
		ev.start, ev.end = start, end
	}
	if !ev.start.Before(ev.end) {
		return ev, false
	}

	ev.rrule = propValue(ve, ical.ComponentPropertyRrule)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, loc); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	return ev, true
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseICSTime handles the UTC, floating and date-only forms used by EXDATE.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

func (ev busyEvent) appointment(id string, start time.Time) availability.Appointment {
	return availability.Appointment{
		ID:                     id,
		Start:                  start,
		End:                    start.Add(ev.end.Sub(ev.start)),
		ServiceDurationMinutes: int(ev.end.Sub(ev.start) / time.Minute),
	}
}

// expand lays the event's RRULE over the window. Occurrences that began
// before the window but run into it are kept.
func (ev busyEvent) expand(opts ImportOptions) ([]availability.Appointment, bool, error) {
	r, err := rrule.StrToRRule(ev.rrule)
	if err != nil {
		return nil, false, err
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exdates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	duration := ev.end.Sub(ev.start)
	from := opts.Window.Start.Add(-duration).In(ev.start.Location())
	to := opts.Window.End.In(ev.start.Location())

	starts := set.Between(from, to, true)
	truncated := false
	if len(starts) > opts.MaxOccurrencesPerEvent {
		starts = starts[:opts.MaxOccurrencesPerEvent]
		truncated = true
	}

	out := make([]availability.Appointment, 0, len(starts))
	for _, s := range starts {
		appt := ev.appointment(fmt.Sprintf("%s@%s", ev.uid, s.UTC().Format("20060102T150405Z")), s)
		if availability.Overlaps(appt.Booked(), opts.Window) {
			out = append(out, appt)
		}
	}
	return out, truncated, nil
}
