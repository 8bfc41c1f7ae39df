package calendar

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/bookcal/bookcal/internal/availability"
)

const defaultProductID = "-//bookcal//engine//EN"

// uidNamespace makes exported UIDs stable for the same instant and summary.
var uidNamespace = uuid.MustParse("6f1d0c52-6f87-4a4e-9a53-1b0c3f0a8e21")

// ExportOptions controls the generated VCALENDAR.
type ExportOptions struct {
	ProductID string
	Summary   string
	// Now stamps DTSTAMP. Zero means the current time.
	Now time.Time
}

func (o ExportOptions) withDefaults(summary string) ExportOptions {
	if o.ProductID == "" {
		o.ProductID = defaultProductID
	}
	if o.Summary == "" {
		o.Summary = summary
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

func newCalendar(productID string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

func newEvent(summary string, start, end, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	uid := uuid.NewSHA1(uidNamespace, []byte(summary+"|"+start.UTC().Format(time.RFC3339)))
	ve.Props.SetText(ical.PropUID, uid.String())
	ve.Props.SetText(ical.PropSummary, summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	return ve
}

// ExportSlots writes the available slots as transparent VEVENTs. Unavailable
// slots are left out.
func ExportSlots(w io.Writer, slots []availability.TimeSlot, opts ExportOptions) error {
	opts = opts.withDefaults("Available")
	cal := newCalendar(opts.ProductID)
	for _, s := range slots {
		if !s.Available {
			continue
		}
		ve := newEvent(opts.Summary, s.Start, s.End, opts.Now)
		ve.Props.SetText(ical.PropTransparency, "TRANSPARENT")
		cal.Children = append(cal.Children, ve)
	}
	return encode(w, cal)
}

// ExportOccurrences writes one VEVENT of the given length per occurrence.
func ExportOccurrences(w io.Writer, occurrences []time.Time, duration time.Duration, opts ExportOptions) error {
	if duration <= 0 {
		return fmt.Errorf("occurrence duration must be positive, got %s", duration)
	}
	opts = opts.withDefaults("Booking")
	cal := newCalendar(opts.ProductID)
	for _, at := range occurrences {
		cal.Children = append(cal.Children, newEvent(opts.Summary, at, at.Add(duration), opts.Now))
	}
	return encode(w, cal)
}

func encode(w io.Writer, cal *ical.Calendar) error {
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}
