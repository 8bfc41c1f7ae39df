package availability

import "time"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps checks whether two half-open ranges intersect. Adjacent ranges
// (a.End == b.Start) do not overlap. The same test is used for breaks,
// appointments and candidate slots alike.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Overlaps is the method form of the package-level Overlaps.
func (i Interval) Overlaps(other Interval) bool {
	return Overlaps(i, other)
}

// Duration is End - Start, or zero for empty and inverted ranges.
func (i Interval) Duration() time.Duration {
	if !i.Start.Before(i.End) {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Intersection returns the common part of two ranges; it is empty when they
// do not overlap.
func (i Interval) Intersection(other Interval) Interval {
	if !Overlaps(i, other) {
		return Interval{}
	}
	out := i
	if other.Start.After(out.Start) {
		out.Start = other.Start
	}
	if other.End.Before(out.End) {
		out.End = other.End
	}
	return out
}
