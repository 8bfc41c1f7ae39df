package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookcal/bookcal/internal/availability"
	"github.com/bookcal/bookcal/internal/dispatcher"
)

const rulesYAML = `
rules:
  workingHours:
    start: "09:00"
    end: "17:00"
  workingDays: [monday, tuesday, wednesday, thursday, friday]
  breaks:
    - start: "12:00"
      end: "13:00"
  minimumBookingNoticeHours: 24
  maximumBookingAdvanceDays: 60
  timezone: Europe/London
appointments:
  - id: appt-1
    start: 2025-01-06T10:00:00Z
    serviceDurationMinutes: 45
    bufferMinutes: 15
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

// ---------- run ----------

func startDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d := dispatcher.New(dispatcher.Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func TestServeStream(t *testing.T) {
	validate := `{"id":"t-1","type":"validateTimeRange","payload":{"start":"2025-01-06T12:15:00Z","end":"2025-01-06T12:45:00Z",` +
		`"rules":{"workingHours":{"start":"09:00","end":"17:00"},"workingDays":[1,2,3,4,5],"breaks":[{"start":"12:00","end":"13:00"}]},` +
		`"now":"2025-01-01T00:00:00Z"}}`
	in := strings.Join([]string{
		validate,
		"",
		`{"id":"t-2","type":"bookEverything","payload":{}}`,
		"   ",
		`{not json`,
	}, "\n")

	var out bytes.Buffer
	if err := serveStream(context.Background(), startDispatcher(t), strings.NewReader(in), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 reply lines, got %d: %q", len(lines), out.String())
	}
	replies := make([]dispatcher.Reply, len(lines))
	for i, l := range lines {
		if err := json.Unmarshal([]byte(l), &replies[i]); err != nil {
			t.Fatalf("line %d is not a reply: %v", i, err)
		}
	}

	if replies[0].ID != "t-1" || !replies[0].Success {
		t.Errorf("unexpected first reply %+v", replies[0])
	}
	var v availability.RangeValidation
	if err := replies[0].Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.IsValid {
		t.Error("range over a break should not be valid")
	}

	if replies[1].ID != "t-2" || replies[1].Success || !strings.Contains(replies[1].Error, "unknown task type") {
		t.Errorf("unexpected second reply %+v", replies[1])
	}
	if replies[2].ID != "" || replies[2].Success || !strings.Contains(replies[2].Error, "invalid task message") {
		t.Errorf("unexpected third reply %+v", replies[2])
	}
}

func TestServeStream_Empty(t *testing.T) {
	var out bytes.Buffer
	if err := serveStream(context.Background(), startDispatcher(t), strings.NewReader(""), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

// ---------- slots ----------

func TestSlotsCmd(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)

	stdout, stderr, err := execute(t, "slots", "--rules", rules,
		"--from", "2025-01-06", "--to", "2025-01-06", "--now", "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var slots []availability.TimeSlot
	if err := json.Unmarshal([]byte(stdout), &slots); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(slots) != 16 {
		t.Fatalf("expected 16 slots, got %d", len(slots))
	}
	if slots[2].OccupyingAppointmentID != "appt-1" || slots[3].OccupyingAppointmentID != "appt-1" {
		t.Errorf("expected 10:00-11:00 to be held by appt-1, got %+v %+v", slots[2], slots[3])
	}
	if want := "16 slots, 12 available (break=2 occupied=2)"; !strings.Contains(stderr, want) {
		t.Errorf("expected summary %q, got %q", want, stderr)
	}
}

func TestSlotsCmd_AvailableWithBusyCalendar(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)
	busy := writeFile(t, "busy.ics", strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
BEGIN:VEVENT
UID:dentist
DTSTAMP:20250101T000000Z
DTSTART:20250106T150000Z
DTEND:20250106T160000Z
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n"))

	stdout, stderr, err := execute(t, "slots", "--rules", rules, "--busy", busy, "--available",
		"--from", "2025-01-06", "--to", "2025-01-06", "--now", "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var slots []availability.TimeSlot
	if err := json.Unmarshal([]byte(stdout), &slots); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(slots) != 10 {
		t.Errorf("expected 10 available slots, got %d", len(slots))
	}
	for _, s := range slots {
		if !s.Available {
			t.Errorf("unavailable slot in output: %+v", s)
		}
	}
	if !strings.Contains(stderr, "busy: 1 blocks imported") {
		t.Errorf("expected import summary, got %q", stderr)
	}
}

func TestSlotsCmd_ICS(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)

	stdout, _, err := execute(t, "slots", "--rules", rules, "--ics",
		"--from", "2025-01-06", "--to", "2025-01-06", "--now", "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(stdout, "BEGIN:VEVENT"); n != 12 {
		t.Errorf("expected 12 events, got %d", n)
	}
}

func TestSlotsCmd_Errors(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)

	tests := map[string][]string{
		"missing rules flag": {"slots", "--from", "2025-01-06", "--to", "2025-01-06"},
		"missing rules file": {"slots", "--rules", filepath.Join(t.TempDir(), "nope.yaml"), "--from", "2025-01-06", "--to", "2025-01-06"},
		"bad from":           {"slots", "--rules", rules, "--from", "monday", "--to", "2025-01-06"},
		"bad duration":       {"slots", "--rules", rules, "--from", "2025-01-06", "--to", "2025-01-06", "--duration", "0"},
	}
	for name, args := range tests {
		if _, _, err := execute(t, args...); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ---------- recur ----------

func TestRecurCmd(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)

	stdout, stderr, err := execute(t, "recur", "--rules", rules,
		"--start", "2025-01-06T09:00:00Z", "--days", "mon,wed", "--count", "4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []time.Time
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	want := []time.Time{
		time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if !strings.Contains(stderr, "4 occurrences") {
		t.Errorf("unexpected stderr %q", stderr)
	}
}

func TestRecurCmd_ICS(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)

	stdout, _, err := execute(t, "recur", "--rules", rules, "--ics", "--duration", "45",
		"--start", "2025-01-06T09:00:00Z", "--frequency", "daily", "--until", "2025-01-10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := strings.Count(stdout, "BEGIN:VEVENT"); n != 5 {
		t.Errorf("expected 5 events, got %d", n)
	}
}

func TestRecurCmd_BadDay(t *testing.T) {
	rules := writeFile(t, "rules.yaml", rulesYAML)
	if _, _, err := execute(t, "recur", "--rules", rules, "--start", "2025-01-06T09:00:00Z", "--days", "someday"); err == nil {
		t.Error("expected error for unknown weekday")
	}
}
