package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookcal/bookcal/internal/availability"
	"github.com/bookcal/bookcal/internal/calendar"
	"github.com/bookcal/bookcal/internal/config"
)

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Generate slots for a rules file, optionally against an .ics busy calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			rulesPath, _ := cmd.Flags().GetString("rules")
			fromFlag, _ := cmd.Flags().GetString("from")
			toFlag, _ := cmd.Flags().GetString("to")
			duration, _ := cmd.Flags().GetInt("duration")
			busyPath, _ := cmd.Flags().GetString("busy")
			onlyAvailable, _ := cmd.Flags().GetBool("available")
			asICS, _ := cmd.Flags().GetBool("ics")
			nowFlag, _ := cmd.Flags().GetString("now")

			rf, err := config.LoadRulesFile(rulesPath)
			if err != nil {
				return err
			}
			loc, err := rf.Rules.Location()
			if err != nil {
				return err
			}
			from, _, err := parseInstant(fromFlag, loc)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			to, dateOnly, err := parseInstant(toFlag, loc)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			if dateOnly {
				to = to.AddDate(0, 0, 1)
			}
			now := time.Now()
			if nowFlag != "" {
				if now, _, err = parseInstant(nowFlag, loc); err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
			}

			appts := rf.Appointments
			if busyPath != "" {
				busy, err := importBusy(busyPath, availability.Interval{Start: from, End: to}, loc, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				appts = append(appts, busy...)
			}

			req := availability.SlotRequest{
				StartDate:           from,
				EndDate:             to,
				SlotDurationMinutes: duration,
				Rules:               rf.Rules,
				Appointments:        appts,
				Now:                 now,
			}
			slots, err := availability.GenerateTimeSlots(req)
			if err != nil {
				return err
			}
			printSummary(cmd.ErrOrStderr(), slots)

			if asICS {
				return calendar.ExportSlots(cmd.OutOrStdout(), slots, calendar.ExportOptions{Now: now})
			}
			if onlyAvailable {
				slots = availableOnly(slots)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(slots)
		},
	}
	cmd.Flags().String("rules", "", "YAML rules file (required)")
	cmd.Flags().String("from", "", "Range start, a date or RFC 3339 instant (required)")
	cmd.Flags().String("to", "", "Range end; a date is inclusive (required)")
	cmd.Flags().Int("duration", 30, "Slot length in minutes")
	cmd.Flags().String("busy", "", "iCalendar file whose events block time")
	cmd.Flags().Bool("available", false, "Print only bookable slots")
	cmd.Flags().Bool("ics", false, "Write available slots as iCalendar")
	cmd.Flags().String("now", "", "Evaluate notice and advance limits at this instant")
	_ = cmd.MarkFlagRequired("rules")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func importBusy(path string, window availability.Interval, loc *time.Location, log io.Writer) ([]availability.Appointment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open busy calendar: %w", err)
	}
	defer f.Close()

	res, err := calendar.ImportBusy(f, calendar.ImportOptions{Window: window, Location: loc})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(log, "busy: %d blocks imported, %d events skipped\n", len(res.Appointments), res.Skipped)
	if len(res.Truncated) > 0 {
		fmt.Fprintf(log, "busy: expansion truncated for %s\n", strings.Join(res.Truncated, ", "))
	}
	return res.Appointments, nil
}

func availableOnly(slots []availability.TimeSlot) []availability.TimeSlot {
	out := make([]availability.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}

// printSummary writes e.g. "16 slots, 13 available (break=2 occupied=1)".
func printSummary(w io.Writer, slots []availability.TimeSlot) {
	counts := availability.CountByReason(slots)
	blocked := 0
	parts := make([]string, 0, len(counts))
	for reason, n := range counts {
		blocked += n
		parts = append(parts, fmt.Sprintf("%s=%d", reason.Code(), n))
	}
	sort.Strings(parts)

	line := fmt.Sprintf("%d slots, %d available", len(slots), len(slots)-blocked)
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, " ") + ")"
	}
	fmt.Fprintln(w, line)
}

// parseInstant accepts an RFC 3339 instant or a date in loc. The boolean
// reports a date-only value.
func parseInstant(s string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	return t, true, err
}
