package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookcal/bookcal/internal/availability"
	"github.com/bookcal/bookcal/internal/calendar"
	"github.com/bookcal/bookcal/internal/config"
)

func recurCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recur",
		Short: "Expand a recurring booking against a rules file",
		RunE: func(cmd *cobra.Command, args []string) error {
			rulesPath, _ := cmd.Flags().GetString("rules")
			startFlag, _ := cmd.Flags().GetString("start")
			frequency, _ := cmd.Flags().GetString("frequency")
			interval, _ := cmd.Flags().GetInt("interval")
			days, _ := cmd.Flags().GetStringSlice("days")
			untilFlag, _ := cmd.Flags().GetString("until")
			count, _ := cmd.Flags().GetInt("count")
			duration, _ := cmd.Flags().GetInt("duration")
			asICS, _ := cmd.Flags().GetBool("ics")

			rf, err := config.LoadRulesFile(rulesPath)
			if err != nil {
				return err
			}
			loc, err := rf.Rules.Location()
			if err != nil {
				return err
			}
			start, _, err := parseInstant(startFlag, loc)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}

			pattern := availability.RecurringPattern{
				Frequency:      availability.Frequency(frequency),
				Interval:       interval,
				MaxOccurrences: count,
			}
			for _, d := range days {
				wd, err := availability.ParseWeekday(d)
				if err != nil {
					return err
				}
				pattern.DaysOfWeek = append(pattern.DaysOfWeek, wd)
			}
			if untilFlag != "" {
				until, dateOnly, err := parseInstant(untilFlag, loc)
				if err != nil {
					return fmt.Errorf("invalid --until: %w", err)
				}
				if dateOnly {
					until = until.AddDate(0, 0, 1).Add(-time.Nanosecond)
				}
				pattern.EndDate = &until
			}

			occurrences, err := availability.CalculateRecurring(availability.RecurrenceRequest{
				StartDate: start,
				Pattern:   pattern,
				Rules:     rf.Rules,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d occurrences\n", len(occurrences))

			if asICS {
				return calendar.ExportOccurrences(cmd.OutOrStdout(), occurrences,
					time.Duration(duration)*time.Minute, calendar.ExportOptions{Now: start})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(occurrences)
		},
	}
	cmd.Flags().String("rules", "", "YAML rules file (required)")
	cmd.Flags().String("start", "", "First occurrence, a date or RFC 3339 instant (required)")
	cmd.Flags().String("frequency", "weekly", "daily, weekly or monthly")
	cmd.Flags().Int("interval", 1, "Step between occurrences in frequency units")
	cmd.Flags().StringSlice("days", nil, "Days of week, e.g. mon,wed")
	cmd.Flags().String("until", "", "Last instant, or last day, an occurrence may fall on")
	cmd.Flags().Int("count", 0, "Maximum number of occurrences")
	cmd.Flags().Int("duration", 60, "Occurrence length in minutes for --ics")
	cmd.Flags().Bool("ics", false, "Write occurrences as iCalendar")
	_ = cmd.MarkFlagRequired("rules")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}
