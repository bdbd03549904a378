package main

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the post-fork retarget schedule.",
	Args:  cobra.NoArgs,
	RunE:  scheduleRun,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

type scheduleRow struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to,omitempty"` // exclusive; 0 = open ended
	Interval uint64 `json:"interval"`
	Timespan uint64 `json:"timespan"`
}

func scheduleRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	fcfg := cfg.ForkConfig(params)
	sched := fork.NewSchedule(fcfg)

	var rows []scheduleRow
	if !sched.Forced() {
		rows = append(rows, scheduleRow{Interval: sched.Normal(), Timespan: sched.Normal() * fcfg.TargetSpacing})
	} else {
		entries := sched.Entries()
		for i, e := range entries {
			row := scheduleRow{From: e.Start, Interval: e.Interval, Timespan: e.Interval * fcfg.TargetSpacing}
			if i+1 < len(entries) {
				row.To = entries[i+1].Start
			}
			rows = append(rows, row)
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	if !sched.Forced() {
		fmt.Println("Post-fork schedule disabled (fork.forceretarget = false).")
	} else {
		fmt.Printf("Special period: %d blocks after activation\n", sched.Period())
	}
	fmt.Printf("%-20s %10s %12s\n", "BLOCKS SINCE FORK", "INTERVAL", "TIMESPAN")
	for _, r := range rows {
		span := fmt.Sprintf("%d+", r.From)
		if r.To != 0 {
			span = fmt.Sprintf("%d-%d", r.From, r.To-1)
		}
		fmt.Printf("%-20s %10d %11ds\n", span, r.Interval, r.Timespan)
	}
	return nil
}
