package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nudgebot/internal/ops"
)

var (
	registerAgent   string
	registerMessage string
	registerTime    string
	registerCron    string
	registerEvery   string
	registerStartAt string
	registerMaxReps int64
	registerSkipVal bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a schedule",
	Long: `Register a one-shot (--time), cron (--cron) or interval (--every)
schedule. Exactly one of the three selects the kind. The agent must exist
on the server unless --skip-validation is given.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		res, err := a.Ops().Register(ctx, ops.RegisterRequest{
			AgentID:        registerAgent,
			Message:        registerMessage,
			Time:           registerTime,
			Cron:           registerCron,
			Every:          registerEvery,
			StartAt:        registerStartAt,
			MaxRepetitions: registerMaxReps,
			SkipValidation: registerSkipVal,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("✓ Registered %s schedule %d, first delivery %s\n",
			res.Kind, res.ID, fmtTime(res.NextRun))
		return nil
	},
}

func init() {
	f := registerCmd.Flags()
	f.StringVarP(&registerAgent, "agent", "a", "", "Agent ID to deliver to (required)")
	f.StringVarP(&registerMessage, "message", "m", "", "Message text (required)")
	f.StringVar(&registerTime, "time", "", "One-shot delivery time (RFC3339 or 'YYYY-MM-DD HH:MM', UTC)")
	f.StringVar(&registerCron, "cron", "", "5-field cron expression (e.g. '0 9 * * *')")
	f.StringVar(&registerEvery, "every", "", "Repeat interval (seconds or Go duration, e.g. 90, 5m)")
	f.StringVar(&registerStartAt, "start-at", "", "First occurrence for --every schedules")
	f.Int64Var(&registerMaxReps, "max-repetitions", 0, "Stop an --every schedule after N deliveries")
	f.BoolVar(&registerSkipVal, "skip-validation", false, "Skip the agent existence check")

	_ = registerCmd.MarkFlagRequired("agent")
	_ = registerCmd.MarkFlagRequired("message")
}
