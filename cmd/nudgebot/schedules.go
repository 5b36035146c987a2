package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nudgebot/internal/ops"
	"nudgebot/internal/store"
)

// ---- list ------------------------------------------------------------------

var (
	listAgent string
	listAll   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		infos, err := a.Ops().List(ctx, ops.ListRequest{
			AgentID:         listAgent,
			IncludeInactive: listAll,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(infos)
		}
		if len(infos) == 0 {
			fmt.Println("No schedules.")
			return nil
		}
		fmt.Printf("%-6s %-20s %-8s %-22s %-20s %-8s %s\n",
			"ID", "Agent", "Kind", "Spec", "Next Run", "Status", "Message")
		fmt.Println(strings.Repeat("-", 110))
		for _, in := range infos {
			status := "active"
			if !in.Active {
				status = "inactive"
			}
			fmt.Printf("%-6d %-20s %-8s %-22s %-20s %-8s %s\n",
				in.ID, truncate(in.AgentID, 19), in.Kind, truncate(in.Spec, 21),
				fmtTime(in.NextRun), status, truncate(in.Message, 40))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listAgent, "agent", "", "Only schedules for this agent")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include inactive schedules")
}

// ---- cancel ----------------------------------------------------------------

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		res, err := a.Ops().Cancel(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("schedule %d not found", id)
			}
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("✓ Canceled schedule %d\n", id)
		return nil
	},
}

// ---- run -------------------------------------------------------------------

var (
	runLoop     bool
	runInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a delivery pass now",
	Long: `Run one delivery pass immediately: claim everything due, deliver it,
advance schedule state. With --loop, keep running passes at --interval
until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		if runLoop {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interval := runInterval
			if interval <= 0 {
				interval = a.Runner().Config().Interval
			}
			fmt.Printf("Running delivery passes every %s. Press Ctrl+C to stop.\n", interval)
			err := a.Runner().Run(ctx, interval)
			if errors.Is(err, context.Canceled) {
				fmt.Println("\nStopped.")
				return nil
			}
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		sum, err := a.Ops().RunOnce(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(sum)
		}
		fmt.Printf("Pass complete: %d claimed, %d delivered, %d transient, %d permanent, %d deactivated\n",
			sum.Claimed, sum.Delivered, sum.Transient, sum.Permanent, sum.Deactivated)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "Keep running passes until interrupted")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Pass interval for --loop (default from config)")
}
