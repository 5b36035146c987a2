package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ---- test ------------------------------------------------------------------

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test the connection to the agent server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		res, err := a.Ops().TestConnection(ctx)
		if err != nil {
			return fmt.Errorf("connection to %s failed: %w", res.BaseURL, err)
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("✓ Connected to %s\n", res.BaseURL)
		if res.Version != "" {
			fmt.Printf("  Server version: %s\n", res.Version)
		}
		if res.Status != "" {
			fmt.Printf("  Status:         %s\n", res.Status)
		}
		fmt.Printf("  Agents:         %d\n", res.AgentCount)
		return nil
	},
}

// ---- agents ----------------------------------------------------------------

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents on the server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		infos, err := a.Ops().ListAgents(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(infos)
		}
		if len(infos) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}
		fmt.Printf("%-28s %-24s %s\n", "ID", "Name", "Description")
		fmt.Println(strings.Repeat("-", 80))
		for _, ag := range infos {
			fmt.Printf("%-28s %-24s %s\n",
				ag.ID, truncate(ag.Name, 23), truncate(ag.Description, 40))
		}
		return nil
	},
}

// ---- cleanup ---------------------------------------------------------------

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old inactive schedules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		res, err := a.Ops().Cleanup(ctx, time.Duration(cleanupDays)*24*time.Hour)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("✓ Deleted %d inactive schedules older than %s\n",
			res.Deleted, fmtTime(res.Cutoff))
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "Delete inactive schedules older than this many days")
}

// ---- stats -----------------------------------------------------------------

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show schedule statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		st, err := a.Ops().Stats(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		fmt.Printf("Schedules: %d total, %d active, %d inactive\n", st.Total, st.Active, st.Inactive)
		fmt.Printf("Due now:   %d\n", st.DueNow)
		fmt.Printf("By kind:   %d once, %d cron, %d interval\n", st.Once, st.Cron, st.Interval)
		return nil
	},
}
