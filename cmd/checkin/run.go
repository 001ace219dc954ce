package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one check-in cycle over every enabled account and exit",
	Long: `Run one check-in cycle over every enabled account, print the summary and
send notifications when any account failed. The exit code is non-zero when
at least one account failed.`,
	Args: cobra.NoArgs,
	RunE: runCycle,
}

var checkinCmd = &cobra.Command{
	Use:   "checkin <account-id>",
	Short: "Run the check-in for a single account",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckin,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkinCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := sched.RunCycle(ctx)
	if err != nil {
		return err
	}
	fmt.Println(report.Summary())
	if n := report.FailureCount(); n > 0 {
		return fmt.Errorf("%d of %d accounts failed", n, report.TotalCount)
	}
	return nil
}

func runCheckin(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.orchestrator().RunAccount(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Succeeded {
		return fmt.Errorf("check-in failed: %s", res.Reason)
	}
	return nil
}
