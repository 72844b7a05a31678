package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/task"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scans through the task queue and prints every advertisement together
with adapter and device state changes.

Devices whose last disconnect was unintentional are reconnected when they
are seen again (reconnect.on_rediscovery), so a scan also shows those
reconnects.

Examples:
  # Scan for 10 seconds
  blemgr scan

  # Scan until Ctrl+C, printing each device once
  blemgr scan --duration 0 --new-only`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanNewOnly  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().BoolVar(&scanNewOnly, "new-only", false, "Print each device only when first seen")
}

func runScan(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	s.printer.newOnly = scanNewOnly

	failed := make(chan task.Result, 1)
	if _, err := s.mgr.StartScan(func(r task.Result) {
		// An open-ended scan only ends early on failure or interruption.
		failed <- r
	}, task.WithTimeout(task.Infinite)); err != nil {
		return err
	}

	ctx := s.ctx
	if scanDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}

	select {
	case <-ctx.Done():
	case r := <-failed:
		return resultError("scan", r)
	}

	if err := s.mgr.StopScan(); err != nil {
		if errors.Is(err, manager.ErrClosed) {
			return nil
		}
		return err
	}
	// Let the scan resolve so the adapter state is reported before exit.
	select {
	case <-failed:
	case <-time.After(disconnectGrace):
	}
	return nil
}
