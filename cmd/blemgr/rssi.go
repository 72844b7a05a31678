package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/task"
)

var rssiCmd = &cobra.Command{
	Use:   "rssi <device-address>",
	Short: "Read the signal strength of a connected device",
	Long: fmt.Sprintf(`Connects and reads the RSSI of the link.

Examples:
  # Single reading
  blemgr rssi %s

  # Five readings one second apart
  blemgr rssi %s --count 5 --interval 1s`, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

var (
	rssiCount    int
	rssiInterval time.Duration
)

func init() {
	rssiCmd.Flags().IntVarP(&rssiCount, "count", "n", 1, "Number of readings")
	rssiCmd.Flags().DurationVar(&rssiInterval, "interval", time.Second, "Delay between readings")
}

func runRSSI(cmd *cobra.Command, args []string) error {
	address := args[0]
	if rssiCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.connect(address); err != nil {
		return err
	}
	defer s.disconnect(address)

	for i := 0; i < rssiCount; i++ {
		if i > 0 {
			select {
			case <-s.ctx.Done():
				return nil
			case <-time.After(rssiInterval):
			}
		}
		e, err := awaitRW(s.ctx, func(done manager.RWDone) (*task.Task, error) {
			return s.mgr.ReadRSSI(address, done)
		})
		if err != nil {
			return err
		}
		if err := rwError("rssi", e); err != nil {
			return err
		}
		fmt.Printf("%d dBm\n", e.RSSI)
	}
	return nil
}
