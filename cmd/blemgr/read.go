package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/task"
)

const exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"

var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <char-uuid>",
	Short: "Read a characteristic value",
	Long: fmt.Sprintf(`Connects, waits for service discovery and reads one characteristic.

Examples:
  # Read Battery Level as hex
  blemgr read %s 180f 2a19 --hex

  # Read Device Name as text
  blemgr read %s 1800 2a00`, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var readHex bool

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, service, char := args[0], args[1], args[2]

	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.connect(address); err != nil {
		return err
	}
	defer s.disconnect(address)

	e, err := awaitRW(s.ctx, func(done manager.RWDone) (*task.Task, error) {
		return s.mgr.Read(address, service, char, done)
	})
	if err != nil {
		return err
	}
	if err := rwError("read", e); err != nil {
		return err
	}

	if readHex {
		fmt.Println(formatData(e.Data, true))
		return nil
	}
	_, err = os.Stdout.Write(e.Data)
	return err
}

func rwError(op string, e manager.ReadWriteEvent) error {
	return resultError(op, task.Result{State: e.Result, Status: e.Status, Err: e.Err})
}
