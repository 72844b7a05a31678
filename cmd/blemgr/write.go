package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/task"
)

var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <char-uuid> <data>",
	Short: "Write a characteristic value",
	Long: fmt.Sprintf(`Connects, waits for service discovery and writes one characteristic.

Data is hex by default; spaces and a 0x prefix are accepted.

Examples:
  # Write two bytes with response
  blemgr write %s 180d 2a39 0x0102

  # Write text without response
  blemgr write %s ffe0 ffe1 hello --text --no-response`, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeText       bool
	writeNoResponse bool
)

func init() {
	writeCmd.Flags().BoolVar(&writeText, "text", false, "Treat data as text instead of hex")
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Write without response")
}

// parseData decodes the command-line payload.
func parseData(arg string, asText bool) ([]byte, error) {
	if asText {
		return []byte(arg), nil
	}
	s := strings.ReplaceAll(strings.TrimSpace(arg), " ", "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", arg, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no data to write")
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, service, char := args[0], args[1], args[2]
	data, err := parseData(args[3], writeText)
	if err != nil {
		return err
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

	e, err := awaitRW(s.ctx, func(done manager.RWDone) (*task.Task, error) {
		return s.mgr.Write(address, service, char, data, writeNoResponse, done)
	})
	if err != nil {
		return err
	}
	if err := rwError("write", e); err != nil {
		return err
	}
	s.logger.WithField("bytes", len(data)).Info("Write complete")
	return nil
}
