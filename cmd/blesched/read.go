package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"

	"github.com/srg/blesched/pkg/central"
)

type readOptions struct {
	timeout time.Duration
	raw     bool
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <device-address> <service-uuid> <characteristic-uuid>",
		Short: "Read a characteristic value",
		Long: `Connects to a BLE device, reads one characteristic and prints its value
as hex.

Examples:
  # Read the Battery Level characteristic
  blesched read aa:bb:cc:dd:ee:02 180f 2a19

  # Write the raw bytes to stdout
  blesched read aa:bb:cc:dd:ee:02 180f 2a19 --raw > level.bin`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Connection timeout (0 uses the configured default)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Output raw bytes instead of hex")
	return cmd
}

// characteristicTarget is the parsed <address> <service> <characteristic> triple
type characteristicTarget struct {
	addr    ble.Addr
	service ble.UUID
	char    ble.UUID
}

func parseCharacteristicTarget(args []string) (characteristicTarget, error) {
	var t characteristicTarget
	var err error
	if t.addr, err = parseAddress(args[0]); err != nil {
		return t, err
	}
	if t.service, err = parseUUID(args[1]); err != nil {
		return t, err
	}
	if t.char, err = parseUUID(args[2]); err != nil {
		return t, err
	}
	return t, nil
}

// connectCharacteristic connects to the target device and resolves the characteristic
func connectCharacteristic(ctx context.Context, s *session, t characteristicTarget, timeout time.Duration) (*central.Connection, *ble.Characteristic, error) {
	conn, err := s.adapter.Peripheral(t.addr).Connect(ctx, timeout)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Characteristic(ctx, t.service, t.char)
	if err != nil {
		_ = conn.Disconnect(ctx)
		return nil, nil, err
	}
	return conn, ch, nil
}

func runRead(cmd *cobra.Command, args []string, opts *readOptions) (err error) {
	target, err := parseCharacteristicTarget(args)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	ctx := cmd.Context()
	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading %s from %s", target.char, target.addr), "Connecting")
	progress.Start()
	conn, ch, err := connectCharacteristic(ctx, s, target, opts.timeout)
	if err != nil {
		progress.Stop()
		return err
	}

	progress.SetPhase("Reading")
	value, err := conn.Read(ctx, ch)
	progress.Stop()
	if err != nil {
		_ = conn.Disconnect(ctx)
		return fmt.Errorf("failed to read characteristic: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.raw {
		_, err = out.Write(value)
	} else {
		_, err = fmt.Fprintln(out, hex.EncodeToString(value))
	}
	if err != nil {
		_ = conn.Disconnect(ctx)
		return err
	}
	return conn.Disconnect(ctx)
}
