package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"

	"github.com/srg/blesched/pkg/central"
)

type connectOptions struct {
	timeout  time.Duration
	period   time.Duration
	before   time.Duration
	after    time.Duration
	attempts int
	align    bool
}

func newConnectCmd() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <device-address>",
		Short: "Connect to a device and list its services",
		Long: `Connects to a BLE device, discovers its services and characteristics,
prints them and disconnects.

Without --attempts a single attempt lasting --timeout is made. With
--attempts the connection follows a pattern: attempts recur every --period,
each opening --before ahead of the expected connectable instant and lasting
--before + --after. --align waits for an advertisement of the device and
uses its timestamp as the expected instant.

Examples:
  # Single attempt with a 5 second timeout
  blesched connect aa:bb:cc:dd:ee:01 --timeout 5s

  # Peripheral connectable 100ms after each advertisement, every 2 seconds
  blesched connect aa:bb:cc:dd:ee:01 --align --period 2s --before 50ms --after 150ms --attempts 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Connection timeout (0 uses the configured default)")
	cmd.Flags().DurationVar(&opts.period, "period", 0, "Pattern period between connectable windows")
	cmd.Flags().DurationVar(&opts.before, "before", 0, "Pattern window opening ahead of the connectable instant")
	cmd.Flags().DurationVar(&opts.after, "after", time.Second, "Pattern window length after the connectable instant")
	cmd.Flags().IntVar(&opts.attempts, "attempts", 0, "Number of pattern attempts (0 for a single timed attempt)")
	cmd.Flags().BoolVar(&opts.align, "align", false, "Align pattern attempts to the next advertisement of the device")
	return cmd
}

func runConnect(cmd *cobra.Command, address string, opts *connectOptions) (err error) {
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	if opts.attempts < 0 {
		return fmt.Errorf("--attempts must be >= 0, got %d", opts.attempts)
	}
	if opts.attempts == 0 && (opts.period > 0 || opts.align) {
		return fmt.Errorf("--period and --align require --attempts")
	}

	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	ctx := cmd.Context()
	p := s.adapter.Peripheral(addr)

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+p.Address(), "Connecting")
	progress.Start()

	var conn *central.Connection
	if opts.attempts == 0 {
		conn, err = p.Connect(ctx, opts.timeout)
	} else {
		var ref *central.Advertisement
		if opts.align {
			progress.SetPhase("Waiting for advertisement")
			ref, err = awaitAdvertisement(ctx, s, p, opts.timeout)
			if err != nil {
				progress.Stop()
				return err
			}
			progress.SetPhase("Connecting")
		}
		conn, err = p.ConnectPattern(ctx, ref, opts.period, opts.before, opts.after, opts.attempts)
		if err == nil && conn == nil {
			err = fmt.Errorf("%w: %s after %d attempts", ErrNotConnectable, p.Address(), opts.attempts)
		}
	}
	progress.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connected to %s (MTU %d)\n", p.Address(), conn.MTU())
	if err := printProfile(ctx, out, conn); err != nil {
		_ = conn.Disconnect(ctx)
		return err
	}
	return conn.Disconnect(ctx)
}

// awaitAdvertisement scans for the next advertisement of p
func awaitAdvertisement(ctx context.Context, s *session, p *central.Peripheral, timeout time.Duration) (*central.Advertisement, error) {
	if timeout <= 0 {
		timeout = s.cfg.Connect.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scan, err := s.adapter.Scan()
	if err != nil {
		return nil, err
	}
	defer scan.Close()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &central.TimeoutError{Op: "advertisement of " + p.Address(), After: timeout}
			}
			return nil, ctx.Err()
		case adv, ok := <-scan.C():
			if !ok {
				if err := scan.Err(); err != nil {
					return nil, err
				}
				return nil, central.ErrClosed
			}
			if adv.Peripheral == p {
				return adv, nil
			}
		}
	}
}

func printProfile(ctx context.Context, out io.Writer, conn *central.Connection) error {
	services, err := conn.DiscoverServices(ctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		fmt.Fprintf(out, "Service %s\n", svc.UUID)
		chars, err := conn.DiscoverCharacteristics(ctx, svc)
		if err != nil {
			return err
		}
		for _, ch := range chars {
			fmt.Fprintf(out, "  Characteristic %s [%s]\n", ch.UUID, strings.Join(propertyNames(ch.Property), ", "))
		}
	}
	return nil
}

var propertyLabels = []struct {
	flag ble.Property
	name string
}{
	{ble.CharBroadcast, "broadcast"},
	{ble.CharRead, "read"},
	{ble.CharWriteNR, "write-without-response"},
	{ble.CharWrite, "write"},
	{ble.CharNotify, "notify"},
	{ble.CharIndicate, "indicate"},
	{ble.CharSignedWrite, "signed-write"},
	{ble.CharExtended, "extended"},
}

func propertyNames(p ble.Property) []string {
	var out []string
	for _, l := range propertyLabels {
		if p&l.flag != 0 {
			out = append(out, l.name)
		}
	}
	return out
}
