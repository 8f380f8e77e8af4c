package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesched/pkg/central"
)

type subscribeOptions struct {
	timeout  time.Duration
	duration time.Duration
	hex      bool
}

func newSubscribeCmd() *cobra.Command {
	opts := &subscribeOptions{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <service-uuid> <characteristic-uuid>",
		Short: "Stream characteristic notifications",
		Long: `Connects to a BLE device, enables notifications of one characteristic and
copies the notified bytes to stdout until --duration passes, the device
disconnects or the command is interrupted.

Examples:
  # Heart rate measurements as hex, one line per read, for 30 seconds
  blesched subscribe aa:bb:cc:dd:ee:01 180d 2a37 --hex --duration 30s`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Connection timeout (0 uses the configured default)")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "How long to stream (0 until interrupted)")
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Output each read as a hex line; raw bytes by default")
	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string, opts *subscribeOptions) (err error) {
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
	conn, ch, err := connectCharacteristic(ctx, s, target, opts.timeout)
	if err != nil {
		return err
	}

	stream := conn.Subscribe(ch)
	defer stream.Close()
	if err := conn.EnableNotifications(ctx, ch); err != nil {
		_ = conn.Disconnect(ctx)
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	s.logger.WithField("characteristic", ch.UUID.String()).Info("Subscribed")

	streamCtx := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if err := copyNotifications(streamCtx, cmd.OutOrStdout(), stream, opts.hex); err != nil {
		if errors.Is(err, io.EOF) {
			if lost := conn.Err(); lost != nil {
				return lost
			}
			return central.ErrConnectionLost
		}
		return err
	}
	if dropped := stream.Dropped(); dropped > 0 {
		s.logger.WithField("dropped", dropped).Warn("Notifications dropped by a full stream buffer")
	}

	// The command context may already be canceled by an interrupt
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Connect.OperationTimeout)
	defer cancel()
	if err := conn.DisableNotifications(cleanup, ch); err != nil {
		s.logger.WithError(err).Warn("Failed to disable notifications")
	}
	return conn.Disconnect(cleanup)
}

// copyNotifications copies stream to out until ctx is done. It returns
// io.EOF when the stream ends first.
func copyNotifications(ctx context.Context, out io.Writer, stream *central.NotificationStream, asHex bool) error {
	buf := make([]byte, 512)
	for {
		n, err := stream.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if asHex {
			_, err = fmt.Fprintln(out, hex.EncodeToString(buf[:n]))
		} else {
			_, err = out.Write(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}
