package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blesched",
		Short: "BLE central with arbitrated scanning and connecting",
		Long: `Bluetooth Low Energy (BLE) central that shares one radio between scans and
connections:

- Scan for nearby peripherals, optionally filtered by advertised services
- Connect once or on a recurring pattern aligned to advertisements
- Read characteristics through a per-connection operation queue
- Stream characteristic notifications

Scans pause while a connection attempt is in flight and resume afterwards.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main prints errors itself
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().Bool("trace", false, "Print the operation trace to stderr on exit")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newSubscribeCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit, not an error
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		stop()
		os.Exit(1)
	}
}
