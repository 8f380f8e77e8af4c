package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blesched/pkg/central"
)

var validScanFormats = []string{"table", "json"}

type scanOptions struct {
	services []string
	duration time.Duration
	format   string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

The scan is a subscription to the shared radio scan: it pauses while a
connection attempt runs and resumes afterwards. Each device is listed once
with its most recent advertisement.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.services, "services", "s", nil, "Filter by advertised service UUIDs")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Scan duration (0 until interrupted)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) (err error) {
	valid := false
	for _, f := range validScanFormats {
		if opts.format == f {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid format '%s': must be one of %v", opts.format, validScanFormats)
	}
	services, err := parseUUIDs(opts.services)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	scan, err := s.adapter.Scan(services...)
	if err != nil {
		return err
	}
	defer scan.Close()

	ctx := cmd.Context()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.duration)
	progress.Start()

	devices, err := collectAdvertisements(ctx, scan)
	progress.Stop()
	if err != nil {
		return err
	}
	s.logger.WithField("devices", len(devices)).Debug("Scan finished")

	if opts.format == "json" {
		return displayDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices)
}

// collectAdvertisements keeps the latest advertisement per address until ctx
// is done or the scan ends
func collectAdvertisements(ctx context.Context, scan *central.Scan) ([]*central.Advertisement, error) {
	latest := map[string]*central.Advertisement{}
	for done := false; !done; {
		select {
		case <-ctx.Done():
			// An interrupted scan still reports what it found
			done = true
		case adv, ok := <-scan.C():
			if !ok {
				if err := scan.Err(); err != nil && ctx.Err() == nil {
					return nil, err
				}
				done = true
				break
			}
			latest[adv.Address()] = adv
		}
	}

	out := make([]*central.Advertisement, 0, len(latest))
	for _, adv := range latest {
		out = append(out, adv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out, nil
}

func serviceList(adv *central.Advertisement) []string {
	out := make([]string, 0, len(adv.Services))
	for _, u := range adv.Services {
		out = append(out, u.String())
	}
	return out
}

func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func displayDevicesTable(out io.Writer, devices []*central.Advertisement) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	colored := isTerminal(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSERVICES")
	for _, adv := range devices {
		name := adv.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(serviceList(adv), ",")
		if len(services) > 40 {
			services = services[:37] + "..."
		}

		rssi := fmt.Sprintf("%d dBm", adv.RSSI)
		if colored {
			rssi = rssiColor(adv.RSSI).Sprint(rssi)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", adv.Address(), name, rssi, services)
	}
	return w.Flush()
}

type deviceJSON struct {
	Address  string    `json:"address"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	TxPower  int       `json:"tx_power"`
	Services []string  `json:"services"`
	LastSeen time.Time `json:"last_seen"`
}

func displayDevicesJSON(out io.Writer, devices []*central.Advertisement) error {
	list := make([]deviceJSON, 0, len(devices))
	for _, adv := range devices {
		list = append(list, deviceJSON{
			Address:  adv.Address(),
			Name:     adv.Name,
			RSSI:     adv.RSSI,
			TxPower:  adv.TxPower,
			Services: serviceList(adv),
			LastSeen: adv.Timestamp,
		})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(list); err != nil {
		return fmt.Errorf("failed to encode devices: %w", err)
	}
	return nil
}
