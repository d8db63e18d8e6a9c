package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"accessoryscan/internal/config"
	"accessoryscan/internal/engine"
	"accessoryscan/internal/logging"
)

type scanOptions struct {
	configPath string
	targets    []string
	known      []string
	roster     []string
	ports      []int
	full       bool
	expect     int
	json       bool
	logLevel   string
	timeout    time.Duration
}

func newScanCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery session",
		Long: `Run one discovery session: a neighbour cache read, a targeted probe of
known addresses, a probe of the common host ranges, an optional full sweep and
an announcement window running alongside them.

Interrupting the scan keeps everything found so far.`,
		Example: `  # Scan a home network and score against owned devices
  accessoryscan scan --target 192.168.1.0/24 --roster "Living Room Light"

  # Probe two known hosts first and always sweep the whole range
  accessoryscan scan --target 192.168.1.0/24 --known 192.168.1.20 --known 192.168.1.21 --full

  # Machine-readable output
  accessoryscan scan --target 10.0.0.0/24 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts, stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Path to the configuration file (default is the OS config directory)")
	f.StringSliceVar(&opts.targets, "target", nil, "IPv4 address or CIDR block to scan (repeatable)")
	f.StringSliceVar(&opts.known, "known", nil, "Address probed before the broad sweep (repeatable)")
	f.StringSliceVar(&opts.roster, "roster", nil, "Name or identifier of a device you already own (repeatable)")
	f.IntSliceVar(&opts.ports, "port", nil, "TCP port to probe (repeatable, default is the built-in accessory port list)")
	f.BoolVar(&opts.full, "full", false, "Always sweep the full target range")
	f.IntVar(&opts.expect, "expect", 0, "Sweep the full range when fewer devices than this were found")
	f.BoolVar(&opts.json, "json", false, "Print the result as JSON")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); logs go to stderr")
	f.DurationVar(&opts.timeout, "timeout", 0, "Stop the whole scan after this long and print partial results")
	return cmd
}

func runScan(cmd *cobra.Command, opts scanOptions, stdout, stderr io.Writer) error {
	logger, err := logging.New(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	file, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	cfg, err := file.EngineConfig()
	if err != nil {
		return err
	}

	req := file.Request()
	flags := cmd.Flags()
	if flags.Changed("target") {
		req.Targets = opts.targets
	}
	if flags.Changed("known") {
		req.KnownAddresses = opts.known
	}
	if flags.Changed("roster") {
		req.Roster = opts.roster
	}
	if flags.Changed("port") {
		req.Ports = opts.ports
	}
	if flags.Changed("full") {
		req.FullCoverage = opts.full
	}
	if flags.Changed("expect") {
		req.ExpectedDevices = opts.expect
	}
	if err := req.Validate(); err != nil {
		return err
	}

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	logger.Debug("scan requested", zap.Strings("targets", req.Targets), zap.Ints("ports", req.Ports))
	res, err := eng.Run(ctx, req, newProgressPrinter(stderr))
	if err != nil {
		return err
	}

	if opts.json {
		return renderJSON(stdout, res)
	}
	return renderTable(stdout, res)
}

// newProgressPrinter prints one line per phase per tenth of progress.
func newProgressPrinter(w io.Writer) engine.ProgressFunc {
	last := make(map[engine.Phase]int)
	return func(p engine.Progress) {
		step := int(p.Fraction * 10)
		if prev, ok := last[p.Phase]; ok && prev >= step {
			return
		}
		last[p.Phase] = step
		fmt.Fprintf(w, "[%s] %3.0f%% %d devices\n", p.Phase, p.Fraction*100, p.Devices)
	}
}

func renderJSON(w io.Writer, res engine.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func renderTable(w io.Writer, res engine.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tCLASS\tIDENTITY\tADDRESS\tNAME\tMANUFACTURER\tSOURCES\tPORTS")
	for _, e := range res.Devices {
		d := e.Device
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Assessment.Score, e.Assessment.Classification, d.Identity, d.NetworkAddress,
			dash(d.DisplayName), dash(d.Manufacturer), d.Sources, ports(e))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nSession %s: %d devices in %s\n", res.SessionID, len(res.Devices), res.Finished.Sub(res.Started).Round(time.Millisecond))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range res.Phases {
		fmt.Fprintf(tw, "  %s\t%s\t%d/%d\t%s\n", p.Phase, p.Status, p.Responded, p.Attempted, p.Detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, a := range res.Advisories {
		line := fmt.Sprintf("advisory %s: %s", a.Kind, a.Subject)
		if a.Detail != "" {
			line += " (" + a.Detail + ")"
		}
		if len(a.Values) > 0 {
			line += ": " + strings.Join(a.Values, ", ")
		}
		fmt.Fprintln(w, line)
	}
	for _, s := range res.MergeSuggestions {
		fmt.Fprintf(w, "possible duplicate: %s and %s (%q, %q, similarity %.2f)\n",
			s.Keep, s.Retire, s.Names[0], s.Names[1], s.Similarity)
	}
	return nil
}

func ports(e engine.Entry) string {
	if len(e.Device.OpenPorts) == 0 {
		return "-"
	}
	out := make([]string, 0, len(e.Device.OpenPorts))
	for _, p := range e.Device.OpenPorts {
		out = append(out, strconv.Itoa(p.Number))
	}
	return strings.Join(out, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
