package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/swarm/internal/engine/events"
	"github.com/surge-downloader/swarm/internal/engine/state"
	"github.com/surge-downloader/swarm/internal/engine/types"
	"github.com/surge-downloader/swarm/internal/metrics"
	"github.com/surge-downloader/swarm/internal/render"
	"github.com/surge-downloader/swarm/internal/swarm"
	"github.com/surge-downloader/swarm/internal/utils"
)

// simulateOptions are the resolved flags of the simulate command
type simulateOptions struct {
	Scenario    string
	StatePath   string
	MetricsAddr string
	Verbose     bool
	Summary     bool
	Width       int
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Download a file from a simulated swarm of peers",
	Long: `Simulate builds the file and peers described by a YAML scenario and runs
the segment allocator against them until the file is complete.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := simulateOptions{Scenario: args[0]}
		opts.StatePath, _ = cmd.Flags().GetString("state")
		opts.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		opts.Verbose, _ = cmd.Flags().GetBool("verbose")
		opts.Summary, _ = cmd.Flags().GetBool("summary")
		opts.Width, _ = cmd.Flags().GetInt("width")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSimulate(ctx, cmd.OutOrStdout(), opts)
	},
}

func init() {
	simulateCmd.Flags().String("state", "", "State database to resume from and save to (default: none)")
	simulateCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. 127.0.0.1:9090")
	simulateCmd.Flags().BoolP("verbose", "v", false, "Print every segment event")
	simulateCmd.Flags().Bool("summary", true, "Print the chunk map when done")
	simulateCmd.Flags().Int("width", 60, "Width of the chunk map")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(ctx context.Context, w io.Writer, opts simulateOptions) error {
	scn, err := swarm.LoadScenario(opts.Scenario)
	if err != nil {
		return err
	}

	settings := loadSettings()
	scn.ResolveTarget(settings.General.DefaultDownloadDir)
	driverOpts := swarm.Options{
		Config:     types.ConvertRuntimeConfig(settings.ToRuntimeConfig()),
		WantedSize: settings.Segments.WantedSize,
		Log:        utils.GetLogger("swarm"),
	}

	if opts.StatePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.StatePath), 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err := state.Open(opts.StatePath)
		if err != nil {
			return err
		}
		defer store.Close()
		driverOpts.Store = store
	}

	if opts.MetricsAddr != "" {
		driverOpts.Metrics = metrics.New()
		srv, err := startMetricsServer(opts.MetricsAddr, driverOpts.Metrics)
		if err != nil {
			return err
		}
		defer srv.Close()
		fmt.Fprintf(w, "Metrics: http://%s/metrics\n", srv.Addr())
	}

	ch := make(chan any, 100)
	driverOpts.Events = ch
	var wg sync.WaitGroup
	var speeds []float64
	wg.Add(1)
	go func() {
		defer wg.Done()
		speeds = consumeEvents(w, ch, opts.Verbose)
	}()

	d, err := swarm.New(ctx, scn, driverOpts)
	if err != nil {
		close(ch)
		wg.Wait()
		return err
	}
	runErr := d.Run(ctx)
	close(ch)
	wg.Wait()

	if opts.Summary {
		fmt.Fprintln(w, render.Summary(d.Item(), opts.Width))
		if len(speeds) > 1 {
			fmt.Fprintln(w, render.SpeedGraph(speeds, opts.Width, 4))
		}
	}
	return runErr
}

// consumeEvents prints driver events until ch is closed and returns the
// speed of every progress report.
func consumeEvents(w io.Writer, ch <-chan any, verbose bool) []float64 {
	var lastProgress time.Time
	var speeds []float64
	for msg := range ch {
		switch m := msg.(type) {
		case events.DownloadStartedMsg:
			fmt.Fprintf(w, "Started: %s [%s] %s from %d peers\n",
				m.Filename, shortID(m.DownloadID), utils.ConvertBytesToHumanReadable(m.Total), m.Peers)
		case events.DownloadCompleteMsg:
			fmt.Fprintf(w, "Completed: %s [%s] (in %s)\n", m.Filename, shortID(m.DownloadID), m.Elapsed.Round(time.Millisecond))
		case events.DownloadErrorMsg:
			fmt.Fprintf(w, "Error: %s [%s]: %v\n", m.Filename, shortID(m.DownloadID), m.Err)
		case events.SourceRemovedMsg:
			fmt.Fprintf(w, "Source removed: %s (%s)\n", m.Peer, m.Reason)
		case events.ProgressMsg:
			speeds = append(speeds, m.Speed)
			if time.Since(lastProgress) < time.Second {
				continue
			}
			lastProgress = time.Now()
			fmt.Fprintf(w, "  %7s  %12s  %d segments  priority %s\n",
				utils.FormatPercent(m.Downloaded, m.Total), utils.FormatSpeed(int64(m.Speed)), m.ActiveConnections, m.Priority)
		case events.SegmentAssignedMsg:
			if verbose {
				tag := ""
				switch {
				case m.Overlapped:
					tag = " overlapped"
				case m.Partial:
					tag = " partial"
				}
				fmt.Fprintf(w, "  assign  %-10s %s%s\n", m.Peer, m.Segment, tag)
			}
		case events.SegmentCompleteMsg:
			if verbose {
				fmt.Fprintf(w, "  done    %-10s %s\n", m.Peer, m.Segment)
			}
		case events.SegmentFailedMsg:
			if verbose {
				fmt.Fprintf(w, "  failed  %-10s %s: %v\n", m.Peer, m.Segment, m.Err)
			}
		case events.PeerDisconnectedMsg:
			if verbose {
				fmt.Fprintf(w, "  cut     %-10s\n", m.Peer)
			}
		case events.PartsQueriedMsg:
			if verbose {
				fmt.Fprintf(w, "  parts   %-10s %s needed=%t\n", m.Peer, render.PartsString(m.Parts), m.Needed)
			}
		}
	}
	return speeds
}
