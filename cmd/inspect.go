package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/swarm/internal/engine/queue"
	"github.com/surge-downloader/swarm/internal/engine/state"
	"github.com/surge-downloader/swarm/internal/engine/types"
	"github.com/surge-downloader/swarm/internal/render"
	"github.com/surge-downloader/swarm/internal/utils"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <state.db> [item]",
	Short: "Show saved items, or the chunk map of one item",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		width, _ := cmd.Flags().GetInt("width")
		id := ""
		if len(args) == 2 {
			id = args[1]
		}
		return runInspect(cmd.Context(), cmd.OutOrStdout(), args[0], id, width)
	},
}

func init() {
	inspectCmd.Flags().Int("width", 60, "Width of the chunk map")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(ctx context.Context, w io.Writer, dbPath, id string, width int) error {
	store, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if id == "" {
		return listItems(ctx, w, store)
	}

	settings := loadSettings()
	env := queue.NewEnv(types.ConvertRuntimeConfig(settings.ToRuntimeConfig()), utils.GetLogger("inspect"))
	it, err := store.LoadItem(ctx, env, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, render.Summary(it, width))
	return nil
}

func listItems(ctx context.Context, w io.Writer, store *state.Store) error {
	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No saved items.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tSIZE\tDONE\tSEGMENTS\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.Target,
			utils.ConvertBytesToHumanReadable(e.Size),
			utils.FormatPercent(e.DoneSize, e.Size),
			e.Segments,
			humanize.Time(e.Updated))
	}
	return tw.Flush()
}
