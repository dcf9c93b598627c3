package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, cleanup, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := sess.mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			printTransfers(cmd.OutOrStdout(), items)
			return nil
		},
	}
}

func printTransfers(w io.Writer, items []engine.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPROGRESS\tSIZE\tUPDATED\tSOURCE")
	for _, s := range items {
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = humanize.Time(s.UpdatedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			s.ID, s.Kind, s.Status, s.Percentage,
			humanize.Bytes(uint64(max(s.TotalSize, 0))), updated, s.Source)
	}
	tw.Flush()
}
