package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storywarden/internal/store"
)

func queryAuditCmd() *cobra.Command {
	var kind string
	var turnNo int
	cmd := &cobra.Command{
		Use:   "audit <session>",
		Short: "Print a session's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			entries, err := db.ListAudit(ctx, args[0])
			if err != nil {
				return err
			}
			var out []store.AuditEntry
			for _, e := range entries {
				if (kind == "" || e.Kind == kind) && (turnNo == 0 || e.Turn == turnNo) {
					out = append(out, e)
				}
			}
			if queryJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			for _, e := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%4d  %s  turn %-3d %-12s %-20s %s\n",
					e.ID, e.Timestamp.Format("15:04:05"), e.Turn, e.Actor, e.Kind, e.RequestID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only entries of this kind")
	cmd.Flags().IntVar(&turnNo, "turn", 0, "Only entries for this turn")
	return cmd
}
