package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"storywarden/internal/audit"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check audit logs against live state",
	}
	cmd.AddCommand(auditVerifyCmd())
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	var all bool
	var workers int
	cmd := &cobra.Command{
		Use:   "verify [session...]",
		Short: "Replay audit logs and report discrepancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("name at least one session or pass --all")
			}
			return runAuditVerify(cmd, args, all, workers)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Verify every session")
	cmd.Flags().IntVar(&workers, "workers", 4, "Sessions verified in parallel")
	return cmd
}

func runAuditVerify(cmd *cobra.Command, sessions []string, all bool, workers int) error {
	ctx := cmd.Context()
	_, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if all {
		list, err := db.ListSessions(ctx)
		if err != nil {
			return err
		}
		sessions = sessions[:0]
		for _, s := range list {
			sessions = append(sessions, s.ID)
		}
	}

	reports := make([]*audit.Report, len(sessions))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, session := range sessions {
		g.Go(func() error {
			r, err := audit.Verify(gCtx, db, session)
			if err != nil {
				return fmt.Errorf("verifying %s: %w", session, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range reports {
		status := "ok"
		if !r.OK() {
			status = "FAILED"
			failed++
		}
		fmt.Fprintf(out, "%s: %s  entries=%d turns=%d degraded=%d facts=%d checksum=%s\n",
			r.Session, status, r.Entries, r.Turns, r.Degraded, r.Facts, r.Checksum)
		for _, d := range r.Discrepancies {
			fmt.Fprintf(out, "  - turn %d %s: %s\n", d.Turn, d.Kind, d.Detail)
		}
	}
	slog.Debug("audit verification finished", slog.Int("sessions", len(reports)), slog.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed verification", failed, len(reports))
	}
	return nil
}
