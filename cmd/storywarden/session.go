package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"storywarden/internal/ingest"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and list play sessions",
	}
	cmd.AddCommand(sessionNewCmd())
	cmd.AddCommand(sessionListCmd())
	return cmd
}

func sessionNewCmd() *cobra.Command {
	var campaign, id string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Seed a new session from the campaign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionNew(cmd, campaign, id)
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "Campaign directory (default from config)")
	cmd.Flags().StringVar(&id, "id", "", "Session id (default a new UUID)")
	return cmd
}

func runSessionNew(cmd *cobra.Command, campaign, id string) error {
	ctx := cmd.Context()

	cfg, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if campaign == "" {
		campaign = cfg.CampaignPath()
	}
	result, err := loadCampaign(campaign)
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		for _, err := range result.Errors {
			cmd.PrintErrf("  - %v\n", err)
		}
		return fmt.Errorf("campaign has %d unreadable files", len(result.Errors))
	}
	if report := ingest.Lint(result.Campaign, result); report.HasErrors() {
		printIssues(cmd.ErrOrStderr(), report.Errors())
		return fmt.Errorf("campaign has lint errors")
	}

	if id == "" {
		id = uuid.NewString()
	}
	if err := ingest.Seed(ctx, db, id, result.Campaign, cfg.HouseRules); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s created from campaign %s.\n", id, result.Campaign.Key)
	fmt.Fprintf(out, "  Locations: %d\n", len(result.Campaign.Locations))
	fmt.Fprintf(out, "  Characters: %d\n", len(result.Campaign.Entities))
	fmt.Fprintf(out, "  Beats: %d\n", len(result.Campaign.Beats))
	if result.Campaign.StartEntity != "" {
		fmt.Fprintf(out, "  Play as: %s\n", result.Campaign.StartEntity)
	}
	return nil
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			sessions, err := db.ListSessions(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				cmd.Println("No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCAMPAIGN\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Campaign, s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}
