package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"storywarden/internal/ingest"
)

func lintCmd() *cobra.Command {
	var campaign string
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check a campaign directory before seeding it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLint(cmd, campaign)
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "Campaign directory (default from config)")
	return cmd
}

func runLint(cmd *cobra.Command, campaign string) error {
	result, err := loadCampaign(campaign)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Loaded %d files (%d skipped), checksum %s\n", result.Files, result.FilesSkipped, result.Checksum[:12])

	report := ingest.Lint(result.Campaign, result)
	var errorIssues, warnIssues []ingest.Issue
	for _, issue := range report.Issues {
		switch issue.Severity {
		case ingest.SeverityError:
			errorIssues = append(errorIssues, issue)
		case ingest.SeverityWarn:
			warnIssues = append(warnIssues, issue)
		}
	}

	if len(result.Errors) == 0 && len(errorIssues) == 0 && len(warnIssues) == 0 {
		fmt.Fprintln(out, "No issues found.")
		return nil
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "Parse errors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			fmt.Fprintf(out, "  - %v\n", err)
		}
	}
	if len(errorIssues) > 0 {
		fmt.Fprintf(out, "Errors (%d):\n", len(errorIssues))
		printIssues(out, errorIssues)
	}
	if len(warnIssues) > 0 {
		fmt.Fprintf(out, "Warnings (%d):\n", len(warnIssues))
		printIssues(out, warnIssues)
	}

	if len(result.Errors) > 0 || len(errorIssues) > 0 {
		return fmt.Errorf("lint found errors")
	}
	return nil
}

// loadCampaign reads the campaign at dir, or at the configured path when dir
// is empty.
func loadCampaign(dir string) (*ingest.Result, error) {
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		dir = cfg.CampaignPath()
	}
	if dir == "" {
		return nil, fmt.Errorf("no campaign directory: pass --campaign or set campaign.path")
	}
	return ingest.Load(dir)
}

func printIssues(out io.Writer, issues []ingest.Issue) {
	for _, issue := range issues {
		location := issue.Record
		if issue.FilePath != "" {
			location = fmt.Sprintf("%s (%s)", location, issue.FilePath)
		}
		fmt.Fprintf(out, "  - %s: %s (%s)\n", location, issue.Message, issue.Code)
	}
}
