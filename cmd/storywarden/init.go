package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"storywarden/internal/config"
)

func initCmd() *cobra.Command {
	var projectName string
	var campaignDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new storywarden project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(projectName) == "" {
				return fmt.Errorf("--name is required")
			}
			return runInit(cmd, projectName, campaignDir)
		},
	}
	cmd.Flags().StringVar(&projectName, "name", "", "Project name")
	cmd.Flags().StringVar(&campaignDir, "campaign", "campaign", "Campaign directory to create")
	return cmd
}

var starterFiles = map[string]string{
	"locations/start.md": `---
title: Start
id: start
type: location
---

Where the story begins.
`,
	"characters/player.md": `---
title: Player
id: player
type: character
kind: player
location: start
start: true
hp: 10
---
`,
	"outline/01-opening.md": `---
title: Opening
id: opening
type: beat
seq: 1
---

The story begins.
`,
}

func runInit(cmd *cobra.Command, projectName, campaignDir string) error {
	path := defaultConfigName
	if configPath != "" {
		path = configPath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if _, err := os.Stat(campaignDir); err == nil {
		return fmt.Errorf("%s already exists", campaignDir)
	}

	for name, contents := range starterFiles {
		target := filepath.Join(campaignDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, []byte(contents), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
	}

	rel := campaignDir
	if !filepath.IsAbs(rel) {
		rel = "./" + filepath.ToSlash(rel)
	}
	if err := os.WriteFile(path, []byte(config.Template(projectName, rel)), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	cmd.Printf("Created %s and %s/\n", path, campaignDir)
	return nil
}
