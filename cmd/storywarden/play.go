package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"storywarden/internal/model"
	"storywarden/internal/store"
	"storywarden/internal/turn"
)

func playCmd() *cobra.Command {
	var session, entity, script string
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play turns interactively from stdin",
		Long: `Play reads one player command per line and runs a full turn for each.
Without --script the built-in command planner and template narrator are used.
Type /quit to end the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(session) == "" {
				return fmt.Errorf("--session is required")
			}
			return runPlay(cmd, session, entity, script)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session id")
	cmd.Flags().StringVar(&entity, "entity", "", "Player entity (default the first player character)")
	cmd.Flags().StringVar(&script, "script", "", "YAML script of canned planner and executor responses")
	return cmd
}

func runPlay(cmd *cobra.Command, session, entity, script string) error {
	ctx := cmd.Context()

	cfg, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	var planner model.Planner = model.CommandPlanner{}
	var executor model.Executor = model.TemplateNarrator{}
	if script != "" {
		s, err := model.LoadScript(script)
		if err != nil {
			return err
		}
		planner, executor = s, s
	}

	if entity == "" {
		if entity, err = firstPlayer(ctx, db, session); err != nil {
			return err
		}
	}

	o, err := turn.Open(ctx, db, planner, executor, session, entity, cfg.TurnConfig(), turn.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer o.End()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Playing %s in session %s from turn %d.\n", entity, session, o.Turn()+1)
	return repl(ctx, o, cmd.InOrStdin(), out)
}

func repl(ctx context.Context, o *turn.Orchestrator, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		res, err := o.Play(ctx, line)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, turn.ErrSessionEnded) {
				return nil
			}
			fmt.Fprintf(out, "turn failed: %v\n", err)
			continue
		}
		printResult(out, res)
	}
}

func printResult(out io.Writer, res *turn.Result) {
	fmt.Fprintf(out, "\n%s\n\n", res.Narration)
	for _, v := range res.Vetoes {
		fmt.Fprintf(out, "  vetoed: %s\n", v.Error())
	}
	if res.Degraded {
		fmt.Fprintln(out, "  (the turn was paused after repeated vetoes)")
	}
	if res.ResolvedBeat != "" {
		fmt.Fprintf(out, "  beat %s resolved. %s\n", res.ResolvedBeat, res.Synopsis)
	}
	fmt.Fprintf(out, "  [turn %d: %s]\n", res.Turn, res.Action)
}

func firstPlayer(ctx context.Context, db store.Store, session string) (string, error) {
	entities, err := db.ListEntities(ctx, session)
	if err != nil {
		return "", err
	}
	for _, e := range entities {
		if e.Kind == store.KindPlayer {
			return e.ID, nil
		}
	}
	return "", fmt.Errorf("session %s has no player character, pass --entity", session)
}
