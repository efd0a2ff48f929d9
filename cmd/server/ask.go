package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/keysearch/internal/api"
	"github.com/ashureev/keysearch/internal/service"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ask [session-id] <question...>",
		Short: "Answer one question against the local database and print the envelope",
		Long: "Runs the query pipeline once and prints the response envelope as JSON.\n" +
			"With --visitor a visitor account is created first and the question is asked in its conversation.",
		Args: cobra.MinimumNArgs(1),
		RunE: runAsk,
	}
	cmd.Flags().Bool("visitor", false, "Create a visitor account and ask in its first conversation")
	rootCmd.AddCommand(cmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	visitor, _ := cmd.Flags().GetBool("visitor")
	if !visitor && len(args) < 2 {
		return fmt.Errorf("ask needs a session id and a question, or --visitor")
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var sessionID string
	if visitor {
		out := a.service.CreateVisitor(ctx)
		if !out.Succeeded() {
			return printEnvelope(cmd, out)
		}
		sessionID = out.Result.(service.Visitor).SessionID()
	} else {
		sessionID, args = args[0], args[1:]
	}

	out := a.service.AnswerQuery(ctx, sessionID, strings.Join(args, " "))
	return printEnvelope(cmd, out)
}

func printEnvelope(cmd *cobra.Command, out service.Outcome) error {
	b, err := json.MarshalIndent(api.NewEnvelope(out), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	if !out.Succeeded() {
		return fmt.Errorf("%s: %s", out.Status, out.Reason)
	}
	return nil
}
