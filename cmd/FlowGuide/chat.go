package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChatCmd(c *cli) *cobra.Command {
	var sessionID string
	var debug bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the orchestrator in the terminal",
		Long: `Start an interactive session against the configured store.

Each line is sent as one message. End the session with /exit or EOF.

Examples:
  flowguide chat --db-dsn memory
  flowguide chat --session alice --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = uuid.New().String()
			}
			a, err := buildApp(c.cfg, "flowguide chat")
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(cmd.Context(), a.engine, sessionID, debug, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to use (default: a new random id)")
	cmd.Flags().BoolVar(&debug, "debug", false, "print routing details after each reply")
	return cmd
}

type messageProcessor interface {
	ProcessMessage(ctx context.Context, sessionID, text string) (*models.Reply, error)
}

func runChat(ctx context.Context, eng messageProcessor, sessionID string, debug bool, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Session %s. Type /exit to leave.\n", sessionID)
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
		case "/exit":
			return nil
		}

		reply, err := eng.ProcessMessage(ctx, sessionID, line)
		if err != nil {
			if models.IsValidationError(err) {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			return err
		}
		fmt.Fprintf(out, "%s\n", reply.ResponseText)
		if debug {
			d := reply.Debug
			fmt.Fprintf(out, "  [scenario=%s flow=%s step=%d/%s status=%s stack=%d tone=%s retrieval=%t]\n",
				d.ScenarioDecision.Scenario, d.ActiveFlow, d.Step, d.StepID, d.Status, d.StackDepth, d.Tone, d.RetrievalUsed)
		}
	}
}
