package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/BTreeMap/FlowGuide/internal/models"
	"github.com/BTreeMap/FlowGuide/internal/recovery"
	"github.com/spf13/cobra"
)

func newReplayCmd(c *cli) *cobra.Command {
	var all, asJSON bool
	cmd := &cobra.Command{
		Use:   "replay [session-id]",
		Short: "Rebuild sessions from their turn log and compare with stored state",
		Long: `Replay one session, or every session with --all, from its persisted turns
and report whether the rebuilt state matches what is stored.

Examples:
  flowguide replay 4f1c2a
  flowguide replay --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no session id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("expected one session id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(c.cfg, "flowguide replay")
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if all {
				res, err := recovery.NewSessionAuditor(a.store, a.engine).Audit(cmd.Context())
				if err != nil {
					return err
				}
				return printAudit(out, res, asJSON)
			}
			report, err := a.engine.ReplaySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReplay(out, report, asJSON)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "replay every stored session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printReplay(out io.Writer, r *models.ReplayReport, asJSON bool) error {
	if asJSON {
		return writeJSON(out, r)
	}
	verdict := "consistent"
	if !r.Consistent {
		verdict = "INCONSISTENT"
	}
	fmt.Fprintf(out, "session %s: %d turns, %s\n", r.SessionID, r.Turns, verdict)
	fmt.Fprintf(out, "  stored:   %s\n", describeState(r.Stored))
	fmt.Fprintf(out, "  replayed: %s\n", describeState(r.Replayed))
	if !r.Consistent {
		return fmt.Errorf("session %s differs from its turn log", r.SessionID)
	}
	return nil
}

func printAudit(out io.Writer, res recovery.AuditResult, asJSON bool) error {
	if asJSON {
		failed := make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			failed[id] = err.Error()
		}
		if err := writeJSON(out, map[string]interface{}{
			"checked":      res.Checked,
			"inconsistent": res.Inconsistent,
			"failed":       failed,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "checked %d sessions, %d inconsistent, %d failed\n", res.Checked, len(res.Inconsistent), len(res.Failed))
		for _, id := range res.Inconsistent {
			fmt.Fprintf(out, "  inconsistent: %s\n", id)
		}
		for id, err := range res.Failed {
			fmt.Fprintf(out, "  failed: %s: %v\n", id, err)
		}
	}
	if len(res.Inconsistent) > 0 {
		return fmt.Errorf("%d sessions differ from their turn log", len(res.Inconsistent))
	}
	return nil
}

func describeState(st models.SessionState) string {
	if st.Active == nil {
		return fmt.Sprintf("idle, stack=%d", len(st.Stack))
	}
	return fmt.Sprintf("%s step %d, stack=%d", st.Active.FlowID, st.Active.Step, len(st.Stack))
}

func newFlowsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "List the registered flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(c.cfg)
			if err != nil {
				return err
			}
			return printFlows(cmd.OutOrStdout(), reg.Summaries(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printFlows(out io.Writer, flows []models.FlowSummary, asJSON bool) error {
	if asJSON {
		return writeJSON(out, flows)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SCENARIO\tFLOW\tMIN PRIORITY\tINTERRUPTIBLE\tSTEPS\n")
	for _, f := range flows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", f.Scenario, f.ID, f.MinPriority, f.Interruptible, strings.Join(f.Steps, ","))
	}
	return w.Flush()
}

func newStatsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats [session-id]",
		Short: "Summarize message, flow and crisis counts",
		Long: `Print usage statistics for one session, or for every live session when
no id is given.

Examples:
  flowguide stats
  flowguide stats 4f1c2a --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(c.cfg, "flowguide stats")
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				st, err := a.engine.SessionStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, st)
				}
				fmt.Fprintf(out, "session %s: %d messages, %d crisis flags\n", st.SessionID, st.MessageCount, st.CrisisFlags)
				fmt.Fprintf(out, "  flows: %s\n", strings.Join(st.Flows, ","))
				printTopFlows(out, st.TopFlows)
				return nil
			}
			g, err := a.engine.GlobalStats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, g)
			}
			fmt.Fprintf(out, "%d sessions, %d messages, %d crisis flags\n", g.ActiveSessions, g.TotalMessages, g.TotalCrisisFlags)
			printTopFlows(out, g.TopFlows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printTopFlows(out io.Writer, flows []models.FlowCount) {
	for _, f := range flows {
		fmt.Fprintf(out, "  top: %s (%d turns)\n", f.FlowID, f.Turns)
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintf(out, "%s\n", data)
	return nil
}
