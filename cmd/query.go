package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Galdaer/portfolio-sub000/medcore/harness"
	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	sessionID      string
	subjectID      string
	turnID         string
	documentPath   string
	transcriptPath string
	codes          []string
	diagnoses      []string
	payer          string
	strategy       string
	agents         []string
	asJSON         bool
}

func newQueryCmd(root *rootOptions) *cobra.Command {
	opts := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Submit one query turn",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.build(args)
			if err != nil {
				return err
			}
			return withApp(cmd, root, func(a *app) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()

				rt, err := a.factory.CreateRuntime(ctx)
				if err != nil {
					return fmt.Errorf("wire runtime: %w", err)
				}
				defer rt.Close()

				resp, err := rt.Orchestrator.SubmitQuery(ctx, opts.sessionID, q)
				if err != nil {
					return err
				}
				return writeResponse(cmd.OutOrStdout(), resp, opts.asJSON)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.sessionID, "session", "", "session to continue (a new one is opened when empty)")
	f.StringVar(&opts.subjectID, "subject", "", "subject (patient/account) the session belongs to")
	f.StringVar(&opts.turnID, "turn", "", "turn id; reuse it to retry a turn idempotently")
	f.StringVar(&opts.documentPath, "document", "", "path of a document to analyze")
	f.StringVar(&opts.transcriptPath, "transcript", "", "path of a visit transcript")
	f.StringSliceVar(&opts.codes, "code", nil, "procedure code (repeatable)")
	f.StringSliceVar(&opts.diagnoses, "diagnosis", nil, "diagnosis code (repeatable)")
	f.StringVar(&opts.payer, "payer", "", "payer id for coverage lookups")
	f.StringVar(&opts.strategy, "strategy", "", "reasoning strategy: chain, tree or auto")
	f.StringSliceVar(&opts.agents, "agent", nil, "restrict the turn to these agents")
	f.BoolVar(&opts.asJSON, "json", false, "print the full response as JSON")

	return cmd
}

func (o *queryOptions) build(args []string) (ports.Query, error) {
	strategy, err := ports.ParseStrategy(o.strategy)
	if err != nil {
		return ports.Query{}, err
	}
	q := ports.Query{
		SubjectID:      o.subjectID,
		TurnID:         o.turnID,
		ProcedureCodes: upper(o.codes),
		DiagnosisCodes: upper(o.diagnoses),
		PayerID:        o.payer,
		Strategy:       strategy,
	}
	if len(args) == 1 {
		q.Text = args[0]
	}
	for _, name := range o.agents {
		q.Agents = append(q.Agents, ports.AgentName(strings.ToLower(name)))
	}
	if o.documentPath != "" {
		b, err := os.ReadFile(o.documentPath)
		if err != nil {
			return ports.Query{}, fmt.Errorf("read document: %w", err)
		}
		q.Document = string(b)
		q.DocumentID = o.documentPath
	}
	if o.transcriptPath != "" {
		b, err := os.ReadFile(o.transcriptPath)
		if err != nil {
			return ports.Query{}, fmt.Errorf("read transcript: %w", err)
		}
		q.Transcript = string(b)
	}
	return q, nil
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func writeResponse(w io.Writer, resp *harness.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	_, _ = fmt.Fprintf(w, "session: %s\nturn: %s\n", resp.SessionID, resp.TurnID)
	_, _ = fmt.Fprintf(w, "answer: %s\n", resp.Answer.Text)
	_, _ = fmt.Fprintf(w, "confidence: %.2f\n", resp.Confidence)
	_, _ = fmt.Fprintf(w, "requires review: %t\n", resp.RequiresReview)
	for _, r := range resp.Answer.ReviewReasons {
		_, _ = fmt.Fprintf(w, "  - %s\n", r)
	}
	if len(resp.Answer.Sources) > 0 {
		_, _ = fmt.Fprintf(w, "sources: %s\n", strings.Join(resp.Answer.Sources, ", "))
	}
	for _, t := range resp.Tasks {
		_, _ = fmt.Fprintf(w, "agent %s: %s\n", t.Agent, t.Status)
	}
	return nil
}
