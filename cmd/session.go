package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/spf13/cobra"
)

func newSessionCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage stored sessions",
	}

	cmd.AddCommand(
		newSessionShowCmd(root),
		newSessionCloseCmd(root),
		newSessionExpireCmd(root),
	)

	return cmd
}

func newSessionShowCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session and its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				store, err := a.store()
				if err != nil {
					return err
				}
				sess, err := store.GetContext(cmd.Context(), args[0])
				if errors.Is(err, ports.ErrSessionNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(sess)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "session: %s\n", sess.ID)
				if sess.SubjectID != "" {
					_, _ = fmt.Fprintf(out, "subject: %s\n", sess.SubjectID)
				}
				_, _ = fmt.Fprintf(out, "last accessed: %s\n", sess.LastAccessedAt.Format("2006-01-02 15:04:05"))
				_, _ = fmt.Fprintf(out, "turns: %d\n", len(sess.Turns))
				for _, t := range sess.Turns {
					_, _ = fmt.Fprintf(out, "- %s [%s/%s] %.2f %s\n", t.ID, t.Class, t.Chain.Strategy, t.Answer.Confidence, t.Answer.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session as JSON")
	return cmd
}

func newSessionCloseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session and delete its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				store, err := a.store()
				if err != nil {
					return err
				}
				if err := store.Close(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Closed session %s\n", args[0])
				return nil
			})
		},
	}
}

func newSessionExpireCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire sessions idle longer than orchestrator.session_idle_ttl_s",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app) error {
				store, err := a.store()
				if err != nil {
					return err
				}
				n, err := store.ExpireIdle(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Expired %d idle sessions (idle ttl %s)\n", n, store.IdleTTL())
				return nil
			})
		},
	}
}
