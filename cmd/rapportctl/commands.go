package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/rapport/internal/insight"
	"github.com/linnemanlabs/rapport/internal/insight/memstore"
	"github.com/linnemanlabs/rapport/internal/trigger"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one aggregation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				rep, err := s.engine.Run(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				return printFields(cmd.OutOrStdout(), []field{
					{"evidence", rep.Evidence},
					{"groups", rep.Groups},
					{"created", rep.Created},
					{"updated", rep.Updated},
					{"unchanged", rep.Unchanged},
					{"dismissed", rep.Dismissed},
					{"unmapped", rep.Unmapped},
					{"duration", rep.Duration},
				})
			})
		},
	}
}

func newDedupeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Merge insights that share a person, context and kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				rep, err := s.svc.Dedupe(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				return printFields(cmd.OutOrStdout(), []field{
					{"scanned", rep.Scanned},
					{"groups", rep.Groups},
					{"merged", rep.Merged},
					{"removed", rep.Removed},
					{"duration", rep.Duration},
				})
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		all        bool
		personRef  string
		contextRef string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List insights, active only unless --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				rows, err := s.svc.List(ctx, insight.Filter{
					ActiveOnly: !all,
					PersonRef:  personRef,
					ContextRef: contextRef,
				})
				if err != nil {
					return err
				}
				if a.jsonOut {
					if rows == nil {
						rows = []insight.Insight{}
					}
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				return printInsights(cmd.OutOrStdout(), rows)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&all, "all", false, "include dismissed insights")
	f.StringVar(&personRef, "person", "", "only insights about this person ref")
	f.StringVar(&contextRef, "context", "", "only insights in this context ref")
	return cmd
}

func newDismissCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss an insight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				in, err := s.svc.Dismiss(ctx, args[0])
				if errors.Is(err, insight.ErrNotFound) {
					return fmt.Errorf("insight %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), in)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dismissed %s at %s\n", in.ID, in.DismissedAt.UTC().Format(timeLayout))
				return nil
			})
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "ingest <evidence.yaml>",
		Short: "Store evidence from a YAML file",
		Long: `Store evidence from a YAML file. Records without signals are classified.
With --redis-url a trigger is published so a running server aggregates;
with --run an aggregation pass runs here instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readEvidence(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.svc.Ingest(ctx, batch)
				if err != nil {
					return err
				}
				var rep *insight.RunReport
				if runNow {
					if rep, err = s.engine.Run(ctx); err != nil {
						return err
					}
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), struct {
						*insight.IngestResult
						Run *insight.RunReport `json:"run,omitempty"`
					}{res, rep})
				}
				fields := []field{
					{"received", res.Received},
					{"stored", res.Stored},
					{"classified", res.Classified},
					{"unsignaled", res.Unsignaled},
				}
				if rep != nil {
					fields = append(fields, field{"created", rep.Created}, field{"updated", rep.Updated})
				}
				return printFields(cmd.OutOrStdout(), fields)
			})
		},
	}
	cmd.Flags().BoolVar(&runNow, "run", false, "run an aggregation pass after storing")
	return cmd
}

func readEvidence(path string) ([]insight.Evidence, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, err
		}
		defer f.Close() //nolint:errcheck // read-only
		r = f
	}
	batch, err := memstore.ReadFixture(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return batch, nil
}

func newTriggerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [reason]",
		Short: "Ask a running server to aggregate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.redisURL == "" {
				return errors.New("trigger requires --redis-url")
			}
			reason := "manual"
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				reason = strings.TrimSpace(args[0])
			}
			ctx := cmd.Context()
			rdb, err := trigger.Connect(ctx, a.redisURL)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer func() { _ = rdb.Close() }()

			n, err := trigger.NewPublisher(rdb, a.triggerChannel, component).Publish(ctx, reason)
			if err != nil {
				return err
			}
			if n == 0 {
				a.logger.Warn(ctx, "no server is listening", "channel", a.triggerChannel)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %q to %d listener(s)\n", reason, n)
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every insight as a JSON array",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				rows, err := s.svc.Export(ctx)
				if err != nil {
					return err
				}
				if rows == nil {
					rows = []insight.Insight{}
				}
				if out == "" || out == "-" {
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				f, err := os.Create(out) //nolint:gosec // operator-supplied path
				if err != nil {
					return err
				}
				if err := writeJSON(f, rows); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d insights to %s\n", len(rows), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <export.json>",
		Short: "Re-insert insights from an export",
		Long: `Re-insert insights from an export. Ids already present are left alone,
evidence that no longer exists is dropped, and rows left without evidence
are skipped. A row whose person, context and kind already have an insight
is merged into it, or skipped when that insight is dismissed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readExport(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				rep, err := s.svc.Restore(ctx, rows)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				return printFields(cmd.OutOrStdout(), []field{
					{"received", rep.Received},
					{"restored", rep.Restored},
					{"existing", rep.Existing},
					{"rejected", rep.Rejected},
					{"emptied", rep.Emptied},
					{"refs dropped", rep.RefsDropped},
					{"merged", rep.Merged},
					{"dismissed", rep.Dismissed},
					{"duration", rep.Duration},
				})
			})
		},
	}
}

func readExport(path string) ([]insight.Insight, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, err
		}
		defer f.Close() //nolint:errcheck // read-only
		r = f
	}
	var rows []insight.Insight
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rows, nil
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', 2, 64)
}
