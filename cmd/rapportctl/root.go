package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/rapport/internal/backend"
	"github.com/linnemanlabs/rapport/internal/insight"
	"github.com/linnemanlabs/rapport/internal/trigger"
)

const appName = "rapport"
const component = "rapportctl"

// app carries the flags shared by every subcommand.
type app struct {
	store          backend.Options
	redisURL       string
	triggerChannel string
	jsonOut        bool
	logCfg         log.Config

	logger log.Logger
}

// session is an open store with an engine and service on top.
type session struct {
	backend *backend.Backend
	engine  *insight.Engine
	svc     *insight.Service
	closers []func() error
}

func (s *session) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newRootCmd() *cobra.Command {
	a := &app{logger: log.Nop()}

	root := &cobra.Command{
		Use:   "rapportctl",
		Short: "Maintain a rapport insight store",
		Long: `rapportctl runs aggregation, deduplication, export and restore against the
same store the rapport server uses. Store and trigger settings are read from
flags or RAPPORT_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lg, err := log.New(a.logCfg.ToOptions(appName))
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			a.logger = lg.With("component", component)
			cmd.SetContext(log.WithContext(cmd.Context(), a.logger))
			return nil
		},
	}

	vi := v.Get()
	root.Version = fmt.Sprintf("%s (commit=%s, build_date=%s)", vi.Version, vi.Commit, vi.BuildDate)

	// Shared flags live on a stdlib FlagSet so RAPPORT_* environment
	// variables fill them the same way they do for the server.
	fs := flag.NewFlagSet("rapportctl", flag.ContinueOnError)
	fs.StringVar(&a.store.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&a.store.SQLitePath, "sqlite-path", "", "SQLite database file")
	fs.StringVar(&a.store.EvidenceFixture, "evidence-fixture", "", "YAML evidence file seeding an in-memory store")
	fs.StringVar(&a.redisURL, "redis-url", "", "Redis URL for publishing triggers to a running server")
	fs.StringVar(&a.triggerChannel, "trigger-channel", trigger.DefaultChannel, "Redis pub/sub channel carrying triggers")
	a.logCfg.RegisterFlags(fs)
	cfg.FillFromEnv(fs, "RAPPORT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	root.PersistentFlags().AddGoFlagSet(fs)
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newRunCmd(a),
		newDedupeCmd(a),
		newListCmd(a),
		newDismissCmd(a),
		newIngestCmd(a),
		newTriggerCmd(a),
		newExportCmd(a),
		newRestoreCmd(a),
	)
	return root
}

// open opens the configured store. When a Redis URL is set, the service
// publishes its triggers so a running server reconciles the changes.
func (a *app) open(ctx context.Context) (*session, error) {
	b, err := backend.Open(ctx, a.store, a.logger)
	if err != nil {
		return nil, err
	}
	s := &session{backend: b, closers: []func() error{b.Close}}

	var trig insight.Triggerer
	if a.redisURL != "" {
		rdb, err := trigger.Connect(ctx, a.redisURL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, rdb.Close)
		trig = trigger.NewForwarder(ctx, trigger.NewPublisher(rdb, a.triggerChannel, component), a.logger)
	}

	s.engine = insight.NewEngine(b.Store, b.Store, a.logger, insight.Hooks{})
	s.svc = insight.NewService(b.Store, b.Store, s.engine, trig, a.logger)
	return s, nil
}

// withSession opens a session for the duration of fn.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()
	return fn(ctx, s)
}
