// Command orchestrator runs the detect, decide and fix pipeline, either as a
// long-lived HTTP service or for a single workflow.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codeagent/internal/agent"
	"codeagent/internal/config"
	"codeagent/internal/decision"
	"codeagent/internal/fs"
	"codeagent/internal/logging"
	"codeagent/internal/messaging/inproc"
	"codeagent/internal/metrics"
	"codeagent/internal/orchestrator"
	"codeagent/internal/policy"
	sqlitestore "codeagent/internal/store/sqlite"
	"codeagent/internal/taskmanager"
)

var version = "dev"

type options struct {
	configPath string
	addr       string
	dbPath     string
	workspace  string
	noAudit    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "codeagent",
		Short:        "Coordinate bug detection and fix agents",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.toml")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite audit database path override")
	root.PersistentFlags().StringVar(&opts.workspace, "workspace", "", "confine workflow targets to this directory")
	root.PersistentFlags().BoolVar(&opts.noAudit, "no-audit", false, "do not open the sqlite audit journal")

	root.AddCommand(newServeCmd(opts), newRunCmd(opts))
	return root
}

// app holds everything built from one configuration.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    *sqlitestore.Store
	coord    *orchestrator.Coordinator
}

func newApp(ctx context.Context, opts *options, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Orchestrator.LogLevel, cfg.Orchestrator.LogFormat, logOut)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	deps := orchestrator.Deps{
		Bus:     inproc.New(cfg.BusConfig(), logger, m),
		Tasks:   taskmanager.New(cfg.TaskConfig(), logger, m),
		Logger:  logger,
		Metrics: m,
	}

	if !opts.noAudit {
		dbPath := filepath.Clean(firstNonEmpty(opts.dbPath, cfg.DBPath()))
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		store, err := sqlitestore.Open(dbPath)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		a.store = store
		deps.Audit = store
	}

	if root := firstNonEmpty(opts.workspace, cfg.Orchestrator.WorkspaceRoot); root != "" {
		ws, err := fs.NewWorkspace(root)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		deps.Workspace = ws
	}

	var classifier decision.Classifier
	if cfg.ClassifierEnabled() {
		ccfg := cfg.ClassifierConfig()
		ccfg.Logger = logger
		c, err := agent.NewAPIClassifier(ccfg)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("create classifier: %w", err)
		}
		classifier = c
	}
	deps.Decisions = decision.New(cfg.DecisionConfig(), classifier, policy.New(), logger, m)

	a.coord = orchestrator.New(cfg.CoordinatorConfig(), deps)
	return a, nil
}

// start runs the coordinator and registers every configured agent.
func (a *app) start(ctx context.Context) error {
	if err := a.coord.Start(ctx); err != nil {
		return err
	}
	for _, id := range a.cfg.AgentIDs() {
		acfg, err := a.cfg.CommandAgentConfig(id)
		if err != nil {
			return err
		}
		acfg.Logger = a.logger
		ag, err := agent.NewCommandAgent(acfg)
		if err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		if err := a.coord.RegisterAgent(ctx, id, ag); err != nil {
			return fmt.Errorf("register agent %s: %w", id, err)
		}
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	a.coord.Stop(ctx)
	a.closeStore()
	_ = a.logger.Sync()
}

func (a *app) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close sqlite store", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
