package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orchestrator/pkg/config"
	"orchestrator/pkg/db"
	"orchestrator/services/catalog"
	"orchestrator/services/workflow"
)

type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
}

func main() {
	a := &app{v: config.New()}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Workflow orchestration engine",
		Long:          "Design task workflows, estimate their cost, simulate them behind a human approval gate and publish them for governance review.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			out := io.Writer(os.Stderr)
			if cmd.Name() == "serve" {
				out = os.Stdout
			}
			level, _ := cfg.SlogLevel()
			slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default ./orchestrator.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.catalogCmd())
	root.AddCommand(a.simulateCmd())
	root.AddCommand(a.validateCmd())
	return root
}

func (a *app) loadCatalog() (*catalog.Catalog, error) {
	if a.cfg.Catalog.File == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(a.cfg.Catalog.File)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded task catalog", "file", a.cfg.Catalog.File, "tasks", cat.Len())
	return cat, nil
}

// openRepository returns the configured workflow store and a func releasing its resources.
func (a *app) openRepository(ctx context.Context) (workflow.Repository, func(), error) {
	switch a.cfg.Storage.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, db.Config{URI: a.cfg.Storage.DatabaseURL})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		repo := workflow.NewPostgresRepository(pool)
		if err := repo.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	case "sqlite":
		conn, err := db.OpenSQLite(a.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		repo := workflow.NewSQLiteRepository(conn)
		if err := repo.InitSchema(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return repo, func() { conn.Close() }, nil
	default:
		return workflow.NewMemoryRepository(), func() {}, nil
	}
}

func (a *app) newSimulator(cat *catalog.Catalog, metrics *workflow.Metrics) *workflow.Simulator {
	sim := a.cfg.Simulation
	var dispatcher workflow.Dispatcher
	if sim.Dispatcher == "http" {
		dispatcher = workflow.NewHTTPDispatcher(sim.Endpoint, sim.Timeout)
	} else {
		dispatcher = workflow.NewMockDispatcher(sim.StepDelay, workflow.NewRandomSource(sim.Seed))
	}
	return workflow.NewSimulator(cat, dispatcher, workflow.ExecutionOrder(sim.Order), metrics)
}
