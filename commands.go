package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"orchestrator/services/catalog"
	"orchestrator/services/workflow"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			repo, closeRepo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			if a.cfg.Storage.Seed {
				if err := workflow.Seed(ctx, repo, cat); err != nil {
					return fmt.Errorf("seed workflows: %w", err)
				}
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := workflow.NewMetrics(reg)

			session := workflow.NewSession(workflow.SessionConfig{
				Catalog:     cat,
				Repo:        repo,
				Simulator:   a.newSimulator(cat, metrics),
				CostCeiling: a.cfg.Governance.CostCeiling,
				Metrics:     metrics,
				Logger:      slog.Default(),
			})

			// setup router
			mainRouter := mux.NewRouter()
			mainRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

			apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
			workflow.NewService(cat, repo, session).LoadRoutes(apiRouter)

			corsHandler := handlers.CORS(
				handlers.AllowedOrigins(a.cfg.Server.AllowedOrigins),
				handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
				handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
				handlers.AllowCredentials(),
			)(mainRouter)

			srv := &http.Server{
				Addr:    a.cfg.Server.Addr,
				Handler: handlers.RecoveryHandler()(corsHandler),
			}

			serverErrors := make(chan error, 1)

			go func() {
				slog.Info("Starting server", "addr", a.cfg.Server.Addr, "storage", a.cfg.Storage.Driver,
					"dispatcher", a.cfg.Simulation.Dispatcher, "order", a.cfg.Simulation.Order)
				serverErrors <- srv.ListenAndServe()
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serverErrors:
				if !errors.Is(err, http.ErrServerClosed) {
					slog.Error("Server error", "error", err)
					return err
				}

			case sig := <-shutdown:
				slog.Info("Shutdown signal received", "signal", sig)
				session.ResetSimulation()

				ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()

				if err := srv.Shutdown(ctx); err != nil {
					slog.Error("Could not stop server gracefully", "error", err)
					srv.Close()
				}
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	_ = a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) catalogCmd() *cobra.Command {
	var category string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the task catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			tasks := cat.ByCategory(catalog.Category(category))
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Name", "Category", "Avg Cost (RM)", "Success %", "Duration (s)"})
			for _, t := range tasks {
				tw.AppendRow(table.Row{
					t.ID, t.Name, t.Category,
					fmt.Sprintf("%.2f", t.AvgCost),
					fmt.Sprintf("%.0f", t.SuccessRate),
					fmt.Sprintf("%.0f-%.0f", t.Duration.Min, t.Duration.Max),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(catalog.CategoryAll), "filter by category (mortgage, solar, general, all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) simulateCmd() *cobra.Command {
	var file, approvedBy string
	var confirm, ackCost, asJSON bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate an exported workflow",
		Long:  "Imports an export document into a fresh session and runs one simulation. Without --confirm the approval gate stays closed and the run is blocked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			session := workflow.NewSession(workflow.SessionConfig{
				Catalog:     cat,
				Repo:        workflow.NewMemoryRepository(),
				Simulator:   a.newSimulator(cat, nil),
				CostCeiling: a.cfg.Governance.CostCeiling,
				Logger:      slog.Default(),
			})
			if _, err := session.Import(data); err != nil {
				return err
			}
			if ackCost {
				if err := session.AcknowledgeCostWarning(); err != nil {
					return err
				}
			}
			if confirm {
				gate, err := session.Approve(true, approvedBy)
				if err != nil {
					return err
				}
				if gate.Blocked {
					fmt.Fprintln(cmd.ErrOrStderr(), gate.Reason)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := session.RunSimulation(ctx)
			if result == nil {
				return runErr
			}
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return runErr
			}
			printSimulation(cmd.OutOrStdout(), result)
			return runErr
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "export document to simulate")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "certify the workflow for execution before running")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "cli", "approver recorded on the workflow")
	cmd.Flags().BoolVar(&ackCost, "acknowledge-cost", false, "continue even if the cost ceiling is exceeded")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().Uint64("seed", 0, "random seed for pass/fail draws (0 = time based)")
	cmd.Flags().String("order", "list", "execution order (list, topological)")
	cmd.Flags().Duration("delay", 0, "simulated delay per step")
	_ = cmd.MarkFlagRequired("file")
	_ = a.v.BindPFlag("simulation.seed", cmd.Flags().Lookup("seed"))
	_ = a.v.BindPFlag("simulation.order", cmd.Flags().Lookup("order"))
	_ = a.v.BindPFlag("simulation.step_delay", cmd.Flags().Lookup("delay"))
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an export document and show its cost breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			wf, err := workflow.DecodeExport(data, cat)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s): %d nodes, %d connections, status %s\n",
				wf.Name, wf.ID, len(wf.Nodes), len(wf.Connections), wf.Status)

			if _, err := workflow.ExecutionPlan(wf.Nodes, wf.Connections, workflow.OrderTopological); err != nil {
				fmt.Fprintln(out, "warning: connections form a cycle; topological execution will be rejected")
			}

			b := workflow.CalculateCostBreakdown(cat, wf.Nodes)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Node", "Task", "Cost (RM)"})
			for _, tc := range b.Tasks {
				tw.AppendRow(table.Row{tc.NodeID, tc.TaskName, fmt.Sprintf("%.2f", workflow.RoundCurrency(tc.Cost))})
			}
			tw.AppendFooter(table.Row{"", "Subtotal", fmt.Sprintf("%.2f", workflow.RoundCurrency(b.Subtotal))})
			tw.Render()

			fmt.Fprintf(out, "execution %.2f / platform %.2f / designer %.2f, estimated success %d%%\n",
				workflow.RoundCurrency(b.ExecutionCost), workflow.RoundCurrency(b.PlatformFee),
				workflow.RoundCurrency(b.DesignerCut), workflow.EstimatedSuccessRate(cat, wf.Nodes))
			if gate := workflow.CheckCostCeiling(b.Subtotal, a.cfg.Governance.CostCeiling, false); gate.Blocked {
				fmt.Fprintln(out, "warning:", gate.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "export document to validate")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printSimulation(w io.Writer, result *workflow.SimulationResult) {
	if result.Blocked {
		fmt.Fprintln(w, "blocked:", result.BlockedReason)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Node", "Task", "Status", "Time (s)", "Cost (RM)", "Error"})
	for _, s := range result.Steps {
		tw.AppendRow(table.Row{
			s.StepNumber, s.NodeID, s.TaskName, s.Status,
			fmt.Sprintf("%.1f", s.MockTime),
			fmt.Sprintf("%.2f", workflow.RoundCurrency(s.MockCost)),
			s.Error,
		})
	}
	tw.AppendFooter(table.Row{
		"", "", fmt.Sprintf("%d/%d passed", result.PassedSteps, result.TotalSteps), "",
		fmt.Sprintf("%.1f", result.TotalMockTime),
		fmt.Sprintf("%.2f", workflow.RoundCurrency(result.TotalMockCost)),
		fmt.Sprintf("estimated success %d%%", result.EstimatedSuccessRate),
	})
	tw.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
