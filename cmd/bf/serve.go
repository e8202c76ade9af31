package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"boardflow/internal/app"
	"boardflow/internal/automation"
	"boardflow/internal/config"
	"boardflow/internal/logging"
	"boardflow/internal/repo"
	"boardflow/internal/scheduler"
	"boardflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the rule scheduler and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			w, err := app.Open(ctx, workspace, app.OpenOptions{Log: log, Registry: reg, ActorID: "scheduler"})
			if err != nil {
				return err
			}
			defer w.Close()

			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: jwtSecret(cfg), DefaultActor: "api"}
			if authCfg.JWTSecret == "" {
				log.Warn("no JWT secret configured; the API accepts unauthenticated requests")
			}
			handler, err := server.New(server.Config{
				Engine:   w.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Registry: reg,
				Log:      log,
			})
			if err != nil {
				return err
			}

			if !noScheduler {
				runner, err := scheduler.New(w.Engine, cfg.Automation.TickInterval, log)
				if err != nil {
					return err
				}
				runner.OnTick = func(rep automation.TickReport) {
					if rep.Fired > 0 {
						log.Info("scheduled rules fired",
							zap.Int("evaluated", rep.Evaluated),
							zap.Int("fired", rep.Fired),
							zap.Int("executed", rep.Executed))
					}
				}
				runner.Start(ctx)
				defer runner.Stop()
			}
			if d := server.NewWebhookDispatcher(w.Engine.Repo, cfg.Webhooks, log); d != nil {
				go d.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving boardflow API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Duration("tick_interval", cfg.Automation.TickInterval))
			fmt.Printf("Serving Boardflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not evaluate scheduled rules")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				f.ProjectID = projectID
				events, err := w.Engine.Events(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Rule", "Depth"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.TriggeredByRule, e.Depth})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}
