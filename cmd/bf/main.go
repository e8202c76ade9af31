package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardflow/internal/app"
	"boardflow/internal/automation"
	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/logging"
	"boardflow/internal/migrate"
	"boardflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bf",
	Short: "Boardflow CLI",
	Long: `Boardflow runs kanban boards with rule-based automation.
Core concepts:
- Workspace: a directory holding boardflow.yml and the .boardflow database.
- Project: a board made of ordered sections; each section holds ordered task cards.
- Rule: a trigger (a card event or a schedule), optional filters and one action.
- Cascade: actions raise events of their own which may fire further rules, up to the configured depth.
- Undo: recent automation actions can be reversed within the undo window (bf undo).
- Tick: scheduled rules are evaluated by bf tick or continuously by bf serve.
- Event log: every change, with the rule that caused it, is kept (bf log tail).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOARDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local", "actor recorded on events")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(sectionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(undoCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write boardflow.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s (%d migrations applied)\n", path, applied)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "default project id written to the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate scheduled rules once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				rep, err := w.Engine.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("evaluated %d, fired %d, executed %d\n", rep.Evaluated, rep.Fired, rep.Executed)
				printNotices(w.Engine.Notices())
				return nil
			})
		},
	}
}

func undoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo [undo-id]",
		Short: "Reverse an automation action (the newest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				snap, err := w.Engine.Undo(ctx, id)
				if err != nil {
					if errors.Is(err, automation.ErrNothingToUndo) {
						return fmt.Errorf("nothing to undo (undo history lives in the bf serve process)")
					}
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Undid %s on %s (rule %s)\n", snap.ActionType, snap.TargetEntityID, snap.RuleName)
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List undoable automation actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				snaps := w.Engine.UndoCandidates()
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Rule", "Action", "Target", "At"})
				for _, s := range snaps {
					tw.AppendRow(table.Row{s.ID, s.RuleName, s.ActionType, s.TargetEntityID, s.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("no JWT secret: set server.jwt_secret or BOARDFLOW_JWT_SECRET")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.IssueToken(secret, subject)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried by the token (defaults to --actor-id)")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log := logging.Must(cfg.Log)
	defer func() { _ = log.Sync() }()
	w, err := app.Open(ctx, workspace, app.OpenOptions{Log: log, ActorID: viper.GetString("actor-id")})
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w)
}

// withProject is withWorkspace plus the resolved active project id.
func withProject(ctx context.Context, fn func(context.Context, *app.Workspace, string) error) error {
	return withWorkspace(ctx, func(ctx context.Context, w *app.Workspace) error {
		projectID, err := app.ResolveProject(ctx, w, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, w, projectID)
	})
}

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("BOARDFLOW_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNotices reports automation feedback on stderr so stdout stays the
// command's own output.
func printNotices(notices []automation.Notice) {
	for _, n := range notices {
		switch n.Kind {
		case automation.NoticeExecution:
			for _, r := range n.Results {
				fmt.Fprintf(os.Stderr, "automation: %s: %s\n", r.RuleName, r.Description)
			}
		default:
			fmt.Fprintf(os.Stderr, "automation: %s\n", n.Message)
		}
	}
}

func optionalString(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func optionalInt(cmd *cobra.Command, name string, value int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

// parseDate accepts YYYY-MM-DD or RFC 3339.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return &t, nil
}
