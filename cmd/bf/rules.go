package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"boardflow/internal/app"
	"boardflow/internal/automation"
	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

func ruleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleShowCmd())
	r.AddCommand(ruleApplyCmd())
	r.AddCommand(ruleEnableCmd(true))
	r.AddCommand(ruleEnableCmd(false))
	r.AddCommand(ruleDeleteCmd())
	r.AddCommand(ruleDuplicateCmd())
	r.AddCommand(ruleDuplicatesCmd())
	r.AddCommand(ruleDryRunCmd())
	r.AddCommand(ruleRunCmd())
	r.AddCommand(rulePauseCmd(true))
	r.AddCommand(rulePauseCmd(false))
	r.AddCommand(ruleReorderCmd())
	return r
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				rules, err := w.Engine.ListRules(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Action", "State", "Runs", "Last run"})
				for _, r := range rules {
					last := ""
					if r.LastExecutedAt != nil {
						last = r.LastExecutedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Trigger.Type, r.Action.Type, ruleState(r), r.ExecutionCount, last})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleState(r domain.AutomationRule) string {
	switch {
	case r.BrokenReason != "":
		return "broken (" + string(r.BrokenReason) + ")"
	case r.BulkPausedAt != nil && !r.Enabled:
		return "paused"
	case !r.Enabled:
		return "disabled"
	}
	return "enabled"
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule with its recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				r, err := w.Engine.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

// ruleSpec decodes one rule from YAML. A missing enabled key means enabled.
type ruleSpec domain.AutomationRule

func (r *ruleSpec) UnmarshalYAML(n *yaml.Node) error {
	type plain domain.AutomationRule
	p := plain{Enabled: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = ruleSpec(p)
	return nil
}

// decodeRules reads every YAML document in r. A document is either a single
// rule or a mapping with a rules list.
func decodeRules(r io.Reader) ([]domain.AutomationRule, error) {
	var out []domain.AutomationRule
	dec := yaml.NewDecoder(r)
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid rule yaml: %w", err)
		}
		var list struct {
			Rules []ruleSpec `yaml:"rules"`
		}
		if err := doc.Decode(&list); err == nil && len(list.Rules) > 0 {
			for _, r := range list.Rules {
				out = append(out, domain.AutomationRule(r))
			}
			continue
		}
		var one ruleSpec
		if err := doc.Decode(&one); err != nil {
			return nil, fmt.Errorf("invalid rule yaml: %w", err)
		}
		out = append(out, domain.AutomationRule(one))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no rules found")
	}
	return out, nil
}

func ruleApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f <file>",
		Short: "Create or update rules from YAML",
		Long: `Reads one or more rules from YAML ("-" for stdin). A rule whose id
already exists is replaced; any other rule is created in the active project.
Rules are enabled unless they set enabled: false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			rules, err := decodeRules(in)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				var applied []domain.AutomationRule
				for _, r := range rules {
					if r.ProjectID == "" {
						r.ProjectID = projectID
					}
					out, err := applyRule(ctx, w, r)
					if err != nil {
						name := r.Name
						if name == "" {
							name = r.ID
						}
						return fmt.Errorf("rule %q: %w", name, err)
					}
					applied = append(applied, out)
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(applied)
				}
				for _, r := range applied {
					fmt.Printf("Applied rule %s (%s)\n", r.Name, r.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func applyRule(ctx context.Context, w *app.Workspace, r domain.AutomationRule) (domain.AutomationRule, error) {
	if r.ID != "" {
		if _, err := w.Engine.GetRule(ctx, r.ID); err == nil {
			return w.Engine.UpdateRule(ctx, r)
		} else if !errors.Is(err, automation.ErrRuleNotFound) && !errors.Is(err, repo.ErrNotFound) {
			return r, err
		}
	}
	return w.Engine.CreateRule(ctx, r)
}

func ruleEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable", "Enable a rule"
	if !enabled {
		use, short = "disable", "Disable a rule"
	}
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				r, err := w.Engine.SetRuleEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Rule %s is %s\n", r.Name, ruleState(r))
				return nil
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if err := w.Engine.DeleteRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted rule %s\n", args[0])
				return nil
			})
		},
	}
}

func ruleDuplicateCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "duplicate <rule-id>",
		Short: "Copy a rule into this or another project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				dest := target
				if dest == "" {
					src, err := w.Engine.GetRule(ctx, args[0])
					if err != nil {
						return err
					}
					dest = src.ProjectID
				}
				r, err := w.Engine.DuplicateRule(ctx, args[0], dest)
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Created %s (%s) in %s\n", r.Name, r.ID, r.ProjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target project id (defaults to the rule's project)")
	return cmd
}

func ruleDuplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "List rules that repeat an earlier rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				pairs, err := w.Engine.FindDuplicateRules(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pairs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rule", "Duplicate of"})
				for _, p := range pairs {
					tw.AppendRow(table.Row{p.RuleID, p.DuplicateOf})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleDryRunCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "dry-run [rule-id]",
		Short: "Preview what a rule would do now without changing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (file != "") {
				return fmt.Errorf("give either a rule id or -f <file>")
			}
			var draft *domain.AutomationRule
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				rules, err := decodeRules(f)
				f.Close()
				if err != nil {
					return err
				}
				draft = &rules[0]
			}
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				var res automation.DryRunResult
				var err error
				if draft != nil {
					if draft.ProjectID == "" {
						draft.ProjectID = projectID
					}
					res, err = w.Engine.DryRun(ctx, *draft)
				} else {
					res, err = w.Engine.DryRunRule(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%d matching task(s): %s\n", len(res.MatchedTaskIDs), strings.Join(res.MatchedTaskIDs, ", "))
				if res.WouldCreate > 0 {
					fmt.Printf("would create %d card(s)\n", res.WouldCreate)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Action", "Target", "Task", "Description"})
				for _, a := range res.Actions {
					tw.AppendRow(table.Row{a.ActionType, a.TargetEntityID, a.TaskName, a.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "preview a draft rule from YAML instead")
	return cmd
}

func ruleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Run a rule now against every matching task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				results, err := w.Engine.RunRule(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				fmt.Printf("%d action(s) executed\n", len(results))
				for _, r := range results {
					fmt.Printf("  %s\n", r.Description)
				}
				return nil
			})
		},
	}
}

func rulePauseCmd(pause bool) *cobra.Command {
	use, short := "pause", "Disable every enabled rule in the project"
	if !pause {
		use, short = "resume", "Re-enable the rules paused by rule pause"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				var n int
				var err error
				if pause {
					n, err = w.Engine.PauseRules(ctx, projectID)
				} else {
					n, err = w.Engine.ResumeRules(ctx, projectID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"count": n})
				}
				fmt.Printf("%sd %d rule(s)\n", use, n)
				return nil
			})
		},
	}
}

func ruleReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <rule-id>...",
		Short: "Set the evaluation order of the project's rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				if err := w.Engine.ReorderRules(ctx, projectID, args); err != nil {
					return err
				}
				fmt.Printf("Reordered %d rule(s)\n", len(args))
				return nil
			})
		},
	}
}
