package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardflow/internal/app"
	"boardflow/internal/domain"
	"boardflow/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				projects, err := w.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Description"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				p, err := w.Engine.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created project %s (%s)\n", p.Name, p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "project description")
	cmd.Flags().StringSliceVar(&opts.Sections, "section", nil, "initial section, repeatable and kept in order")
	return cmd
}

type projectView struct {
	domain.Project
	Sections []domain.Section `json:"sections"`
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a project and its sections",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				if len(args) == 1 {
					projectID = args[0]
				}
				p, err := w.Engine.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				sections, err := w.Engine.ListSections(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(projectView{Project: p, Sections: sections})
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Rename or describe a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				if len(args) == 1 {
					projectID = args[0]
				}
				p, err := w.Engine.UpdateProject(ctx, projectID,
					optionalString(cmd, "name", name), optionalString(cmd, "description", description))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project with its sections, tasks and rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if err := w.Engine.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s\n", args[0])
				return nil
			})
		},
	}
}

func sectionCmd() *cobra.Command {
	sec := &cobra.Command{Use: "section", Short: "Manage board sections"}
	sec.AddCommand(sectionListCmd())
	sec.AddCommand(sectionAddCmd())
	sec.AddCommand(sectionRenameCmd())
	sec.AddCommand(sectionMoveCmd())
	sec.AddCommand(sectionDeleteCmd())
	return sec
}

func sectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sections in board order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				sections, err := w.Engine.ListSections(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sections)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Order"})
				for _, s := range sections {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Order})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sectionAddCmd() *cobra.Command {
	var order int
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				s, err := w.Engine.CreateSection(ctx, engine.SectionCreateOptions{
					ProjectID: projectID,
					Name:      args[0],
					Order:     optionalInt(cmd, "order", order),
				})
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Added section %s (%s)\n", s.Name, s.ID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&order, "order", 0, "position among sections (defaults to last)")
	return cmd
}

func sectionRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <section-id> <name>",
		Short: "Rename a section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				name := args[1]
				s, err := w.Engine.UpdateSection(ctx, engine.SectionUpdateOptions{ID: args[0], Name: &name})
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				return printJSONOrTable(s)
			})
		},
	}
}

func sectionMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <section-id> <order>",
		Short: "Change a section's position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var order int
			if _, err := fmt.Sscanf(args[1], "%d", &order); err != nil {
				return fmt.Errorf("order must be an integer: %w", err)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				s, err := w.Engine.UpdateSection(ctx, engine.SectionUpdateOptions{ID: args[0], Order: &order})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sectionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <section-id>",
		Short: "Delete a section; rules pointing at it are disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				broken, err := w.Engine.DeleteSection(ctx, args[0])
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(broken)
				}
				fmt.Printf("Deleted section %s\n", args[0])
				for _, r := range broken {
					fmt.Printf("  rule %s (%s) is now broken: %s\n", r.Name, r.ID, r.BrokenReason)
				}
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage task cards"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskAddCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskCompleteCmd(true))
	t.AddCommand(taskCompleteCmd(false))
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var sectionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				tasks, err := w.Engine.ListTasks(ctx, projectID)
				if err != nil {
					return err
				}
				if sectionID != "" {
					var filtered []domain.Task
					for _, t := range tasks {
						if t.SectionID == sectionID {
							filtered = append(filtered, t)
						}
					}
					tasks = filtered
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Section", "Order", "Done", "Due", "Parent"})
				for _, t := range tasks {
					due := ""
					if t.DueDate != nil {
						due = t.DueDate.Format("2006-01-02")
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.SectionID, t.Order, t.Completed, due, t.ParentTaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sectionID, "section", "", "only tasks in this section")
	return cmd
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDate(due)
			if err != nil {
				return err
			}
			opts.Title = args[0]
			opts.DueDate = dueDate
			return withProject(cmd.Context(), func(ctx context.Context, w *app.Workspace, projectID string) error {
				opts.ProjectID = projectID
				t, err := w.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Added task %s (%s)\n", t.Title, t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.SectionID, "section", "", "section id")
	cmd.Flags().StringVar(&opts.ParentTaskID, "parent", "", "parent task id for a subtask")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.Top, "top", false, "place above the section's other cards")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, description, due string
	var clearDue bool
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Edit a task's title, description or due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDate(due)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
					ID:           args[0],
					Title:        optionalString(cmd, "title", title),
					Description:  optionalString(cmd, "description", description),
					DueDate:      dueDate,
					ClearDueDate: clearDue,
				})
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&due, "due", "", "new due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	var top bool
	cmd := &cobra.Command{
		Use:   "move <task-id> <section-id>",
		Short: "Move a task to another section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.MoveTask(ctx, args[0], args[1], top)
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Moved %s to %s\n", t.Title, t.SectionID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&top, "top", false, "place at the top of the section")
	return cmd
}

func taskCompleteCmd(completed bool) *cobra.Command {
	use, short := "complete", "Mark a task complete"
	if !completed {
		use, short = "reopen", "Mark a task incomplete"
	}
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.SetTaskCompleted(ctx, args[0], completed)
				if err != nil {
					return err
				}
				printNotices(w.Engine.Notices())
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s: completed=%t\n", t.Title, t.Completed)
				return nil
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if err := w.Engine.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}
