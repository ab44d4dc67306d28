package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planforge/internal/app"
	"planforge/internal/config"
	"planforge/internal/db"
	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/finalize"
	"planforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pf",
	Short: "Planforge CLI",
	Long: `Planforge turns a project idea into a structured work breakdown.
How it works:
- Workspace: your .planforge directory holding the SQLite database; planforge.yml configures providers.
- Project: start one from a plain-language idea with 'pf project create'.
- Dialogue: refine the plan by chatting with 'pf project chat'; the model proposes epics, stories, and tasks.
- Finalize: once the plan is complete and confirmed, 'pf project finalize' persists it and creates the repository, milestones, and issues in the tracker.
- Execute: hand tasks to the coding agent with 'pf task execute' and watch statuses move todo -> in_progress -> review -> done.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectChatCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPlanCmd())
	prj.AddCommand(projectNextCmd())
	prj.AddCommand(projectFinalizeCmd())
	prj.AddCommand(projectExportCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <idea>",
		Short: "Start planning a project from an idea",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idea := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateProject(ctx, idea)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Project %s created (%s)\n\n", res.Project.ID, res.Project.Name)
				fmt.Println(res.Reply)
				printReadiness(res.Ready)
				return nil
			})
		},
	}
	return cmd
}

func projectChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <project-id> <message>",
		Short: "Send a message in the planning dialogue",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			message := strings.Join(args[1:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Continue(ctx, projectID, message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Reply)
				printReadiness(res.Ready)
				return nil
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Repo", "Created"})
				for _, p := range items {
					repoURL := ""
					if p.RepoURL != nil {
						repoURL = *p.RepoURL
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, repoURL, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of projects (0 = all)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "task_counts": counts})
				}
				fmt.Printf("Project: %s (%s)\nStatus: %s\n", p.Name, p.ID, p.Status)
				if p.Description != "" {
					fmt.Printf("Description: %s\n", p.Description)
				}
				if len(p.TechStack) > 0 {
					fmt.Printf("Tech stack: %s\n", strings.Join(p.TechStack, ", "))
				}
				if p.RepoURL != nil {
					fmt.Printf("Repository: %s\n", *p.RepoURL)
				}
				if len(counts) > 0 {
					fmt.Println("Tasks:")
					for _, status := range []string{domain.StatusTodo, domain.StatusInProgress, domain.StatusReview, domain.StatusDone, domain.StatusBlocked} {
						if counts[status] > 0 {
							fmt.Printf("  %s: %d\n", status, counts[status])
						}
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func projectPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <project-id>",
		Short: "Show the persisted work breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.Plan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				if len(plan.Epics) == 0 {
					fmt.Println("No persisted plan yet; finalize the project first.")
					return nil
				}
				for _, epic := range plan.Epics {
					fmt.Printf("Epic: %s [%s]\n", epic.Title, epic.Status)
					for _, story := range epic.Stories {
						fmt.Printf("  Story: %s [%s]\n", story.Title, story.Status)
						for _, t := range story.Tasks {
							issue := ""
							if t.IssueNumber != nil {
								issue = fmt.Sprintf(" #%d", *t.IssueNumber)
							}
							fmt.Printf("    - %s (%s, %s)%s\n", t.Title, t.TaskType, t.Status, issue)
						}
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func projectNextCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "next <project-id>",
		Short: "Show the highest priority todo tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.NextTasks(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Type", "Epic", "Story"})
				for _, tc := range items {
					tw.AppendRow(table.Row{tc.Task.ID, tc.Task.Title, tc.Task.TaskType, tc.EpicTitle, tc.StoryTitle})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "max tasks to show")
	return cmd
}

func projectFinalizeCmd() *cobra.Command {
	var noRepo, noIssues bool
	cmd := &cobra.Command{
		Use:   "finalize <project-id>",
		Short: "Persist the plan and materialize it in the tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Finalize(ctx, args[0], finalize.Options{
					CreateRepo:   !noRepo,
					CreateIssues: !noIssues,
				})
				if err != nil {
					var partial *finalize.PartialError
					if errors.As(err, &partial) {
						fmt.Printf("finalize incomplete: %v\nrerun to resume from the failed step\n", partial)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Project %s finalized: %d epics, %d stories, %d tasks\n",
					res.ProjectID, res.Epics, res.Stories, res.Tasks)
				if res.RepoURL != "" {
					fmt.Printf("Repository: %s\n", res.RepoURL)
				}
				if res.Milestones > 0 {
					fmt.Printf("Milestones: %d\n", res.Milestones)
				}
				if len(res.Issues) > 0 {
					fmt.Printf("Issues created: %d\n", len(res.Issues))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noRepo, "no-repo", false, "skip repository creation")
	cmd.Flags().BoolVar(&noIssues, "no-issues", false, "skip issue creation")
	return cmd
}

func projectExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <project-id>",
		Short: "Export the plan as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				md, err := e.ExportMarkdown(ctx, args[0])
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, []byte(md), 0o644)
				}
				fmt.Print(md)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetProject(ctx, args[0]); err != nil {
					return err
				}
				return e.Repo.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the leaves of the work breakdown. Statuses flow todo -> in_progress -> review -> done, with blocked as a side exit.",
	}
	task.AddCommand(taskExecuteCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskLogsCmd())
	return task
}

func taskExecuteCmd() *cobra.Command {
	var extra string
	cmd := &cobra.Command{
		Use:   "execute <task-id>",
		Short: "Hand a task to the coding agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log, err := e.ExecuteTask(ctx, args[0], extra)
				if err != nil && log.ID == "" {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(log)
				}
				fmt.Printf("Execution %s: %s\n", log.ID, log.Status)
				if log.Output != "" {
					fmt.Println(log.Output)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&extra, "context", "", "additional context passed to the agent")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	var hours float64
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			var hoursPtr *float64
			if cmd.Flags().Changed("hours") {
				hoursPtr = &hours
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, args[0], status, hoursPtr)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (todo, in_progress, review, done, blocked)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "actual hours spent")
	return cmd
}

func taskLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "List execution logs for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.ExecutionLogs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Started", "Completed"})
				for _, l := range logs {
					completed := ""
					if l.CompletedAt != nil {
						completed = *l.CompletedAt
					}
					tw.AppendRow(table.Row{l.ID, l.Status, l.StartedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage planforge.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default planforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check database and provider reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Health(ctx))
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = fmt.Sprintf("%s:%d", e.Config.Server.Host, e.Config.Server.Port)
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Planforge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	inst, err := app.Open(viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer inst.Close()
	return fn(ctx, inst.Engine)
}

func printReadiness(ready bool) {
	if ready {
		fmt.Println("\nPlan is complete and confirmed. Run 'pf project finalize' to persist it.")
	}
}

func printJSONOrIndent(v any) error {
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
