package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/auth"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/events"
	"taskline/internal/identity"
	"taskline/internal/migrate"
	"taskline/internal/notify"
	"taskline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline tracks projects and tasks and keeps the people around them in sync.
- Project: owns tasks and a participant roster (everyone ever involved).
- Task: a work item with a status, an optional executor, and subscribers
  who get mail when the status changes or a deadline approaches.
- Lifecycle: deactivating a project archives every task under it and clears
  their subscriptions; participations survive as the historical record.
- Events: every mutation lands in a durable log that 'tl daemon' streams to
  the configured event sink.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("user-id", 0, "acting user id")
	rootCmd.PersistentFlags().String("user-role", "", "acting user role")
	rootCmd.PersistentFlags().String("user-email", "", "acting user email")
	rootCmd.PersistentFlags().String("token", "", "identity-service JWT (overrides --user-id/--user-role)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("user-role", rootCmd.PersistentFlags().Lookup("user-role"))
	_ = viper.BindPFlag("user-email", rootCmd.PersistentFlags().Lookup("user-email"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(configCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("schema up to date:", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectActivateCmd())
	prj.AddCommand(projectDeactivateCmd())
	prj.AddCommand(projectAddParticipantCmd())
	prj.AddCommand(projectParticipantsCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Creator", "Active", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.CreatorID, p.Active, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active projects")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, engine.CreateProjectRequest{Title: title, Description: desc, Actor: actor})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Restore an archived project and all its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				if err := e.ActivateProject(ctx, args[0], actor); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Archive a project, its tasks and their subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				if err := e.DeactivateProject(ctx, args[0], actor); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectAddParticipantCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "add-participant <id>",
		Short: "Enroll a user in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				created, err := e.AddParticipant(ctx, args[0], userID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project_id": args[0], "participant_id": userID, "created": created})
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user to enroll")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func projectParticipantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants <id>",
		Short: "List project participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.Repo.ListParticipantIDs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry a status (open, in progress, resolved, reopened, closed), an optional executor, and a subscriber list. Status changes and approaching deadlines mail the subscribers; each hears about a given change at most once.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskSubscribeCmd())
	task.AddCommand(taskSubscribersCmd())
	task.AddCommand(taskDeactivateCmd())
	task.AddCommand(taskSetActiveCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var req engine.CreateTaskRequest
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if due != "" {
				req.DueDate = &due
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				req.Actor = actor
				t, err := e.CreateTask(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.Title, "title", "", "title")
	cmd.Flags().StringVar(&req.Description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Executor", "Due", "Active"})
				for _, t := range tasks {
					executor := ""
					if t.ExecutorID != nil {
						executor = fmt.Sprint(*t.ExecutorID)
					}
					due := ""
					if t.DueDate != nil {
						due = *t.DueDate
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, executor, due, t.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update task status and notify subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				t, err := e.UpdateTaskStatus(ctx, engine.UpdateTaskStatusRequest{TaskID: args[0], Status: status, Actor: actor})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var executor int64
	var clear bool
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign, transfer or clear the task executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clear && !cmd.Flags().Changed("executor") {
				return fmt.Errorf("--executor or --clear required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				req := engine.ReassignExecutorRequest{TaskID: args[0], Actor: actor}
				if !clear {
					req.NewExecutorID = &executor
				}
				if err := e.ReassignExecutor(ctx, req); err != nil {
					return err
				}
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&executor, "executor", 0, "new executor user id")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the current executor")
	return cmd
}

func taskSubscribeCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "subscribe <id>",
		Short: "Subscribe a user to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				target := userID
				if !cmd.Flags().Changed("user-id") && actor != nil {
					target = actor.ID
				}
				created, err := e.AddSubscriber(ctx, args[0], target, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "subscriber_id": target, "created": created})
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user to subscribe (defaults to the acting user)")
	return cmd
}

func taskSubscribersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribers <id>",
		Short: "List task subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.Repo.ListSubscriberIDs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	return cmd
}

func taskDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Archive a task and clear its subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				if err := e.DeactivateTask(ctx, args[0], actor); err != nil {
					return err
				}
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Set a task's active flag (admin; no-op while the project is archived)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentUser(e.Config)
				if err != nil {
					return err
				}
				if err := e.SetTaskActive(ctx, engine.SetTaskActiveRequest{TaskID: args[0], Active: active, Actor: actor}); err != nil {
					return err
				}
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "desired state")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one deadline sweep and mail unwarned subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := e.Notifier.(*notify.Dispatcher)
				s := notify.NewSweeper(e.Repo, d, e.Config)
				return s.RunOnce(ctx)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatcher, deadline sweeper and event-sink publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			dispatcher := notify.NewDispatcher(cfg, identity.NewResolver(cfg), notify.NewSMTPMailer(cfg), r)
			dispatcher.Start(ctx)

			sweeper := notify.NewSweeper(r, dispatcher, cfg)
			go sweeper.Run(ctx)

			publisher := events.NewPublisher(r, cfg)
			go publisher.Run(ctx)

			fmt.Println("taskline daemon running, ctrl-c to stop")
			<-ctx.Done()
			dispatcher.Stop()
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	path := filepath.Join(workspace, "taskline.yml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func currentUser(cfg *config.Config) (*auth.User, error) {
	if token := viper.GetString("token"); token != "" {
		return auth.FromToken(token, cfg.Auth.JWTSecret)
	}
	id := viper.GetInt64("user-id")
	if id == 0 {
		return nil, nil
	}
	return &auth.User{
		ID:    id,
		Email: viper.GetString("user-email"),
		Role:  viper.GetString("user-role"),
	}, nil
}

// withEngine opens the workspace database, migrates it, and runs fn with a
// fully wired engine. The dispatcher is flushed before returning so one-shot
// commands still deliver the mail their operation produced.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	dispatcher := notify.NewDispatcher(cfg, identity.NewResolver(cfg), notify.NewSMTPMailer(cfg), r)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	e := engine.New(conn, cfg, dispatcher)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
