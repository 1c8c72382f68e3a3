package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sitetrack/internal/app"
	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/hierarchy"
	"sitetrack/internal/repo"
	"sitetrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "st",
	Short: "sitetrack CLI",
	Long: `sitetrack tracks construction projects: buildings, floors and units,
tasks moving PENDING -> IN_PROGRESS -> COMPLETED, and weekly progress per
construction activity.

- Workspace: the .sitetrack directory holding the database; sitetrack.yml
  next to it configures routes, auth and stats.
- Roles: WORKER < QUALITY_INSPECTOR < SUPERVISOR < SITE_MANAGER < EXECUTIVE,
  with ADMIN allowed everywhere.
- Event log: every change is recorded; view it with 'st log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITETRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in events")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/sitetrack.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(buildingCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := engine.Actor{ID: viper.GetString("actor-id"), Role: domain.Role(strings.ToUpper(role))}
				if role == "" {
					actor.Role = domain.RoleAdmin
				}
				items, err := e.ListProjects(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Buildings", "Teams", "Activities", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Counts.Buildings, p.Counts.Teams, p.Counts.ConstructionActivities, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "as-role", "", "list as this role (default: every project)")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created project %s (%s)\n", p.ID, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	var tree bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with hierarchy stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.ProjectWithStats(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := e.TaskCounts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": view.Project, "stats": view.Stats, "tasks": counts})
				}
				fmt.Printf("%s  %s\n", view.Project.ID, view.Project.Name)
				if view.Project.Description != "" {
					fmt.Println(view.Project.Description)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Buildings", "Floors", "Units", "Complete", "Teams", "Activities", "Pending", "In progress", "Completed"})
				tw.AppendRow(table.Row{
					view.Project.Counts.Buildings,
					view.Stats.TotalFloors,
					view.Stats.TotalUnits,
					fmt.Sprintf("%d%%", view.Stats.CompletionPercentage),
					view.Project.Counts.Teams,
					view.Project.Counts.ConstructionActivities,
					counts[domain.TaskPending],
					counts[domain.TaskInProgress],
					counts[domain.TaskCompleted],
				})
				tw.Render()
				if tree {
					for i, b := range view.Project.Buildings {
						printBuilding(b, i == len(view.Project.Buildings)-1)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&tree, "tree", false, "print the building hierarchy")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteProject(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func buildingCmd() *cobra.Command {
	b := &cobra.Command{Use: "building", Short: "Manage the building hierarchy"}
	b.AddCommand(buildingBulkCmd())
	return b
}

func buildingBulkCmd() *cobra.Command {
	var projectID string
	var pattern hierarchy.Pattern
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Create buildings, floors and units from a pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				buildings, err := e.BulkCreateHierarchy(ctx, projectID, pattern, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(buildings)
				}
				stats := hierarchy.ComputeStats(domain.Project{Buildings: buildings})
				fmt.Printf("Created %d buildings, %d floors, %d units in %s\n", len(buildings), stats.TotalFloors, stats.TotalUnits, projectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&pattern.Buildings, "buildings", 1, "number of buildings")
	cmd.Flags().IntVar(&pattern.FloorsPerBuilding, "floors", 1, "floors per building")
	cmd.Flags().IntVar(&pattern.UnitsPerFloor, "units", 1, "units per floor")
	cmd.Flags().StringVar(&pattern.BuildingPrefix, "building-prefix", "", "building name prefix")
	cmd.Flags().StringVar(&pattern.FloorPrefix, "floor-prefix", "", "floor name prefix")
	cmd.Flags().StringVar(&pattern.UnitPrefix, "unit-prefix", "", "unit name prefix")
	cmd.Flags().StringVar(&pattern.UnitType, "unit-type", "", "unit type")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func teamCmd() *cobra.Command {
	t := &cobra.Command{Use: "team", Short: "Manage teams"}
	var projectID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.CreateTeam(ctx, projectID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCreated(team, "team", team.ID)
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&name, "name", "", "team name")
	_ = create.MarkFlagRequired("project")
	t.AddCommand(create)
	return t
}

func activityCmd() *cobra.Command {
	a := &cobra.Command{Use: "activity", Short: "Manage construction activities"}
	var projectID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a construction activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := e.CreateActivity(ctx, projectID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCreated(act, "activity", act.ID)
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&name, "name", "", "activity name")
	_ = create.MarkFlagRequired("project")
	a.AddCommand(create)
	return a
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userShowCmd())
	u.AddCommand(userBootstrapCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printCreated(u, "user", u.ID)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", string(domain.RoleWorker), "role")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|email>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.FindUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userBootstrapCmd() *cobra.Command {
	var id, email, name string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first ADMIN user if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, created, err := app.BootstrapAdmin(ctx, e, id, email, name)
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("An ADMIN user already exists; nothing to do")
					return nil
				}
				return printCreated(u, "admin", u.ID)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func assignCmd() *cobra.Command {
	a := &cobra.Command{Use: "assign", Short: "Manage project assignments"}
	var projectID, userID string
	add := &cobra.Command{
		Use:   "add",
		Short: "Assign a user to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pa, err := e.AssignUser(ctx, projectID, userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCreated(pa, "assignment", pa.UserID+"@"+pa.ProjectID)
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a user from a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.UnassignUser(ctx, projectID, userID, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Removed %s from %s\n", userID, projectID)
				return nil
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List project assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAssignments(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"User", "Assigned"})
				for _, pa := range items {
					tw.AppendRow(table.Row{pa.UserID, pa.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	for _, c := range []*cobra.Command{add, remove, list} {
		c.Flags().StringVar(&projectID, "project", "", "project id")
		_ = c.MarkFlagRequired("project")
	}
	for _, c := range []*cobra.Command{add, remove} {
		c.Flags().StringVar(&userID, "user", "", "user id")
		_ = c.MarkFlagRequired("user")
	}
	a.AddCommand(add, remove, list)
	return a
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskTransitionCmd("start", "Start a pending task"))
	t.AddCommand(taskTransitionCmd("complete", "Complete an in-progress task"))
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				task, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printCreated(task, "task", task.ID)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee user id")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "planned start date (RFC3339)")
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
				f.Status = strings.ToUpper(f.Status)
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Started", "Completed"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, deref(t.AssigneeID), deref(t.StartDate), deref(t.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
}

// taskTransitionCmd runs start or complete as --actor-id, which must name an
// existing user; the engine applies the same permission rules as the API.
func taskTransitionCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := engine.Actor{ID: viper.GetString("actor-id")}
				var (
					task domain.Task
					err  error
				)
				if verb == "start" {
					task, err = e.StartTask(ctx, args[0], actor)
				} else {
					task, err = e.CompleteTask(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Printf("Task %s is now %s\n", task.ID, task.Status)
				return nil
			})
		},
	}
}

func progressCmd() *cobra.Command {
	p := &cobra.Command{Use: "progress", Short: "Record and inspect weekly progress"}
	p.AddCommand(progressUpdateCmd())
	p.AddCommand(progressListCmd())
	return p
}

func progressUpdateCmd() *cobra.Command {
	var u engine.ProgressUpdate
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Set weekly progress for an activity across units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u.ActorID = viper.GetString("actor-id")
				u.Status = strings.ToUpper(u.Status)
				n, err := e.UpdateWeeklyProgress(ctx, u)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"updated": n})
				}
				fmt.Printf("Updated %d work records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&u.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&u.ActivityID, "activity", "", "construction activity id")
	cmd.Flags().StringVar(&u.BuildingID, "building", "", "limit to one building")
	cmd.Flags().StringVar(&u.WeekStart, "week", "", "week start (Monday, YYYY-MM-DD)")
	cmd.Flags().StringVar(&u.Status, "status", string(domain.WorkInProgress), "work status")
	cmd.Flags().IntVar(&u.Progress, "progress", 0, "progress percentage")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("activity")
	_ = cmd.MarkFlagRequired("week")
	return cmd
}

func progressListCmd() *cobra.Command {
	var f repo.WorkRecordFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Status = strings.ToUpper(f.Status)
				items, err := e.ListProgress(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Unit", "Activity", "Week", "Status", "Progress"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.UnitID, w.ActivityID, w.WeekStart, w.Status, fmt.Sprintf("%d%%", w.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.ActivityID, "activity", "", "activity filter")
	cmd.Flags().StringVar(&f.WeekStart, "week", "", "week filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, userID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"apiKey": key, "secret": secret})
				}
				fmt.Printf("Created API key %s for %s\n%s\n", key.ID, key.UserID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "owning user id")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&userID, "user", "", "user filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
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
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage sitetrack.yml"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			routes := cfg.RouteTable()
			fmt.Printf("config ok: %d public, %d protected routes\n", len(routes.Public()), len(routes.Protected()))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			ttl, err := cfg.TokenTTL()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				TokenTTL:        ttl,
				AllowUserHeader: cfg.Auth.AllowUserHeader,
				AllowDevLogin:   cfg.Auth.AllowDevLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SITETRACK_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Routes:   cfg.RouteTable(),
				Rules:    cfg.RouteRules(),
				Log:      ws.Log,
			})
			if err != nil {
				return err
			}
			go server.NewWebhookDispatcher(ws.Engine.Repo, cfg.Webhooks, ws.Log).Run(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					ws.Log.Error().Err(err).Msg("shutdown")
				}
			}()
			ws.Log.Info().Str("addr", addr).Str("basePath", basePath).Msg("serving sitetrack API")
			fmt.Printf("Serving sitetrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Dir:        viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	})
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printBuilding(b domain.Building, last bool) {
	connector, prefix := "├── ", "│   "
	if last {
		connector, prefix = "└── ", "    "
	}
	fmt.Printf("%s%s\n", connector, b.Name)
	for i, f := range b.Floors {
		fc := "├── "
		if i == len(b.Floors)-1 {
			fc = "└── "
		}
		fmt.Printf("%s%s%s (%d units)\n", prefix, fc, f.Name, len(f.Units))
	}
}

func printCreated(v any, kind, id string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("Created %s %s\n", kind, id)
	return nil
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
