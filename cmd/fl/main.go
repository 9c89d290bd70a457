package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline orchestrates budgeted workflows with tiered contributor rosters.
Workflows own tasks, checkpoints, and append-only evidence ledgers.
Tasks advance one state at a time: created -> active -> review -> done.
Prerequisite edges form a DAG; cycles are rejected up front.`,
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
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowModifyCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowListCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var opts engine.WorkflowCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Creator = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Uint64Var(&opts.BudgetFloor, "budget-floor", 0, "budget floor")
	cmd.Flags().Uint64Var(&opts.BudgetCeiling, "budget-ceiling", 0, "budget ceiling")
	cmd.Flags().Uint64Var(&opts.TotalBudget, "total-budget", 0, "total budget")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workflowModifyCmd() *cobra.Command {
	var opts engine.WorkflowModifyOptions
	var tier uint64
	cmd := &cobra.Command{
		Use:   "modify <workflow-id>",
		Short: "Modify a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.WorkflowID = id
			opts.Caller = viper.GetString("actor-id")
			if cmd.Flags().Changed("required-tier") {
				opts.RequiredTier = domain.Tier(tier)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ModifyWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Uint64Var(&opts.BudgetFloor, "budget-floor", 0, "budget floor")
	cmd.Flags().Uint64Var(&opts.BudgetCeiling, "budget-ceiling", 0, "budget ceiling")
	cmd.Flags().Uint64Var(&opts.TotalBudget, "total-budget", 0, "total budget")
	cmd.Flags().Uint64Var(&tier, "required-tier", 2, "tier required to modify (1 or 2)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.QueryWorkflow(ctx, id)
				if err != nil {
					return err
				}
				if w == nil {
					return fmt.Errorf("workflow %d not found", id)
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Owner", "Floor", "Ceiling", "Total"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Owner, w.BudgetFloor, w.BudgetCeiling, w.TotalBudget})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rosterCmd() *cobra.Command {
	roster := &cobra.Command{
		Use:   "roster",
		Short: "Manage contributor rosters",
		Long:  "Contributors hold a tier per workflow: 1 executor, 2 manager, 3 contributor. The workflow owner is always an implicit executor.",
	}
	roster.AddCommand(rosterEnrollCmd())
	roster.AddCommand(rosterAdjustCmd())
	roster.AddCommand(rosterRemoveCmd())
	roster.AddCommand(rosterListCmd())
	roster.AddCommand(rosterAccessCmd())
	return roster
}

func rosterEnrollCmd() *cobra.Command {
	var tier uint64
	cmd := &cobra.Command{
		Use:   "enroll <workflow-id> <principal>",
		Short: "Enroll a contributor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Enroll(ctx, id, args[1], domain.Tier(tier), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Uint64Var(&tier, "tier", 3, "tier (1-3)")
	return cmd
}

func rosterAdjustCmd() *cobra.Command {
	var tier uint64
	cmd := &cobra.Command{
		Use:   "adjust <workflow-id> <principal>",
		Short: "Adjust a contributor's tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AdjustTier(ctx, id, args[1], domain.Tier(tier), viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().Uint64Var(&tier, "tier", 0, "new tier (1-3)")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func rosterRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <workflow-id> <principal>",
		Short: "Remove a contributor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Remove(ctx, id, args[1], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func rosterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List contributors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContributors(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Principal", "Tier", "Since"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Principal, c.Tier.String(), c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rosterAccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access <workflow-id> <principal>",
		Short: "Show a principal's access and tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tier, err := e.TierOf(ctx, id, args[1])
				if err != nil {
					return err
				}
				out := map[string]any{"principal": args[1], "has_access": tier != nil}
				if tier != nil {
					out["tier"] = uint64(*tier)
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks move created -> active -> review -> done, one step at a time. Done is terminal. Prerequisite edges gate ordering and must stay acyclic.",
	}
	task.AddCommand(taskSpawnCmd())
	task.AddCommand(taskReviseCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskPrereqCmd())
	task.AddCommand(taskArtifactCmd())
	task.AddCommand(taskTimeCmd())
	task.AddCommand(taskNoteCmd())
	return task
}

func taskSpawnCmd() *cobra.Command {
	var opts engine.TaskSpawnOptions
	var assignee string
	var parent uint64
	cmd := &cobra.Command{
		Use:   "spawn <workflow-id>",
		Short: "Spawn a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.WorkflowID = id
			opts.Caller = viper.GetString("actor-id")
			opts.Assignee = optionalString(assignee)
			if cmd.Flags().Changed("parent") {
				opts.Parent = &parent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SpawnTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee principal")
	cmd.Flags().Uint64Var(&opts.Priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().Uint64Var(&opts.EstimatedHours, "estimated-hours", 0, "estimated hours")
	cmd.Flags().Uint64Var(&opts.ScheduledStart, "scheduled-start", 0, "scheduled start")
	cmd.Flags().Uint64Var(&opts.ScheduledEnd, "scheduled-end", 0, "scheduled end")
	cmd.Flags().Uint64Var(&parent, "parent", 0, "parent task id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskReviseCmd() *cobra.Command {
	var opts engine.TaskReviseOptions
	var assignee string
	var parent uint64
	cmd := &cobra.Command{
		Use:   "revise <workflow-id> <task-id>",
		Short: "Revise a task's fields",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			opts.WorkflowID = wid
			opts.TaskID = tid
			opts.Caller = viper.GetString("actor-id")
			opts.Assignee = optionalString(assignee)
			if cmd.Flags().Changed("parent") {
				opts.Parent = &parent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReviseTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee principal")
	cmd.Flags().Uint64Var(&opts.Priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().Uint64Var(&opts.EstimatedHours, "estimated-hours", 0, "estimated hours")
	cmd.Flags().Uint64Var(&opts.ScheduledStart, "scheduled-start", 0, "scheduled start")
	cmd.Flags().Uint64Var(&opts.ScheduledEnd, "scheduled-end", 0, "scheduled end")
	cmd.Flags().Uint64Var(&parent, "parent", 0, "parent task id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "transition <workflow-id> <task-id>",
		Short: "Advance a task's state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			target, err := parseState(state)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.TransitionState(ctx, wid, tid, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&state, "to", "", "target state (created|active|review|done)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskListCmd() *cobra.Command {
	var state, assignee string
	cmd := &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			filters := repo.TaskFilters{WorkflowID: id, Assignee: assignee}
			if state != "" {
				s, err := parseState(state)
				if err != nil {
					return err
				}
				filters.State = s
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Assignee", "Logged"})
				for _, t := range tasks {
					assignee := ""
					if t.Assignee != nil {
						assignee = *t.Assignee
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.State.String(), assignee, t.LoggedHours})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id> <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.QueryTask(ctx, wid, tid)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskPrereqCmd() *cobra.Command {
	prereq := &cobra.Command{Use: "prereq", Short: "Manage prerequisite edges"}
	var add = &cobra.Command{
		Use:   "add <workflow-id> <task-id> <prerequisite-id>",
		Short: "Require one task before another",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, pid, err := parseIDTriple(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.EstablishPrerequisite(ctx, wid, tid, pid, viper.GetString("actor-id"))
			})
		},
	}
	var remove = &cobra.Command{
		Use:   "remove <workflow-id> <task-id> <prerequisite-id>",
		Short: "Sever a prerequisite edge",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, pid, err := parseIDTriple(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SeverPrerequisite(ctx, wid, tid, pid, viper.GetString("actor-id"))
			})
		},
	}
	prereq.AddCommand(add, remove)
	return prereq
}

func taskArtifactCmd() *cobra.Command {
	artifact := &cobra.Command{Use: "artifact", Short: "Manage work artifact hashes"}
	var hashHex string
	add := &cobra.Command{
		Use:   "add <workflow-id> <task-id>",
		Short: "Attach an artifact hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			hash, err := hex.DecodeString(hashHex)
			if err != nil {
				return fmt.Errorf("--hash must be hex encoded")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AttachArtifact(ctx, wid, tid, hash, viper.GetString("actor-id"))
			})
		},
	}
	add.Flags().StringVar(&hashHex, "hash", "", "hex-encoded 32-byte content hash")
	_ = add.MarkFlagRequired("hash")
	list := &cobra.Command{
		Use:   "list <workflow-id> <task-id>",
		Short: "List artifact hashes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListArtifacts(ctx, wid, tid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, a := range items {
					fmt.Printf("%s  %s\n", hex.EncodeToString(a.Hash), a.CreatedAt)
				}
				return nil
			})
		},
	}
	artifact.AddCommand(add, list)
	return artifact
}

func taskTimeCmd() *cobra.Command {
	timeCmd := &cobra.Command{Use: "time", Short: "Manage time entries"}
	var hours uint64
	var note string
	logEntry := &cobra.Command{
		Use:   "log <workflow-id> <task-id>",
		Short: "Log hours against a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				total, err := e.LogTime(ctx, wid, tid, hours, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"logged_hours": total})
			})
		},
	}
	logEntry.Flags().Uint64Var(&hours, "hours", 0, "hours worked (must be positive)")
	logEntry.Flags().StringVar(&note, "note", "", "optional note")
	_ = logEntry.MarkFlagRequired("hours")
	list := &cobra.Command{
		Use:   "list <workflow-id> <task-id>",
		Short: "List time entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTimeEntries(ctx, wid, tid)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	timeCmd.AddCommand(logEntry, list)
	return timeCmd
}

func taskNoteCmd() *cobra.Command {
	noteCmd := &cobra.Command{Use: "note", Short: "Manage task notes"}
	var body string
	add := &cobra.Command{
		Use:   "add <workflow-id> <task-id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ComposeNote(ctx, wid, tid, body, viper.GetString("actor-id"))
			})
		},
	}
	add.Flags().StringVar(&body, "body", "", "note text")
	_ = add.MarkFlagRequired("body")
	list := &cobra.Command{
		Use:   "list <workflow-id> <task-id>",
		Short: "List notes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, tid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotes(ctx, wid, tid)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	noteCmd.AddCommand(add, list)
	return noteCmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Manage checkpoints"}
	cp.AddCommand(checkpointCreateCmd())
	cp.AddCommand(checkpointShowCmd())
	cp.AddCommand(checkpointListCmd())
	return cp
}

func checkpointCreateCmd() *cobra.Command {
	var opts engine.CheckpointCreateOptions
	cmd := &cobra.Command{
		Use:   "create <workflow-id>",
		Short: "Create a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.WorkflowID = id
			opts.Caller = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCheckpoint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Uint64Var(&opts.TargetHeight, "target-height", 0, "target height")
	cmd.Flags().Uint64Var(&opts.BudgetAllocation, "budget-allocation", 0, "budget allocation")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id> <checkpoint-id>",
		Short: "Show a checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wid, cid, err := parseIDPair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.QueryCheckpoint(ctx, wid, cid)
				if err != nil {
					return err
				}
				if c == nil {
					return fmt.Errorf("checkpoint %d not found in workflow %d", cid, wid)
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func checkpointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCheckpoints(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var workflowID uint64
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, workflowID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Uint64Var(&workflowID, "workflow", 0, "workflow filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plain),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
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
			workspace := viper.GetString("workspace")
			e, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			if addr == "" {
				addr = e.Config.Server.Addr
			}
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWLINE_JWT_SECRET"),
				AllowLegacyActorHeader: e.Config.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = e.Config.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("FLOWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseIDPair(args []string) (uint64, uint64, error) {
	a, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseIDTriple(args []string) (uint64, uint64, uint64, error) {
	a, b, err := parseIDPair(args)
	if err != nil {
		return 0, 0, 0, err
	}
	c, err := parseID(args[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return a, b, c, nil
}

func parseState(in string) (domain.TaskState, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "created":
		return domain.StateCreated, nil
	case "active":
		return domain.StateActive, nil
	case "review":
		return domain.StateReview, nil
	case "done":
		return domain.StateDone, nil
	}
	return 0, fmt.Errorf("unknown state %q", in)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
