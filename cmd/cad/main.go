package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/dispatch"
	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/migrate"
	"cadence/internal/repo"
	"cadence/internal/scoring"
	"cadence/internal/server"
	"cadence/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "cad",
	Short: "Cadence CLI",
	Long: `Cadence runs cohort evaluation programs: rounds, participants, and the
communication workflows that keep everyone informed.
Core concepts:
- Workspace: your .cadence directory holding only the database; the program
  config is stored in the DB and imported explicitly.
- Program: one evaluation program with an ordered set of rounds (screening,
  then pitching).
- Rounds: pending -> active -> completed; only the most recently completed
  round can be reopened, and reopening rolls selection decisions back.
- Participants: jurors evaluate, startups are evaluated; each has one
  communication workflow walking a fixed stage sequence.
- Events: application events (juror_onboarded, screening_completed, ...)
  move workflows forward through the transition table.
- Trigger rules: decide per stage whether a message goes out, after what
  delay, and from which template category.
- Sweep: the scheduler pass that claims due attempts and dispatches them;
  duplicate content inside the dedup window is suppressed.
- Event log: diary of changes, view with 'cad log tail'.`,
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
	viper.SetEnvPrefix("CADENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("program", "", "program id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("program", rootCmd.PersistentFlags().Lookup("program"))
}

func registerCommands() {
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(configCommand())
	rootCmd.AddCommand(roundCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(commsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func programCmd() *cobra.Command {
	prg := &cobra.Command{Use: "program", Short: "Manage the program"}
	prg.AddCommand(programInitCmd())
	prg.AddCommand(programShowCmd())
	prg.AddCommand(programStatusCmd())
	return prg
}

func programInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a program with its rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			e := newEngine(conn, cfg)
			p, err := e.InitProgram(cmd.Context(), id, name, viper.GetString("actor-id"), cfg)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "program id")
	cmd.Flags().StringVar(&name, "name", "", "program name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func programShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the program",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProgram(ctx, e.Config.Program.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func programStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Program scoreboard: rounds and their selection counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rounds, err := e.Repo.ListRounds(ctx, e.Config.Program.ID)
				if err != nil {
					return err
				}
				type roundStatus struct {
					domain.Round
					Counts map[string]int `json:"counts"`
				}
				out := make([]roundStatus, 0, len(rounds))
				for _, rd := range rounds {
					counts, err := e.Repo.CountRoundStatuses(ctx, rd.ID)
					if err != nil {
						return err
					}
					out = append(out, roundStatus{Round: rd, Counts: counts})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				for _, rs := range out {
					fmt.Printf("%d. %s [%s]", rs.Position, rs.Name, rs.Status)
					if len(rs.Counts) > 0 {
						fmt.Printf("  selected=%d rejected=%d pending=%d", rs.Counts["selected"], rs.Counts["rejected"], rs.Counts["pending"])
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
	return cmd
}

func configCommand() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect program config",
		Long:  "Config is the rulebook (stored in DB): rounds, stage sequences per participant type, event transitions, trigger rules, and sweep tuning. Import from cadence.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := config.FromFile(filePath)
				if err != nil {
					return err
				}
				if err := e.Repo.UpsertProgramConfig(ctx, e.Config.Program.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cadence.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "default-program", "program id")
	return cmd
}

func roundCmd() *cobra.Command {
	rd := &cobra.Command{
		Use:   "round",
		Short: "Manage rounds",
		Long:  "A round moves through activate, record selections, complete. Only the latest completed round can be reopened; reopening screening rolls selection decisions back.",
	}
	rd.AddCommand(roundListCmd())
	rd.AddCommand(roundShowCmd())
	rd.AddCommand(roundTransitionCmd("activate", "Activate a pending round", engine.Engine.ActivateRound))
	rd.AddCommand(roundTransitionCmd("complete", "Complete an active round", engine.Engine.CompleteRound))
	rd.AddCommand(roundTransitionCmd("reopen", "Reopen the most recently completed round", engine.Engine.ReopenRound))
	return rd
}

func roundListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRounds(ctx, e.Config.Program.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "Name", "Status", "Started", "Completed"})
				for _, rd := range items {
					tw.AppendRow(table.Row{rd.Position, rd.Name, rd.Status, deref(rd.StartedAt), deref(rd.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roundShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show round with selection counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rd, err := e.Repo.GetRoundByName(ctx, e.Config.Program.ID, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountRoundStatuses(ctx, rd.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"round": rd, "status_counts": counts})
			})
		},
	}
	return cmd
}

func roundTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string, string, string) (domain.Round, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rd, err := fn(e, ctx, e.Config.Program.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rd)
			})
		},
	}
	return cmd
}

func participantCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "participant",
		Short: "Manage participants",
		Long:  "Jurors evaluate, startups are evaluated. Each participant gets one communication workflow driven by application events.",
	}
	p.AddCommand(participantAddCmd())
	p.AddCommand(participantListCmd())
	p.AddCommand(participantShowCmd())
	p.AddCommand(participantStatusCmd())
	p.AddCommand(participantProgressCmd())
	return p
}

func participantAddCmd() *cobra.Command {
	var opts engine.ParticipantCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProgramID = e.Config.Program.ID
				p, err := e.RegisterParticipant(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "participant id (generated if empty)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "juror or startup")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.AccountID, "account-id", "", "external account id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func participantListCmd() *cobra.Command {
	var ptype string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListParticipants(ctx, repo.ParticipantFilters{
					ProgramID: e.Config.Program.ID,
					Type:      ptype,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Name", "Email"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, p.Name, p.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ptype, "type", "", "filter by type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func participantShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetParticipant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func participantStatusCmd() *cobra.Command {
	var round, status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Set a participant's round status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				prs, err := e.SetParticipantStatus(ctx, e.Config.Program.ID, args[0], round, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(prs)
			})
		},
	}
	cmd.Flags().StringVar(&round, "round", "", "round name")
	cmd.Flags().StringVar(&status, "status", "", "pending|selected|rejected|under_review")
	_ = cmd.MarkFlagRequired("round")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func participantProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Show the stage timeline for a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.StageProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, entry := range entries {
					marker := " "
					if entry.Current {
						marker = ">"
					}
					fmt.Printf("%s %-28s %s\n", marker, entry.Stage, entry.Status)
				}
				return nil
			})
		},
	}
	return cmd
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Submit application events",
	}
	ev.AddCommand(eventPostCmd())
	return ev
}

func eventPostCmd() *cobra.Command {
	var evtType, participantID, payloadJSON string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post an application event for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.HandleEvent(ctx, engine.EventOptions{
					Type:          evtType,
					ProgramID:     e.Config.Program.ID,
					ParticipantID: participantID,
					Payload:       payload,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect communication workflows",
	}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowRetryCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Participant", "Type", "Stage", "Status"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.ParticipantID, w.ParticipantType, w.CurrentStage, w.StageStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	var ptype string
	cmd := &cobra.Command{
		Use:   "show <participant-id>",
		Short: "Show a participant's workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if ptype == "" {
					p, err := e.Repo.GetParticipant(ctx, args[0])
					if err != nil {
						return err
					}
					ptype = p.Type
				}
				wf, err := e.Repo.GetWorkflowByParticipant(ctx, args[0], ptype)
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&ptype, "type", "", "participant type (defaults to the participant's)")
	return cmd
}

func workflowRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <workflow-id>",
		Short: "Retry the latest failed communication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RetryCommunication(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func commsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "comms",
		Short: "Inspect attempts and messages",
	}
	c.AddCommand(commsAttemptsCmd())
	c.AddCommand(commsMessagesCmd())
	return c
}

func commsAttemptsCmd() *cobra.Command {
	var workflowID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List communication attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttempts(ctx, repo.AttemptFilters{
					WorkflowID: workflowID,
					Status:     status,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "#", "Status", "Scheduled", "Error"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.WorkflowID, a.AttemptNumber, a.AttemptStatus, a.ScheduledAt, deref(a.ErrorMessage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func commsMessagesCmd() *cobra.Command {
	var recipient, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMessages(ctx, repo.MessageFilters{
					RecipientAddress: recipient,
					Status:           status,
					Limit:            limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Subject", "Status", "Sent"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.RecipientAddress, m.Subject, m.Status, deref(m.SentAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func sweepCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sweep",
		Short: "Run the communication sweep",
	}
	s.AddCommand(sweepRunCmd())
	s.AddCommand(sweepStartCmd())
	return s
}

func sweepRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := newSweeper(e)
				res, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func sweepStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the sweep loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := newSweeper(e)
				fmt.Printf("sweeping every %ds (batch %d)\n",
					e.Config.Communications.Sweep.IntervalSeconds, e.Config.Communications.Sweep.BatchSize)
				s.Run(ctx)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (raw key printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, k, err := newAPIKey(ctx, r, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": k.ID, "actor_id": k.ActorID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor this key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: rounds, workflow transitions, sends, and more.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Program.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			_, cfg, err := app.ResolveProgramAndConfig(cmd.Context(), workspace, viper.GetString("program"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := newEngine(conn, cfg)
			s := newSweeper(e)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CADENCE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CADENCE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Sweeper: s, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if withSweep {
				go s.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Cadence API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withSweep, "with-sweep", true, "run the sweep loop alongside the server")
	return cmd
}

// --- helpers ---

func newEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	var sender dispatch.Sender = dispatch.LogSender{}
	if os.Getenv("CADENCE_FROM_EMAIL") != "" {
		if ses, err := dispatch.NewSESSender(context.Background()); err == nil {
			sender = ses
		} else {
			fmt.Fprintf(os.Stderr, "warning: SES sender unavailable, using dry-run sender: %v\n", err)
		}
	}
	scores := scoring.New(cfg.Scoring.URL, time.Duration(cfg.Scoring.TimeoutSeconds)*time.Second)
	return engine.New(conn, cfg, dispatch.StaticTemplates{}, sender, scores)
}

func newSweeper(e engine.Engine) sweep.Sweeper {
	return sweep.Sweeper{
		Repo:       e.Repo,
		Dispatcher: e.Dispatcher,
		Config:     e.Config,
	}
}

func newAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (string, domain.APIKey, error) {
	raw := uuid.NewString() + uuid.NewString()
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, k); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, k, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProgramAndConfig(ctx, workspace, viper.GetString("program"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := newEngine(conn, cfg)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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
