package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"tabletop/internal/aar"
	"tabletop/internal/config"
	"tabletop/internal/db"
	"tabletop/internal/domain"
	"tabletop/internal/engine"
	"tabletop/internal/migrate"
	"tabletop/internal/retention"
	"tabletop/internal/scenario"
	"tabletop/internal/server"
	"tabletop/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "tt",
	Short: "Tabletop drill CLI",
	Long: `Tabletop runs facilitated incident-response drills from authored scenarios.
Core concepts:
- Workspace: your .tabletop directory holding the database; tabletop.yml holds signing keys and retention policy.
- Scenario: an authored script of injects (alerts, emails, news, calls), branches, and end conditions. Import validates it first; only passing scenarios can run.
- Session: one live run of a scenario with participants. Lifecycle: pending -> active <-> paused -> completed/cancelled. Pause freezes the clock for every pending inject.
- Inject: a timed or manual stimulus delivered to target roles exactly once.
- Decision: a participant's recorded response; decisions steer branches and satisfy required actions.
- Audit trail: the append-only ledger of everything that happened, in timestamp order.
- AAR: the signed after-action report; verify it anywhere with 'tt aar verify'.
- Retention: expired sessions are purged whole, all four artifact classes at once.`,
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
	viper.SetEnvPrefix("TABLETOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "facilitator", "actor role")
	rootCmd.PersistentFlags().String("tenant", "", "tenant identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(injectCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(aarCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorFromFlags() domain.Actor {
	return domain.Actor{
		ID:       viper.GetString("actor-id"),
		Role:     viper.GetString("actor-role"),
		TenantID: viper.GetString("tenant"),
	}
}

func scenarioCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "scenario",
		Short: "Manage scenarios",
		Long:  "Scenarios are authored drill scripts. Validation runs every structural check (missing refs, unconditional cycles, unreachable injects) before a scenario can be stored or run.",
	}
	sc.AddCommand(scenarioValidateCmd())
	sc.AddCommand(scenarioImportCmd())
	sc.AddCommand(scenarioListCmd())
	sc.AddCommand(scenarioShowCmd())
	return sc
}

func readScenarioFile(path string) (domain.Scenario, error) {
	var sc domain.Scenario
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return sc, nil
}

func scenarioValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a scenario file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := readScenarioFile(filePath)
			if err != nil {
				return err
			}
			res := scenario.Validate(sc)
			if viper.GetBool("json") {
				return printJSON(res)
			}
			printValidation(res)
			if res.Status == scenario.StatusFail {
				return fmt.Errorf("scenario %s failed validation", sc.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to scenario JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scenarioImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and store a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := readScenarioFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ImportScenario(ctx, sc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": res, "imported": res.Status != scenario.StatusFail})
				}
				printValidation(res)
				if res.Status == scenario.StatusFail {
					return fmt.Errorf("scenario %s rejected", sc.ID)
				}
				fmt.Printf("Imported scenario %s\n", sc.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to scenario JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scenarioListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListScenarios(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Duration (min)", "Injects", "Roles"})
				for _, sc := range items {
					tw.AppendRow(table.Row{sc.ID, sc.Title, sc.DurationMinutes, len(sc.Injects), strings.Join(sc.Roles, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func scenarioShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sc, err := e.GetScenario(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sc)
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{
		Use:   "session",
		Short: "Manage drill sessions",
		Long:  "Sessions run a scenario live. Start begins the inject schedule, pause freezes every remaining delay, resume picks up exactly where the clock stopped, and complete or cancel ends delivery for good.",
	}
	sess.AddCommand(sessionCreateCmd())
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionShowCmd())
	sess.AddCommand(sessionTransitionCmd("start", "Activate a pending or paused session", domain.StatusActive))
	sess.AddCommand(sessionTransitionCmd("pause", "Pause an active session, freezing pending injects", domain.StatusPaused))
	sess.AddCommand(sessionTransitionCmd("resume", "Resume a paused session", domain.StatusActive))
	sess.AddCommand(sessionTransitionCmd("complete", "Complete a session", domain.StatusCompleted))
	sess.AddCommand(sessionTransitionCmd("cancel", "Cancel a session", domain.StatusCancelled))
	sess.AddCommand(sessionPurgeCmd())
	return sess
}

func sessionCreateCmd() *cobra.Command {
	var scenarioID string
	var participants []string
	var compression float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session from a stored scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParticipants(participants)
			if err != nil {
				return err
			}
			settings := domain.SessionSettings{TimeCompression: compression}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sess, err := e.CreateSession(ctx, scenarioID, parsed, settings, actorFromFlags())
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
	cmd.Flags().StringVar(&scenarioID, "scenario", "", "scenario id")
	cmd.Flags().StringArrayVar(&participants, "participant", []string{}, "participant as role=name (repeatable)")
	cmd.Flags().Float64Var(&compression, "time-compression", 0, "speed multiplier for the scenario clock")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func parseParticipants(specs []string) ([]domain.Participant, error) {
	var out []domain.Participant
	for _, spec := range specs {
		role, name, ok := strings.Cut(spec, "=")
		if !ok || role == "" || name == "" {
			return nil, fmt.Errorf("participant %q must be role=name", spec)
		}
		out = append(out, domain.Participant{Role: role, Name: name})
	}
	return out, nil
}

func sessionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListSessions(ctx, viper.GetString("tenant"), domain.SessionStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scenario", "Status", "Participants", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ScenarioID, s.Status, len(s.Participants), s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sess, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
	return cmd
}

func sessionTransitionCmd(use, short string, target domain.SessionStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sess, err := e.Transition(ctx, args[0], target, actorFromFlags())
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
}

func sessionPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <id>",
		Short: "Irreversibly delete a session and all of its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.PurgeSession(ctx, args[0], actorFromFlags()); err != nil {
					return err
				}
				fmt.Printf("Purged session %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func injectCmd() *cobra.Command {
	inj := &cobra.Command{
		Use:   "inject",
		Short: "Manual injects and escalation",
	}
	inj.AddCommand(injectSendCmd())
	inj.AddCommand(injectEscalateCmd())
	return inj
}

func injectSendCmd() *cobra.Command {
	var injType, severity, content string
	var targetRoles []string
	cmd := &cobra.Command{
		Use:   "send <session-id>",
		Short: "Deliver a facilitator inject immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inj := domain.Inject{
				Type:        domain.InjectType(injType),
				Severity:    domain.Severity(severity),
				TargetRoles: targetRoles,
				Content:     content,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.SendManualInject(ctx, args[0], inj, actorFromFlags()); err != nil {
					return err
				}
				fmt.Println("Inject delivered")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&injType, "type", "directive", "inject type")
	cmd.Flags().StringVar(&severity, "severity", "info", "severity (info, warning, critical)")
	cmd.Flags().StringVar(&content, "content", "", "inject content")
	cmd.Flags().StringArrayVar(&targetRoles, "target-role", []string{}, "target role (repeatable)")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func injectEscalateCmd() *cobra.Command {
	var severity string
	cmd := &cobra.Command{
		Use:   "escalate <session-id> <inject-id>",
		Short: "Record a severity escalation for an inject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Escalate(ctx, args[0], args[1], domain.Severity(severity), actorFromFlags()); err != nil {
					return err
				}
				fmt.Printf("Escalated inject %s to %s\n", args[1], severity)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "critical", "new severity")
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Record participant decisions",
		Long:  "Decisions are the participants' responses. They satisfy required actions, steer conditional branches, and end up in the after-action report.",
	}
	dec.AddCommand(decisionRecordCmd())
	return dec
}

func decisionRecordCmd() *cobra.Command {
	var role, action, rationale string
	cmd := &cobra.Command{
		Use:   "record <session-id>",
		Short: "Record a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Decision{Role: role, Action: action, Rationale: rationale}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				recorded, err := e.RecordDecision(ctx, args[0], d, actorFromFlags())
				if err != nil {
					return err
				}
				return printJSONOrTable(recorded)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "deciding role")
	cmd.Flags().StringVar(&action, "action", "", "action taken")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "audit",
		Short: "Inspect session audit trails",
	}
	a.AddCommand(auditTrailCmd())
	return a
}

func auditTrailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trail <session-id>",
		Short: "Show the full audit trail, timestamp ordered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.GetAuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Type", "Actor", "Detail"})
				for _, evt := range events {
					detail, _ := json.Marshal(evt.Metadata)
					tw.AppendRow(table.Row{evt.Timestamp, evt.Type, evt.Actor, string(detail)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func aarCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "aar",
		Short: "After-action reports",
		Long:  "AARs fold a finished session and its ledger into a signed report. The signature covers the canonical content; verification needs only the keyring, not the database.",
	}
	a.AddCommand(aarGenerateCmd())
	a.AddCommand(aarShowCmd())
	a.AddCommand(aarVerifyCmd())
	return a
}

func aarGenerateCmd() *cobra.Command {
	var findings []string
	var scores []string
	cmd := &cobra.Command{
		Use:   "generate <session-id>",
		Short: "Compose and sign an after-action report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			categoryScores, err := parseScores(scores)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.GenerateAAR(ctx, args[0], "json", categoryScores, findings, actorFromFlags())
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringArrayVar(&findings, "finding", []string{}, "facilitator finding (repeatable)")
	cmd.Flags().StringArrayVar(&scores, "score", []string{}, "category score as name=value (repeatable)")
	return cmd
}

func parseScores(specs []string) (map[string]float64, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(specs))
	for _, spec := range specs {
		name, raw, ok := strings.Cut(spec, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("score %q must be name=value", spec)
		}
		var v float64
		if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
			return nil, fmt.Errorf("score %q: %w", spec, err)
		}
		out[name] = v
	}
	return out, nil
}

func aarShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a previously generated report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Store.GetAAR(ctx, args[0], "json")
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func aarVerifyCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a report file against its embedded signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var report domain.AAR
			if err := json.Unmarshal(data, &report); err != nil {
				return fmt.Errorf("parse report %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				valid := e.VerifyAAR(report.Content, report.Signature)
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"valid": valid})
				}
				if !valid {
					return fmt.Errorf("report signature is INVALID")
				}
				fmt.Println("report signature is valid")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to report JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func retentionCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "retention",
		Short: "Retention policy enforcement",
	}
	r.AddCommand(retentionPolicyCmd())
	r.AddCommand(retentionSweepCmd())
	return r
}

func retentionPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"retention_days":      cfg.Retention.RetentionDays,
				"auto_delete_enabled": cfg.Retention.AutoDeleteEnabled,
			})
		},
	}
	return cmd
}

func retentionSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge every session past the retention window now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sw := retention.NewSweeper(e.Store, retention.Policy{
					RetentionDays:     cfg.Retention.RetentionDays,
					AutoDeleteEnabled: true,
				}, time.Hour)
				sw.OnPurge = e.Audit.Forget
				sw.SweepOnce(ctx)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage tabletop.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a tabletop.yml with a freshly generated signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists; edit it instead", path)
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			body := config.GenerateDefault("k1", hex.EncodeToString(raw))
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
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
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate tabletop.yml",
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

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Signing key utilities",
	}
	k.AddCommand(keyGenerateCmd())
	return k
}

func keyGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a new signing key as hex, for rotation into tabletop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(raw))
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
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
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
			keys, err := cfg.SigningKeys()
			if err != nil {
				return err
			}
			ring, err := aar.NewKeyring(keys, cfg.Signing.ActiveKeyID)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dispatcher := server.StartWebhookDispatcher(cfg.Webhooks)
			defer dispatcher.Close()
			e := engine.New(store.NewSQLite(conn), ring, cfg, dispatcher.Publish)

			sweeper := retention.NewSweeper(e.Store, retention.Policy{
				RetentionDays:     cfg.Retention.RetentionDays,
				AutoDeleteEnabled: cfg.Retention.AutoDeleteEnabled,
			}, time.Duration(cfg.Retention.SweepIntervalMinutes)*time.Minute)
			sweeper.OnPurge = e.Audit.Forget
			go sweeper.Run(runCtx)

			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("TABLETOP_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret is required; set server.jwt_secret or TABLETOP_JWT_SECRET")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-runCtx.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Tabletop API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
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
	ring, err := keyringFor(cfg)
	if err != nil {
		return err
	}
	e := engine.New(store.NewSQLite(conn), ring, cfg, nil)
	return fn(ctx, e)
}

// keyringFor builds the keyring from config, or an ephemeral one so
// key-free commands still work. Reports signed with an ephemeral key
// will not verify in other processes.
func keyringFor(cfg *config.Config) (*aar.Keyring, error) {
	if cfg != nil {
		keys, err := cfg.SigningKeys()
		if err != nil {
			return nil, err
		}
		return aar.NewKeyring(keys, cfg.Signing.ActiveKeyID)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return aar.NewKeyring(map[string][]byte{"ephemeral": raw}, "ephemeral")
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

func printValidation(res scenario.Result) {
	fmt.Printf("Status: %s (%d errors, %d warnings)\n", res.Status, len(res.Errors), len(res.Warnings))
	for _, issue := range res.Errors {
		fmt.Printf("  FAIL %s: %s\n", issue.Code, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Printf("  WARN %s: %s\n", issue.Code, issue.Message)
	}
}
