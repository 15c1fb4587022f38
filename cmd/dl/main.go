package main

import (
	"context"
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

	"docketline/internal/adapters"
	"docketline/internal/app"
	"docketline/internal/config"
	"docketline/internal/db"
	"docketline/internal/dispatch"
	"docketline/internal/domain"
	"docketline/internal/engine"
	"docketline/internal/migrate"
	"docketline/internal/repo"
	"docketline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Docketline CLI",
	Long: `Docketline routes case evidence to downstream Chitty services.
Core concepts:
- Workspace: your .docketline directory holding the database; config lives in docketline.yml or the DB.
- Case: the legal matter that owns evidence envelopes.
- Envelope: one piece of evidence with a content hash, a visibility scope, and a lifecycle (created -> submitted -> approved/rejected).
- Routing policies: which scope/status pairs fan out to which targets (chitty_ledger, chitty_chain, chitty_verify, chitty_trust).
- Distribution: the per-target routing decision; created once per (envelope, target).
- Outbound message: the frozen payload snapshot the dispatcher delivers with bounded retries.
- Event log: audit diary of every transition, view with 'dl log tail'.`,
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
	viper.SetEnvPrefix("DOCKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(envelopeCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(distributionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var id, title, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, id, title, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func caseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCases(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func envelopeCmd() *cobra.Command {
	env := &cobra.Command{
		Use:   "envelope",
		Short: "Manage evidence envelopes",
		Long:  "Envelopes carry one piece of evidence through its lifecycle; approving an envelope requires the approve capability on it.",
	}
	env.AddCommand(envelopeCreateCmd())
	env.AddCommand(envelopeListCmd())
	env.AddCommand(envelopeShowCmd())
	env.AddCommand(envelopeStatusCmd())
	env.AddCommand(envelopeSupersedeCmd())
	env.AddCommand(envelopeTargetsCmd())
	return env
}

func envelopeCreateCmd() *cobra.Command {
	var opts engine.EnvelopeCreateOptions
	var chittyIDs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Ingest an evidence envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.ChittyIDs = chittyIDs
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.CreateEnvelope(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "envelope id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.CaseID, "case", "", "case id")
	cmd.Flags().StringVar(&opts.TimelineEntryID, "timeline-entry", "", "timeline entry id")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ContentHash, "content-hash", "", "evidence content hash")
	cmd.Flags().StringVar(&opts.SourceMetadata, "source-metadata-json", "", "source metadata JSON")
	cmd.Flags().StringArrayVar(&chittyIDs, "chitty-id", []string{}, "linked chitty id (repeatable)")
	cmd.Flags().StringVar(&opts.VisibilityScope, "scope", "", "visibility scope (attorney_only, case_team, public_record)")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("content-hash")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func envelopeListCmd() *cobra.Command {
	var f repo.EnvelopeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEnvelopes(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Title", "Status", "Scope", "Version"})
				for _, env := range items {
					tw.AppendRow(table.Row{env.ID, env.CaseID, env.Title, env.Status, env.VisibilityScope, env.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.VisibilityScope, "scope", "", "visibility scope filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func envelopeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				env, err := r.GetEnvelope(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	return cmd
}

func envelopeStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Advance envelope lifecycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.SetEnvelopeStatus(ctx, args[0], status, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (submitted, approved, rejected)")
	return cmd
}

func envelopeSupersedeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supersede <id>",
		Short: "Supersede envelope content (bump version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.SupersedeEnvelope(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	return cmd
}

func envelopeTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets <id>",
		Short: "Preview routed targets for an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.Repo.GetEnvelope(ctx, args[0])
				if err != nil {
					return err
				}
				targets, err := e.ResolveTargets(ctx, env)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"envelope_id": env.ID, "targets": targets})
			})
		},
	}
	return cmd
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispatch",
		Short: "Request and run evidence dispatch",
		Long:  "Request records one pending distribution per routed target; run materializes payload snapshots and drives deliveries with bounded retries.",
	}
	d.AddCommand(dispatchRequestCmd())
	d.AddCommand(dispatchRunCmd())
	return d
}

func dispatchRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request <envelope-id>",
		Short: "Resolve routing and record distributions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.RequestDispatch(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	return cmd
}

func dispatchRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one dispatch pass over pending messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				materialized, err := e.MaterializeOutboundMessages(ctx)
				if err != nil {
					return err
				}
				d := dispatch.New(e, adapters.NewRegistry(e.Config))
				res, err := d.ProcessPending(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"materialized": materialized,
					"processed":    res.Processed,
					"delivered":    res.Delivered,
					"retried":      res.Retried,
					"exhausted":    res.Exhausted,
					"skipped":      res.Skipped,
				})
			})
		},
	}
	return cmd
}

func distributionCmd() *cobra.Command {
	d := &cobra.Command{Use: "distribution", Short: "Inspect distributions"}
	d.AddCommand(distributionListCmd())
	d.AddCommand(distributionShowCmd())
	d.AddCommand(distributionMessageCmd())
	return d
}

func distributionListCmd() *cobra.Command {
	var f repo.DistributionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List distributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDistributions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Envelope", "Target", "Status", "Retries", "External ID"})
				for _, d := range items {
					externalID := ""
					if d.ExternalID != nil {
						externalID = *d.ExternalID
					}
					tw.AppendRow(table.Row{d.ID, d.EnvelopeID, d.Target, d.Status, d.RetryCount, externalID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EnvelopeID, "envelope", "", "envelope filter")
	cmd.Flags().StringVar(&f.Target, "target", "", "target filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func distributionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a distribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDistribution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func distributionMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message <distribution-id>",
		Short: "Show the outbound message for a distribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetOutboundMessageByDistribution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Manage routing policies",
		Long:  "Policies map (visibility scope, evidence status) to target sets; the routed set is the union of all active matches.",
	}
	p.AddCommand(policyCreateCmd())
	p.AddCommand(policyListCmd())
	p.AddCommand(policySeedCmd())
	p.AddCommand(policySetActiveCmd())
	return p
}

func policyCreateCmd() *cobra.Command {
	var p domain.RoutingPolicy
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a routing policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.IsActive = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateRoutingPolicy(ctx, p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "policy id (optional)")
	cmd.Flags().StringVar(&p.VisibilityScope, "scope", "", "visibility scope")
	cmd.Flags().StringVar(&p.EvidenceStatus, "status", "", "evidence status")
	cmd.Flags().StringArrayVar(&p.Targets, "target", []string{}, "target (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create deactivated")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("status")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routing policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRoutingPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Scope", "Status", "Targets", "Active"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.VisibilityScope, p.EvidenceStatus, strings.Join(p.Targets, ","), p.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func policySeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed routing policies from config (no-op if any exist)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SeedRoutingPolicies(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"seeded": n})
			})
		},
	}
	return cmd
}

func policySetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or deactivate a routing policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetRoutingPolicyActive(ctx, args[0], active)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "active state")
	return cmd
}

func accessCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "access",
		Short: "Manage envelope permissions",
		Long:  "Participants carry permission tags (view, comment, annotate, approve). A visibility override replaces the participant grant outright; they never merge.",
	}
	a.AddCommand(accessResolveCmd())
	a.AddCommand(accessGrantCmd())
	a.AddCommand(accessParticipantsCmd())
	a.AddCommand(accessOverrideCmd())
	a.AddCommand(accessClearOverrideCmd())
	return a
}

func accessResolveCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "resolve <envelope-id>",
		Short: "Resolve effective permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				perms, err := e.ResolvePermissions(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(perms)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func accessGrantCmd() *cobra.Command {
	var actorID string
	var permissions []string
	cmd := &cobra.Command{
		Use:   "grant <envelope-id>",
		Short: "Grant participant permission tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantParticipant(ctx, args[0], actorID, permissions, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringArrayVar(&permissions, "permission", []string{}, "permission tag (repeatable)")
	return cmd
}

func accessParticipantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants <envelope-id>",
		Short: "List envelope participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListParticipants(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func accessOverrideCmd() *cobra.Command {
	var o domain.VisibilityOverride
	cmd := &cobra.Command{
		Use:   "override <envelope-id>",
		Short: "Set a visibility override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.ActorID == "" {
				return fmt.Errorf("--actor required")
			}
			o.EnvelopeID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetVisibilityOverride(ctx, o, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&o.ActorID, "actor", "", "actor id")
	cmd.Flags().BoolVar(&o.CanView, "view", false, "can view")
	cmd.Flags().BoolVar(&o.CanComment, "comment", false, "can comment")
	cmd.Flags().BoolVar(&o.CanAnnotate, "annotate", false, "can annotate")
	cmd.Flags().BoolVar(&o.CanApprove, "approve", false, "can approve")
	return cmd
}

func accessClearOverrideCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "clear-override <envelope-id>",
		Short: "Clear a visibility override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ClearVisibilityOverride(ctx, args[0], actorID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "Config is the rulebook: downstream target endpoints, dispatch tuning (retry cap, timeout, workers), and routing policy seeds.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default docketline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
		Short: "Show effective config",
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
		Short: "Validate effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
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

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show distribution counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountDistributionsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Printf("Service: %s %s\n", e.Config.Service.Name, e.Config.Service.Version)
				fmt.Println("Distributions:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
		Long:  "The diary of everything that happened: envelope transitions, routing decisions, deliveries, and failures.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, caseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"api_key":  secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if _, err := e.SeedRoutingPolicies(cmd.Context(), viper.GetString("actor-id")); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DOCKETLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DOCKETLINE_JWT_SECRET is required for bearer auth")
			}
			d := dispatch.New(e, adapters.NewRegistry(cfg))
			handler, err := server.New(server.Config{Engine: e, Dispatcher: d, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Docketline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := app.ResolveConfig(ctx, viper.GetString("workspace"), r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, cfg)
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
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
