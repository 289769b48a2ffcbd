package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gatehouse/internal/app"
	"gatehouse/internal/config"
	"gatehouse/internal/db"
	"gatehouse/internal/domain"
	"gatehouse/internal/engine"
	"gatehouse/internal/engine/auth"
	"gatehouse/internal/idgen"
	"gatehouse/internal/migrate"
	"gatehouse/internal/notify"
	"gatehouse/internal/repo"
	"gatehouse/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gh",
	Short: "Gatehouse CLI",
	Long: `Gatehouse manages the visitor entry lifecycle at a residential society gate.
Core concepts:
- Workspace: the .gatehouse directory holding the SQLite database; configs are stored in the DB and imported explicitly.
- Gate: the tenancy root; every entry belongs to exactly one gate.
- Entry: one visit attempt (guest, delivery, cab, service or staff) flowing waiting -> calling -> approved -> checked_in -> checked_out, with rejected/not_responded/expired as exits.
- Gatepass: a resident pre-approval; a matching arrival skips the call and is born approved.
- Resident: maps a flat to whoever the call reaches; managed by the society admin.
- Sweep: the expiry policy; undecided entries past their ring budget settle as expired.
- Event log: append-only diary of everything, view with 'gh log tail'.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("GATEHOUSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-guard", "actor identifier")
	rootCmd.PersistentFlags().String("role", "guard", "actor role (guard, resident, system, admin)")
	rootCmd.PersistentFlags().String("gate", "", "gate id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("gate", rootCmd.PersistentFlags().Lookup("gate"))
}

func registerCommands() {
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(entryCmd())
	rootCmd.AddCommand(passCmd())
	rootCmd.AddCommand(residentCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() auth.Actor {
	return auth.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("role")}
}

// --- gate commands ---

func gateCmd() *cobra.Command {
	gate := &cobra.Command{Use: "gate", Short: "Manage gates"}
	gate.AddCommand(gateCreateCmd())
	gate.AddCommand(gateListCmd())
	gate.AddCommand(gateShowCmd())
	gate.AddCommand(gateStatusCmd())
	gate.AddCommand(gateConfigCmd())
	gate.AddCommand(gateUseCmd())
	return gate
}

func gateCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			if name != "" {
				cfg.Gate.Name = name
			}
			e := engine.New(conn, cfg)
			g, err := e.InitGate(cmd.Context(), id, name, actor())
			if err != nil {
				return err
			}
			return printJSONOrTable(g)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "gate id")
	cmd.Flags().StringVar(&name, "name", "", "gate name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func gateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGates(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func gateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGate(ctx, e.Config.Gate.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func gateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gate status and entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGate(ctx, e.Config.Gate.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountEntriesByState(ctx, g.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"gate_id":      g.ID,
					"status":       g.Status,
					"entry_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Gate: %s (%s)\n", g.ID, g.Status)
				fmt.Println("Entries:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
}

func gateConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage gate config"}
	cfg.AddCommand(gateConfigShowCmd())
	cfg.AddCommand(gateConfigImportCmd())
	cfg.AddCommand(gateConfigInitCmd())
	return cfg
}

func gateConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show gate config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func gateConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import gate config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			gateID := cfg.Gate.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if gateID == "" {
					gateID = e.Config.Gate.ID
				}
				if err := e.Repo.UpsertGateConfig(ctx, gateID, cfg); err != nil {
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

func gateConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default gatehouse.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = "main-gate"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "gate id")
	return cmd
}

func gateUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current gate for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gateID := strings.TrimSpace(args[0])
			if gateID == "" {
				return fmt.Errorf("gate id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "GATEHOUSE_GATE", gateID); err != nil {
				return err
			}
			fmt.Printf("Set GATEHOUSE_GATE=%s in %s/.env\n", gateID, workspace)
			return nil
		},
	}
}

// --- entry commands ---

func entryCmd() *cobra.Command {
	entry := &cobra.Command{
		Use:   "entry",
		Short: "Manage gate entries",
		Long:  "Entries are visit attempts. Guards create and call; residents approve or reject; the sweep expires what nobody decided.",
	}
	entry.AddCommand(entryCreateCmd())
	entry.AddCommand(entryListCmd())
	entry.AddCommand(entryShowCmd())
	entry.AddCommand(entryTransitionCmd("call", "Call the resident for an entry", func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error) {
		return e.CallResident(ctx, id, actor())
	}))
	entry.AddCommand(entryTransitionCmd("attempt", "Record one more call attempt", func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error) {
		return e.RecordAttempt(ctx, id, actor())
	}))
	entry.AddCommand(entryTransitionCmd("approve", "Approve an entry", func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error) {
		return e.Approve(ctx, id, actor())
	}))
	entry.AddCommand(entryRejectCmd())
	entry.AddCommand(entryTransitionCmd("checkin", "Check a visitor in", func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error) {
		return e.CheckIn(ctx, id, actor())
	}))
	entry.AddCommand(entryTransitionCmd("checkout", "Check a visitor out", func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error) {
		return e.CheckOut(ctx, id, actor())
	}))
	entry.AddCommand(entryTransitionCmd("cancel", "Cancel an entry", func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error) {
		return e.Cancel(ctx, id, actor())
	}))
	return entry
}

func entryCreateCmd() *cobra.Command {
	var opts engine.EntryCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a gate entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.GateID == "" {
					opts.GateID = e.Config.Gate.ID
				}
				entry, err := e.CreateEntry(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&opts.GateID, "gate", "", "gate id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "guest", "entry kind (guest, delivery, cab, service, staff)")
	cmd.Flags().StringVar(&opts.VisitorName, "name", "", "visitor name")
	cmd.Flags().StringVar(&opts.VisitorPhone, "phone", "", "visitor phone")
	cmd.Flags().StringVar(&opts.VehiclePlate, "plate", "", "vehicle plate")
	cmd.Flags().StringVar(&opts.Building, "building", "", "target building")
	cmd.Flags().StringVar(&opts.Flat, "flat", "", "target flat")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("flat")
	return cmd
}

func entryListCmd() *cobra.Command {
	var f repo.EntryFilters
	var open, today bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.GateID == "" {
					f.GateID = e.Config.Gate.ID
				}
				var entries []domain.GateEntry
				var err error
				switch {
				case open:
					entries, err = e.ListWaiting(ctx, f.GateID)
				case today:
					entries, err = e.ListTodayLog(ctx, f.GateID)
				default:
					entries, err = e.Repo.ListEntries(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Visitor", "Flat", "State", "Attempts", "Created"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{
						entry.ID, entry.Kind, entry.VisitorName, entry.Flat,
						domain.StateLabel(entry.State), entry.Attempts, entry.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.GateID, "gate", "", "gate id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Flat, "flat", "", "flat filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	cmd.Flags().BoolVar(&open, "open", false, "only waiting and calling entries")
	cmd.Flags().BoolVar(&today, "today", false, "only entries created since midnight UTC")
	return cmd
}

func entryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Repo.GetEntry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func entryTransitionCmd(use, short string, apply func(ctx context.Context, e engine.Engine, id string) (domain.GateEntry, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := apply(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func entryRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Reject(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// --- gatepass commands ---

func passCmd() *cobra.Command {
	pass := &cobra.Command{
		Use:   "pass",
		Short: "Manage gatepasses",
		Long:  "Gatepasses are resident pre-approvals. A matching arrival inside the validity window is born approved; single-use passes are consumed on first match.",
	}
	pass.AddCommand(passIssueCmd())
	pass.AddCommand(passListCmd())
	pass.AddCommand(passShowCmd())
	return pass
}

func passIssueCmd() *cobra.Command {
	var opts engine.GatepassIssueOptions
	var validFor time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a gatepass",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = actor()
			if opts.ValidFrom == "" {
				opts.ValidFrom = time.Now().UTC().Format(time.RFC3339)
			}
			if opts.ValidUntil == "" && validFor > 0 {
				from, err := time.Parse(time.RFC3339, opts.ValidFrom)
				if err != nil {
					return fmt.Errorf("--valid-from must be RFC3339")
				}
				opts.ValidUntil = from.Add(validFor).UTC().Format(time.RFC3339)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.IssueGatepass(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "guest", "entry kind")
	cmd.Flags().StringVar(&opts.VisitorName, "name", "", "visitor name")
	cmd.Flags().StringVar(&opts.VisitorPhone, "phone", "", "visitor phone (empty matches any)")
	cmd.Flags().StringVar(&opts.Building, "building", "", "target building")
	cmd.Flags().StringVar(&opts.Flat, "flat", "", "target flat")
	cmd.Flags().StringVar(&opts.ValidFrom, "valid-from", "", "validity start (RFC3339, default now)")
	cmd.Flags().StringVar(&opts.ValidUntil, "valid-until", "", "validity end (RFC3339)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 4*time.Hour, "validity window when --valid-until is not set")
	cmd.Flags().BoolVar(&opts.Reusable, "reusable", false, "reusable pass (never consumed)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("flat")
	return cmd
}

func passListCmd() *cobra.Command {
	var f repo.GatepassFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gatepasses",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Now = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGatepasses(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Visitor", "Flat", "Valid until", "Reusable", "Used"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Kind, p.VisitorName, p.Flat, p.ValidUntil, p.Reusable, p.IsUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Flat, "flat", "", "flat filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().BoolVar(&f.IncludeExpired, "include-expired", false, "include passes past their window")
	cmd.Flags().BoolVar(&f.IncludeUsed, "include-used", false, "include consumed passes")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func passShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a gatepass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetGatepass(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

// --- resident commands ---

func residentCmd() *cobra.Command {
	res := &cobra.Command{Use: "resident", Short: "Manage the resident directory"}
	res.AddCommand(residentAddCmd())
	res.AddCommand(residentListCmd())
	return res
}

func residentAddCmd() *cobra.Command {
	var r domain.Resident
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a resident",
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.ID == "" || r.Flat == "" || r.Name == "" {
				return fmt.Errorf("--id, --flat and --name required")
			}
			r.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, rep repo.Repo) error {
				if err := rep.UpsertResident(ctx, r); err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&r.ID, "id", "", "resident id")
	cmd.Flags().StringVar(&r.Building, "building", "", "building")
	cmd.Flags().StringVar(&r.Flat, "flat", "", "flat")
	cmd.Flags().StringVar(&r.Name, "name", "", "resident name")
	cmd.Flags().StringVar(&r.Phone, "phone", "", "phone")
	return cmd
}

func residentListCmd() *cobra.Command {
	var flat string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List residents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListResidents(ctx, flat)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Building", "Flat", "Name", "Phone"})
				for _, res := range items {
					tw.AppendRow(table.Row{res.ID, res.Building, res.Flat, res.Name, res.Phone})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flat, "flat", "", "flat filter")
	return cmd
}

// --- api key commands ---

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys for the HTTP server"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor and --key-role required")
			}
			id, err := idgen.Generate(idgen.APIKeyPrefix)
			if err != nil {
				return err
			}
			secret, err := idgen.GenerateSecret(idgen.APIKeyPrefix)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, domain.APIKey{
					ID:      id,
					ActorID: actorID,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":     id,
					"actor":  actorID,
					"role":   role,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key acts as")
	cmd.Flags().StringVar(&role, "key-role", "", "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- log commands ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.GateID == "" {
					f.GateID = e.Config.Gate.ID
				}
				if f.Limit == 0 {
					f.Limit = 20
				}
				events, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- sweep ---

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire undecided entries past their ring budget",
		Long:  "Runs the expiry policy once, or continuously with --watch using the configured sweep interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sys := actor()
				runOnce := func() error {
					n, err := e.SweepExpired(ctx, e.Config.Gate.ID, sys)
					if err != nil {
						return err
					}
					fmt.Printf("expired %d entries\n", n)
					return nil
				}
				if !watch {
					return runOnce()
				}
				interval := e.Config.SweepInterval()
				if interval <= 0 {
					interval = 30 * time.Second
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := runOnce(); err != nil {
						return err
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on the configured interval")
	return cmd
}

// --- serve ---

// runSweepLoop applies the expiry policy on the configured interval for as
// long as the server runs.
func runSweepLoop(ctx context.Context, e engine.Engine, cfg *config.Config) {
	interval := cfg.SweepInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweeper := auth.Actor{ID: "system", Role: "system"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.SweepExpired(ctx, cfg.Gate.ID, sweeper)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweep: expired %d entries", n)
			}
		}
	}
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
			_, cfg, err := app.ResolveGateAndConfig(cmd.Context(), viper.GetString("gate"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			dispatcher, err := notify.FromConfig(cfg)
			if err != nil {
				return err
			}
			e.Notifier = dispatcher
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATEHOUSE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATEHOUSE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go runSweepLoop(cmd.Context(), e, cfg)
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gatehouse API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	_, cfg, err := app.ResolveGateAndConfig(ctx, viper.GetString("gate"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	dispatcher, err := notify.FromConfig(cfg)
	if err != nil {
		return err
	}
	e.Notifier = dispatcher
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
