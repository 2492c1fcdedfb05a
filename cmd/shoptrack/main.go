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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shoptrack/internal/config"
	"shoptrack/internal/db"
	"shoptrack/internal/domain"
	"shoptrack/internal/engine"
	"shoptrack/internal/migrate"
	"shoptrack/internal/repo"
	"shoptrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "shoptrack",
	Short: "Shoptrack CLI",
	Long: `Shoptrack keeps a shared equipment inventory honest.
Every asset carries a current status from a small ranked vocabulary, every
change is written to an append-only log, and member issue reports can only
escalate a status, never improve it. The log is the source of truth: confirm
a status on the newest log entry and the asset follows it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SHOPTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("actor", 0, "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(termsCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(routingCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Vocab.Seed(ctx, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				fmt.Println("workspace ready:", db.Path(workspace))
				return nil
			})
		},
	}
}

func assetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "asset", Short: "Manage assets"}
	cmd.AddCommand(assetCreateCmd())
	cmd.AddCommand(assetListCmd())
	cmd.AddCommand(assetShowCmd())
	cmd.AddCommand(assetSetStatusCmd())
	return cmd
}

func assetCreateCmd() *cobra.Command {
	var label, status, category, channel string
	var owner int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				return fmt.Errorf("--label required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAsset(ctx, engine.AssetCreateOptions{
					Label:         label,
					StatusLabel:   status,
					OwnerID:       owner,
					Category:      category,
					NotifyChannel: channel,
					ActorID:       viper.GetInt64("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "asset label")
	cmd.Flags().StringVar(&status, "status", "", "initial status label")
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner user id")
	cmd.Flags().StringVar(&category, "category", "", "category name")
	cmd.Flags().StringVar(&channel, "notify-channel", "", "notification channel override")
	return cmd
}

func assetListCmd() *cobra.Command {
	var status, category string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				assets, err := r.ListAssets(ctx, repo.AssetFilters{StatusLabel: status, Category: category, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(assets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Status", "Category", "Owner"})
				for _, a := range assets {
					status := a.StatusLabel
					if status == "" {
						status = "-"
					}
					tw.AppendRow(table.Row{a.ID, a.Label, status, a.Category, a.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status label")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func assetShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an asset with its recent log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAsset(ctx, id)
				if err != nil {
					return err
				}
				entries, err := e.Repo.ListLogEntries(ctx, repo.LogEntryFilters{AssetID: id, Limit: 10})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"asset": a, "log": entries})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "asset id")
	return cmd
}

func assetSetStatusCmd() *cobra.Command {
	var id int64
	var status, details string
	cmd := &cobra.Command{
		Use:   "set-status",
		Short: "Set or clear (empty --status) the current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAssetStatus(ctx, id, status, engine.Transition{
					UserID:  viper.GetInt64("actor"),
					Details: details,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "asset id")
	cmd.Flags().StringVar(&status, "status", "", "status label, empty to clear")
	cmd.Flags().StringVar(&details, "details", "", "log entry details override")
	return cmd
}

func reportCmd() *cobra.Command {
	var id int64
	var classification, description, reporter string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "File a member issue report against an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if classification == "" {
				return fmt.Errorf("--classification required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ReportIssue(ctx, id, classification, description, viper.GetInt64("actor"), reporter)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "asset id")
	cmd.Flags().StringVar(&classification, "classification", "", "report classification value")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().StringVar(&reporter, "reporter-name", "", "display name in generated text")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Asset status log"}
	cmd.AddCommand(logAddCmd())
	cmd.AddCommand(logListCmd())
	cmd.AddCommand(logEditCmd())
	return cmd
}

func logAddCmd() *cobra.Command {
	var assetID int64
	var kind, summary, details, reported, confirmed string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a log entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, outcome, err := e.CreateLogEntry(ctx, engine.LogEntryCreateOptions{
					AssetID:              assetID,
					Kind:                 kind,
					Summary:              summary,
					Details:              details,
					ReportedStatusLabel:  reported,
					ConfirmedStatusLabel: confirmed,
					UserID:               viper.GetInt64("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"entry": entry, "propagated": outcome.Propagated})
			})
		},
	}
	cmd.Flags().Int64Var(&assetID, "asset", 0, "asset id")
	cmd.Flags().StringVar(&kind, "kind", "", "entry kind (default maintenance)")
	cmd.Flags().StringVar(&summary, "summary", "", "entry summary")
	cmd.Flags().StringVar(&details, "details", "", "entry details")
	cmd.Flags().StringVar(&reported, "reported", "", "reported status label")
	cmd.Flags().StringVar(&confirmed, "confirmed", "", "confirmed status label")
	return cmd
}

func logListCmd() *cobra.Command {
	var assetID, cursorID int64
	var kind, cursorCreatedAt string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListLogEntries(ctx, repo.LogEntryFilters{
					AssetID:         assetID,
					Kind:            kind,
					Limit:           limit,
					CursorCreatedAt: cursorCreatedAt,
					CursorID:        cursorID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().Int64Var(&assetID, "asset", 0, "asset id")
	cmd.Flags().StringVar(&kind, "kind", "", "entry kind filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	cmd.Flags().StringVar(&cursorCreatedAt, "cursor-created-at", "", "pagination cursor timestamp")
	cmd.Flags().Int64Var(&cursorID, "cursor-id", 0, "pagination cursor id")
	return cmd
}

func logEditCmd() *cobra.Command {
	var id int64
	var summary, details, kind, reported, confirmed string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit a log entry; confirming a status on the newest entry updates the asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.LogEntryUpdateOptions{ID: id, ActorID: viper.GetInt64("actor")}
				if cmd.Flags().Changed("summary") {
					opts.Summary = &summary
				}
				if cmd.Flags().Changed("details") {
					opts.Details = &details
				}
				if cmd.Flags().Changed("kind") {
					opts.Kind = &kind
				}
				if cmd.Flags().Changed("reported") {
					opts.ReportedStatusLabel = &reported
				}
				if cmd.Flags().Changed("confirmed") {
					opts.ConfirmedStatusLabel = &confirmed
				}
				entry, outcome, err := e.UpdateLogEntry(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"entry": entry, "propagated": outcome.Propagated})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "entry id")
	cmd.Flags().StringVar(&summary, "summary", "", "new summary")
	cmd.Flags().StringVar(&details, "details", "", "new details")
	cmd.Flags().StringVar(&kind, "kind", "", "new kind")
	cmd.Flags().StringVar(&reported, "reported", "", "reported status label, empty to clear")
	cmd.Flags().StringVar(&confirmed, "confirmed", "", "confirmed status label, empty to clear")
	return cmd
}

func termsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "terms", Short: "Status vocabulary"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List status terms with rank and usability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				terms, err := e.Vocab.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(terms)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Rank", "Usable"})
				for _, t := range terms {
					rank := "-"
					if t.Rank != nil {
						rank = fmt.Sprintf("%d", *t.Rank)
					}
					tw.AppendRow(table.Row{t.ID, t.Label, rank, t.Usable})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func categoryCmd() *cobra.Command {
	var name, channel string
	cmd := &cobra.Command{Use: "category", Short: "Asset categories"}
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c := domain.Category{Name: name, NotifyChannel: channel}
				if err := r.UpsertCategory(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "category name")
	set.Flags().StringVar(&channel, "notify-channel", "", "notification channel")
	cmd.AddCommand(set)
	return cmd
}

func routingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routing",
		Short: "Audit where status notifications would be delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rows, err := r.ListAssetRouting(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Asset", "Label", "Channel", "Source"})
				for _, row := range rows {
					channel := row.Channel
					if channel == "" {
						channel = "(none)"
					}
					tw.AppendRow(table.Row{row.AssetID, row.Label, channel, row.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	var n int
	var cursor, assetID int64
	var evtType string
	cmd := &cobra.Command{Use: "audit", Short: "Operational audit trail"}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestAuditEvents(ctx, n, cursor, evtType, assetID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().Int64Var(&cursor, "cursor", 0, "pagination cursor id")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().Int64Var(&assetID, "asset", 0, "asset id filter")
	cmd.AddCommand(tail)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for automated reporters"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID int64
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID <= 0 {
				actorID = viper.GetInt64("actor")
			}
			if actorID <= 0 {
				return fmt.Errorf("--for-actor or --actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": actorID, "name": name, "key": secret})
			})
		},
	}
	cmd.Flags().Int64Var(&actorID, "for-actor", 0, "user id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().Int64Var(&actorID, "for-actor", 0, "filter by user id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SHOPTRACK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SHOPTRACK_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Shoptrack API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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
