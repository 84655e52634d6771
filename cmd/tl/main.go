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

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"threatline/internal/catalog"
	"threatline/internal/config"
	"threatline/internal/db"
	"threatline/internal/engine"
	"threatline/internal/journal"
	"threatline/internal/migrate"
	"threatline/internal/server"
	threatlinesdk "threatline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Threatline CLI",
	Long: `Threatline runs a shared world-threat simulation and its HTTP API.
Core concepts:
- World: exactly one threat is active at a time; the server tick is the only
  thing that moves it.
- Threat: spawned from a template with a zone, a primary stat, required
  skills, a difficulty and a hard expiry.
- Assignment: each player fields up to three agents against the active
  threat; agents lose health and sanity every tick while assigned.
- Contribution: power accrued per player while assigned; players still
  assigned when a threat clears are reward-eligible.
- Cooldown: after a threat clears or expires the world rests before the next
  spawn.`,
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
	viper.SetEnvPrefix("THREATLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "server URL for client commands")
	rootCmd.PersistentFlags().String("token", "", "admin bearer token")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(worldCmd())
	rootCmd.AddCommand(threatCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(unassignCmd())
	rootCmd.AddCommand(contributionsCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(journalCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the world simulation and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}

			cat, err := catalog.FromConfig(cfg)
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
			j := journal.Writer{DB: conn}

			world := engine.New(cfg, cat)
			world.Journal = &j

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go world.Run(ctx)
			server.StartWebhookDispatcher(ctx, j, cfg.Webhooks)

			handler, err := server.New(server.Config{
				World:    world,
				Journal:  &j,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{AdminSecret: cfg.Server.AdminSecret},
				RateLimit: server.RateLimitConfig{
					PerSecond: cfg.Server.RateLimit.PerSecond,
					Burst:     cfg.Server.RateLimit.Burst,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Threatline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
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

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage threatline.yml",
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
		Short: "Write the default threatline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
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
		Short: "Validate threatline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the threat template catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			cat, err := catalog.FromConfig(cfg)
			if err != nil {
				return err
			}
			templates := cat.All()
			if viper.GetBool("json") {
				return printJSON(templates)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Zone", "Stat", "Difficulty", "Lifetime"})
			for _, tpl := range templates {
				tw.AppendRow(table.Row{tpl.ID, tpl.Name, tpl.Zone, tpl.PrimaryStat, tpl.Difficulty, tpl.Lifetime})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func worldCmd() *cobra.Command {
	world := &cobra.Command{Use: "world", Short: "World state"}
	world.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the world snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().WorldStatus(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") || status.Threat == nil {
				return printJSON(status)
			}
			t := status.Threat
			fmt.Printf("Threat: %s (%s) in %s\n", t.ID, t.Name, t.Zone)
			fmt.Printf("Progress: %.1f%%  difficulty %d  expires in %ds\n", t.Progress, t.Difficulty, t.SecondsToExpiry)
			if t.EtaSeconds != nil {
				fmt.Printf("Estimated clear in %ds\n", *t.EtaSeconds)
			}
			fmt.Printf("Players assigned: %d\n", len(t.Bundles))
			return nil
		},
	})
	return world
}

func threatCmd() *cobra.Command {
	threat := &cobra.Command{Use: "threat", Short: "Inspect threats"}
	threat.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "Show the active threat",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().ActiveThreat(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})
	threat.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a threat by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().Threat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})
	threat.AddCommand(threatArchiveCmd())
	return threat
}

func threatArchiveCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List archived threats",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().Archive(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Eligible"})
			for _, t := range items {
				tw.AppendRow(table.Row{t.ID, t.Name, t.Status, fmt.Sprintf("%.1f", t.Progress), strings.Join(t.Eligible, ",")})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func assignCmd() *cobra.Command {
	var threatID, playerID, director, agentsJSON string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign agents to the active threat",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []map[string]any
			if agentsJSON != "" {
				if err := json.Unmarshal([]byte(agentsJSON), &agents); err != nil {
					return fmt.Errorf("invalid --agents-json: %w", err)
				}
			}
			t, err := client().Assign(cmd.Context(), threatID, playerID, director, agents)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	cmd.Flags().StringVar(&threatID, "threat", "active", "threat id")
	cmd.Flags().StringVar(&playerID, "player", "", "player id")
	cmd.Flags().StringVar(&director, "director", "", "director name")
	cmd.Flags().StringVar(&agentsJSON, "agents-json", "", "agents as a JSON array")
	_ = cmd.MarkFlagRequired("player")
	_ = cmd.MarkFlagRequired("director")
	return cmd
}

func unassignCmd() *cobra.Command {
	var threatID, playerID string
	cmd := &cobra.Command{
		Use:   "unassign",
		Short: "Withdraw a player's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Unassign(cmd.Context(), threatID, playerID)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
	cmd.Flags().StringVar(&threatID, "threat", "active", "threat id")
	cmd.Flags().StringVar(&playerID, "player", "", "player id")
	_ = cmd.MarkFlagRequired("player")
	return cmd
}

func contributionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contributions [threat-id]",
		Short: "Show the contribution ledger for a threat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "active"
			if len(args) == 1 {
				id = args[0]
			}
			report, err := client().Contributions(cmd.Context(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(report)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Player", "Total"})
			for player, total := range report.Totals {
				tw.AppendRow(table.Row{player, fmt.Sprintf("%.1f", total)})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Admin operations"}
	admin.AddCommand(&cobra.Command{
		Use:   "finish",
		Short: "Force-clear the active threat",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().ForceFinish(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "cycle",
		Short: "Expire the active threat and spawn a fresh one",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().ForceCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})
	admin.AddCommand(adminTokenCmd())
	return admin
}

func adminTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token from the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(cfg.Server.AdminSecret)
			if secret == "" {
				return fmt.Errorf("server.admin_secret is not set in %s", config.Path(viper.GetString("workspace")))
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func journalCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journal",
		Short: "Lifecycle journal",
	}
	j.AddCommand(journalTailCmd())
	return j
}

func journalTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent journal entries",
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
			w := journal.Writer{DB: conn}
			entries, err := w.Tail(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Threat", "Player"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ThreatID, e.PlayerID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

// --- helpers ---

func client() *threatlinesdk.Client {
	c := threatlinesdk.New(viper.GetString("addr"))
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
