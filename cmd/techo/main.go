package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"techo/internal/app"
	"techo/internal/config"
	"techo/internal/db"
	"techo/internal/engine"
	"techo/internal/engine/auth"
	"techo/internal/logging"
	"techo/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "techo",
	Short: "TECHO incident and inspection manager",
	Long: `techo tracks post-handover defects in social housing.
- Incidents: problems a beneficiary reports on their unit. They move abierta -> en_proceso -> resuelta -> cerrada,
  with en_espera and descartada on the side. Only the beneficiary closes (conforme) or bounces back (no conforme).
- Checklists: a per-unit inspection form. The beneficiary answers every item, submits it, and a technician's review
  turns each failing item into an incident.
- Roles: administrador, tecnico, tecnico_campo and beneficiario. Labels such as "Técnico" or "vecina" are accepted.
- History: every change is appended to an event log, view it with 'techo log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if strings.TrimSpace(viper.GetString("db-dsn")) == "" {
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
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
	viper.SetEnvPrefix("TECHO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("db-driver", "sqlite")
	viper.SetDefault("redis-stream", "techo:events")
	viper.SetDefault("mapbox-country", "cl")
	viper.SetDefault("storage-backend", app.StorageLocal)
	viper.SetDefault("storage-bucket", "techo")
	viper.SetDefault("timezone", "America/Santiago")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier; the role is read from the store")
	rootCmd.PersistentFlags().String("db-driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database DSN; defaults to the workspace SQLite file")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("db-driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	_ = viper.BindPFlag("db-dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(techniciansCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// settings resolves runtime knobs from flags, TECHO_* env and the workspace .env.
func settings() app.Settings {
	return app.Settings{
		Workspace:      viper.GetString("workspace"),
		DBDriver:       viper.GetString("db-driver"),
		DBDSN:          viper.GetString("db-dsn"),
		JWTSecret:      viper.GetString("jwt-secret"),
		DevTokens:      viper.GetBool("dev-tokens"),
		RedisAddr:      viper.GetString("redis-addr"),
		RedisStream:    viper.GetString("redis-stream"),
		MapboxToken:    viper.GetString("mapbox-token"),
		MapboxCountry:  viper.GetString("mapbox-country"),
		RendererURL:    viper.GetString("renderer-url"),
		StorageBackend: viper.GetString("storage-backend"),
		StorageURL:     viper.GetString("storage-url"),
		StorageKey:     viper.GetString("storage-key"),
		StorageBucket:  viper.GetString("storage-bucket"),
		PublicBaseURL:  viper.GetString("public-base-url"),
		Timezone:       viper.GetString("timezone"),
	}
}

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"), "techo")
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			s := settings()
			if s.PublicBaseURL == "" {
				s.PublicBaseURL = "http://" + addr + "/files"
			}
			a, err := app.Open(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if s.JWTSecret == "" {
				logger.Warn("TECHO_JWT_SECRET not set; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{
				Engine:      a.Engine,
				Reports:     a.Reports,
				BasePath:    basePath,
				Auth:        server.AuthConfig{JWTSecret: s.JWTSecret, DevTokens: s.DevTokens, Logger: logger.Named("auth")},
				Logger:      logger.Named("http"),
				ObjectsRoot: a.ObjectsRoot,
			})
			if err != nil {
				return err
			}
			if a.Webhooks != nil {
				go a.Webhooks.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving TECHO API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("docs", "/docs"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("dev-tokens", false, "expose POST /auth/dev/token")
	cmd.Flags().String("redis-addr", "", "publish history events to this Redis")
	cmd.Flags().String("renderer-url", "", "Gotenberg base URL for PDF reports")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("dev-tokens", cmd.Flags().Lookup("dev-tokens"))
	_ = viper.BindPFlag("redis-addr", cmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("renderer-url", cmd.Flags().Lookup("renderer-url"))
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened to incidents and checklists.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, eventType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				// The log spans every unit, so it is staff only like the API tail.
				if _, err := currentActor(ctx, a.Engine, auth.Staff...); err != nil {
					return err
				}
				items, err := a.Engine.History.Latest(ctx, n, entityKind, eventType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printEvents(items, a.Reports.Location)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "incident or form")
	cmd.Flags().StringVar(&eventType, "type", "", "event type, for example status_change")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Development bearer tokens"}
	var actorID, name, role string
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token signed with TECHO_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TECHO_JWT_SECRET is required")
			}
			token, err := server.SignDevToken(secret, actorID, name, role)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&actorID, "sub", "", "subject (actor id)")
	mint.Flags().StringVar(&name, "name", "", "display name")
	mint.Flags().StringVar(&role, "role", "", "role label placed in user_metadata")
	_ = mint.MarkFlagRequired("sub")
	tok.AddCommand(mint)
	return tok
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect techo.yml",
		Long:  "techo.yml holds the business rules: role synonyms, deadlines, workload thresholds, the checklist template and webhooks. Built-in defaults apply when it is absent.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate techo.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.LoadOptional(viper.GetString("workspace"))
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
	validate.Flags().StringVar(&file, "file", "", "validate this file instead of the workspace techo.yml")
	cfg.AddCommand(validate)
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default techo.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Open(ctx, settings(), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor opens the app and resolves --actor-id against the store.
func withActor(ctx context.Context, fn func(context.Context, *app.App, auth.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor, err := currentActor(ctx, a.Engine)
		if err != nil {
			return err
		}
		return fn(ctx, a, actor)
	})
}

func currentActor(ctx context.Context, e engine.Engine, allowed ...auth.Role) (auth.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return auth.Actor{}, fmt.Errorf("--actor-id (or TECHO_ACTOR_ID) is required")
	}
	actor, err := e.ResolveActor(ctx, id)
	if err != nil {
		return auth.Actor{}, fmt.Errorf("actor %s: %w", id, err)
	}
	if len(allowed) > 0 {
		if err := auth.Require(actor, "cli", allowed...); err != nil {
			return auth.Actor{}, err
		}
	}
	return actor, nil
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

func renderTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
