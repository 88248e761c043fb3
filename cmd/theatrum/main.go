package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"theatrum/examples/basic"
	"theatrum/internal/app"
	"theatrum/internal/config"
	"theatrum/internal/db"
	"theatrum/internal/domain"
	"theatrum/internal/engine"
	"theatrum/internal/events"
	"theatrum/internal/migrate"
	"theatrum/internal/repo"
	"theatrum/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "theatrum",
	Short: "Theatrum CLI",
	Long: `Theatrum runs named methods on behalf of validated actors.
- Entity: a kind of caller (user, admin) with allowed roles and a data schema.
- Actor: a validated instance of an entity (roles + data).
- Method: a named handler with allowed entities, required roles and a params schema.
- Executor: runs methods for one actor and collects trace events and metrics.
The console ('theatrum serve') exposes the example registry over HTTP.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("THEATRUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(entitiesCmd())
	rootCmd.AddCommand(methodsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := basic.New()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), app.Options{
				Workspace: viper.GetString("workspace"),
				Config:    cfg,
				Engine:    e,
				Password:  viper.GetString("console.password"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving Theatrum console on http://%s%s (OpenAPI at %s/openapi.json)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-path", "", "API base path")
	cmd.Flags().Bool("cors", false, "enable CORS")
	cmd.Flags().Bool("basic-auth", false, "require basic auth")
	cmd.Flags().Bool("debug", false, "run every execution in debug mode")
	cmd.Flags().Bool("history", false, "store executions in the workspace database")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.PreRunE = bindFlags(map[string]string{
		"server.addr":               "addr",
		"server.base_path":          "base-path",
		"console.enable_cors":       "cors",
		"console.enable_basic_auth": "basic-auth",
		"console.debug":             "debug",
		"history.enabled":           "history",
		"auth.jwt_secret":           "jwt-secret",
	})
	return cmd
}

func entitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List registered entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := basic.New()
			if err != nil {
				return err
			}
			items := e.Entities()
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Display name", "Roles", "Fields"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.Name, it.Docs.DisplayName, strings.Join(it.Roles, ", "), strings.Join(keys(it.Schema), ", ")})
			}
			tw.Render()
			return nil
		},
	}
}

func methodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List registered methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := basic.New()
			if err != nil {
				return err
			}
			items := e.Methods()
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Entities", "Roles", "Mode", "Params", "Description"})
			for _, it := range items {
				tw.AppendRow(table.Row{
					it.Name,
					strings.Join(it.Entities, ", "),
					strings.Join(it.Roles, ", "),
					it.RolesCompareMode,
					strings.Join(keys(it.Params), ", "),
					it.Docs.Description,
				})
			}
			tw.Render()
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var entity, dataJSON, paramsJSON string
	var roles []string
	var trace bool
	cmd := &cobra.Command{
		Use:   "run <method>",
		Short: "Run a method locally as an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			data, err := parseObject("data", dataJSON)
			if err != nil {
				return err
			}
			params, err := parseObject("params", paramsJSON)
			if err != nil {
				return err
			}
			e, err := basic.New()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			actor, err := e.CreateActor(ctx, entity, roles, data)
			if err != nil {
				return err
			}
			rec := &events.Recorder{}
			var sinks []events.Sink
			if trace {
				sinks = append(sinks, rec)
			}
			if logger.Enabled(ctx, slog.LevelDebug) {
				sinks = append(sinks, events.LogSink{Logger: logger})
			}
			x := e.CreateExecutor(actor, engine.ExecutorOptions{Tracer: events.Multi(sinks...)})
			resp := x.RunWithWrapper(ctx, args[0], params)
			out := runOutput{Result: resp.Result, Metrics: x.ExportMetrics()}
			if resp.Error != nil {
				body := resp.Error.Body()
				out.Error = &body
			}
			if trace {
				out.Trace = rec.Events()
			}
			if viper.GetBool("json") {
				if err := printJSON(out); err != nil {
					return err
				}
			} else {
				printRun(os.Stdout, out)
			}
			if resp.Error != nil {
				return resp.Error
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "user", "actor entity")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "actor role (repeatable)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "actor data as a JSON object")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "method params as a JSON object")
	cmd.Flags().BoolVar(&trace, "trace", false, "print trace events")
	return cmd
}

type runOutput struct {
	Result  any                 `json:"result"`
	Error   *domain.ErrorBody   `json:"error,omitempty"`
	Metrics map[string]any      `json:"metrics"`
	Trace   []domain.TraceEvent `json:"trace,omitempty"`
}

func printRun(w io.Writer, out runOutput) {
	if out.Error != nil {
		fmt.Fprintf(w, "error %d: %s\n", out.Error.Code, out.Error.Message)
	} else {
		b, _ := json.MarshalIndent(out.Result, "", "  ")
		fmt.Fprintf(w, "result: %s\n", b)
	}
	if len(out.Metrics) > 0 {
		tw := newTable(w)
		tw.SetTitle("Metrics")
		tw.AppendHeader(table.Row{"Key", "Value"})
		for _, k := range sortedKeys(out.Metrics) {
			tw.AppendRow(table.Row{k, out.Metrics[k]})
		}
		tw.Render()
	}
	if len(out.Trace) > 0 {
		tw := newTable(w)
		tw.SetTitle("Trace")
		tw.AppendHeader(table.Row{"Time", "Event", "Method", "Data"})
		for _, ev := range out.Trace {
			method, _ := ev.Data["internal:method"].(string)
			rest := map[string]any{}
			for k, v := range ev.Data {
				if k != "internal:method" {
					rest[k] = v
				}
			}
			data := ""
			if len(rest) > 0 {
				b, _ := json.Marshal(rest)
				data = string(b)
			}
			tw.AppendRow(table.Row{time.UnixMilli(ev.Timestamp).Format("15:04:05.000"), ev.Event, method, data})
		}
		tw.Render()
	}
}

func historyCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show executions stored by the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Method", "Entity", "Error", "Duration"})
				for _, e := range items {
					errMsg := ""
					if e.Error != nil {
						errMsg = fmt.Sprintf("%d %s", e.Error.Code, e.Error.Message)
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Method, e.Entity, errMsg, fmt.Sprintf("%dms", e.DurationMS)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of executions")
	cmd.Flags().StringVar(&f.Method, "method", "", "method filter")
	cmd.Flags().StringVar(&f.Entity, "entity", "", "entity filter")
	cmd.Flags().BoolVar(&f.Failed, "failed", false, "only failed executions")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect console config",
		Long:  "Config lives in theatrum.yml in the workspace. THEATRUM_* env vars and flags override file values.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default theatrum.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func tokenCmd() *cobra.Command {
	var entity, dataJSON string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token carrying actor claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := parseObject("data", dataJSON)
			if err != nil {
				return err
			}
			e, err := basic.New()
			if err != nil {
				return err
			}
			// reject claims the console would refuse anyway
			if _, err := e.CreateActor(cmd.Context(), entity, roles, data); err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Auth.JWTSecret, entity, roles, data, ttl, time.Now())
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
	cmd.Flags().StringVar(&entity, "entity", "user", "actor entity")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "actor role (repeatable)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "actor data as a JSON object")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret")
	cmd.PreRunE = bindFlags(map[string]string{"auth.jwt_secret": "jwt-secret"})
	return cmd
}

// --- helpers ---

// bindFlags binds config keys to the running command's flags.
func bindFlags(keys map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		for key, name := range keys {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	}
}

// loadConfig reads theatrum.yml and applies env and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	str := func(key string, dst *string) {
		if viper.IsSet(key) && viper.GetString(key) != "" {
			*dst = viper.GetString(key)
		}
	}
	flag := func(key string, dst *bool) {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}
	str("server.addr", &cfg.Server.Addr)
	str("server.base_path", &cfg.Server.BasePath)
	if viper.IsSet("server.request_timeout") {
		cfg.Server.RequestTimeout = viper.GetDuration("server.request_timeout")
	}
	flag("console.enable_cors", &cfg.Console.EnableCORS)
	flag("console.enable_basic_auth", &cfg.Console.EnableBasicAuth)
	flag("console.disable_telemetry", &cfg.Console.DisableTelemetry)
	flag("console.disable_logging", &cfg.Console.DisableLogging)
	flag("console.debug", &cfg.Console.Debug)
	str("auth.jwt_secret", &cfg.Auth.JWTSecret)
	flag("history.enabled", &cfg.History.Enabled)
	if viper.IsSet("history.limit") {
		cfg.History.Limit = viper.GetInt("history.limit")
	}
	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	if _, err := os.Stat(db.Path(workspace)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no history in %s (serve with --history first)", workspace)
		}
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseObject(name, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return out, nil
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	return tw
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
