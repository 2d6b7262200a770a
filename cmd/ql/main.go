package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"queryline/internal/config"
	"queryline/internal/db"
	"queryline/internal/engine"
	"queryline/internal/logging"
	"queryline/internal/migrate"
	"queryline/internal/query"
	"queryline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Queryline CLI",
	Long: `Queryline resolves declarative filter and sort requests into SQL over
registered resources.
Core concepts:
- Workspace: your .queryline directory holding the SQLite database.
- Resources: named queryable collections (posts, authors) with a base query.
- Filters: server-declared query fragments clients activate by key; sent as a
  base64 JSON array so order is preserved ('ql encode' builds one).
- Sorts: single ordering key with a -/+ prefix; relation-qualified keys like
  author.attributes.name join through the declared relation.
- Catalog: 'ql filters <resource>' shows what a resource accepts, with
  matches/searchables/sortables groups on request.
- Audit log: every resolved list lands in the event log, view with 'ql log tail'.`,
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
	viper.SetEnvPrefix("QUERYLINE")
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
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(filtersCmd())
	rootCmd.AddCommand(resourcesCmd())
	rootCmd.AddCommand(encodeCmd())
	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func queryCmd() *cobra.Command {
	var filtersJSON, token, sortKey, cursor string
	var limit int
	var grants []string
	var explain bool
	cmd := &cobra.Command{
		Use:   "query <resource>",
		Short: "Run a filtered list query",
		Long:  "Resolve a filter/sort request against a resource and print the page. With --explain the SQL is printed instead of executed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := args[0]
			if filtersJSON != "" {
				var reqs []query.FilterRequest
				if err := json.Unmarshal([]byte(filtersJSON), &reqs); err != nil {
					return fmt.Errorf("parse --filters: %w", err)
				}
				encoded, err := query.EncodeFilters(reqs)
				if err != nil {
					return err
				}
				token = encoded
			}
			caller := query.Caller{
				ActorID:     viper.GetString("actor-id"),
				Permissions: grants,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if explain {
					sqlText, sqlArgs, err := e.Explain(resource, caller, token, sortKey)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]any{"sql": sqlText, "args": sqlArgs})
					}
					fmt.Println(sqlText)
					for i, a := range sqlArgs {
						fmt.Printf("  $%d = %v\n", i+1, a)
					}
					return nil
				}
				opts := engine.ListOptions{
					Filters: token,
					Sort:    sortKey,
					Limit:   limit,
					Cursor:  cursor,
					Caller:  caller,
				}
				switch resource {
				case "posts":
					page, err := e.ListPosts(ctx, opts)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(page)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Title", "Category", "Published", "Likes", "Author"})
					for _, p := range page.Items {
						tw.AppendRow(table.Row{p.ID, p.Title, p.Category, p.Published, p.LikeCount, p.AuthorName})
					}
					tw.Render()
					if page.NextCursor != "" {
						fmt.Println("next cursor:", page.NextCursor)
					}
					return nil
				case "authors":
					page, err := e.ListAuthors(ctx, opts)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(page)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Name", "Email", "Active", "Posts"})
					for _, a := range page.Items {
						tw.AppendRow(table.Row{a.ID, a.Name, a.Email, a.Active, a.PostCount})
					}
					tw.Render()
					if page.NextCursor != "" {
						fmt.Println("next cursor:", page.NextCursor)
					}
					return nil
				default:
					return engine.ErrUnknownResource
				}
			})
		},
	}
	cmd.Flags().StringVar(&filtersJSON, "filters", "", "filter activations as a JSON array")
	cmd.Flags().StringVar(&token, "token", "", "filter activations as a base64 wire token")
	cmd.Flags().StringVar(&sortKey, "sort", "", "sort key, - prefix for descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 uses config)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor from a previous page")
	cmd.Flags().StringArrayVar(&grants, "grant", []string{}, "permission granted to this invocation (repeatable)")
	cmd.Flags().BoolVar(&explain, "explain", false, "print the resolved SQL instead of executing")
	return cmd
}

func filtersCmd() *cobra.Command {
	var include, only string
	cmd := &cobra.Command{
		Use:   "filters <resource>",
		Short: "Show the filter catalog for a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cat, err := e.Catalog(args[0], include, only)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cat)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Kind", "Options", "Description"})
				for _, f := range cat.Filters {
					values := make([]string, 0, len(f.Options))
					for _, o := range f.Options {
						values = append(values, fmt.Sprintf("%v", o.Value))
					}
					tw.AppendRow(table.Row{f.Key, f.Kind, strings.Join(values, ", "), f.Description})
				}
				tw.Render()
				if len(cat.Matches) > 0 {
					fmt.Println("matches:")
					for _, field := range sortedKeys(cat.Matches) {
						fmt.Printf("  %s: %s\n", field, cat.Matches[field])
					}
				}
				if len(cat.Searchables) > 0 {
					fmt.Println("searchables:", strings.Join(cat.Searchables, ", "))
				}
				if len(cat.Sortables) > 0 {
					fmt.Println("sortables:", strings.Join(cat.Sortables, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&include, "include", "", "extra groups: matches, searchables, sortables")
	cmd.Flags().StringVar(&only, "only", "", "show just the named groups, no filter list")
	return cmd
}

func resourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List registered resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				names := e.Resources.Names()
				if viper.GetBool("json") {
					return printJSON(names)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Resource", "Page Size", "Max Page Size"})
				for _, n := range names {
					rc := e.Config.Resource(n)
					tw.AppendRow(table.Row{n, rc.PageSize, rc.MaxPageSize})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <json>",
		Short: "Encode a JSON filter array into a wire token",
		Long:  `Turn [{"key":"ready-posts"},{"key":"category","value":"note"}] into the base64 token the filters parameter expects. Pass - to read from stdin.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if input == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				input = string(data)
			}
			var reqs []query.FilterRequest
			if err := json.Unmarshal([]byte(input), &reqs); err != nil {
				return fmt.Errorf("parse filter JSON: %w", err)
			}
			token, err := query.EncodeFilters(reqs)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	return cmd
}

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <token>",
		Short: "Decode a wire token back into JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := query.DecodeFilters(args[0])
			if err != nil {
				return err
			}
			return printJSON(reqs)
		},
	}
	return cmd
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <resource> <id>",
		Short: "Fetch a single record by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := args[0]
			var id int64
			if _, err := fmt.Sscan(args[1], &id); err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				switch resource {
				case "posts":
					p, err := e.GetPost(ctx, id)
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				case "authors":
					a, err := e.GetAuthor(ctx, id)
					if err != nil {
						return err
					}
					return printJSONOrTable(a)
				default:
					return engine.ErrUnknownResource
				}
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Query audit log",
		Long:  "Every resolved list query lands here: who asked, which resource, how many filters, what came back.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logFollowCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, resource string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, n, 0, resource, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&resource, "resource", "", "resource filter")
	return cmd
}

func logFollowCmd() *cobra.Command {
	var interval time.Duration
	var evtType, resource string
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream new events as they are appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				// Start at the newest event so only queries made from now
				// on are streamed.
				cursor, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					events, err := e.Repo.EventsAfter(ctx, 100, cursor, resource)
					if err != nil {
						return err
					}
					for _, evt := range events {
						cursor = evt.ID
						if evtType != "" && evt.Type != evtType {
							continue
						}
						if viper.GetBool("json") {
							if err := printJSON(evt); err != nil {
								return err
							}
							continue
						}
						fmt.Printf("%s  %-12s  %-8s  %-12s  %s\n",
							evt.TS, evt.Type, evt.Resource, evt.ActorID, evt.Payload)
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
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&resource, "resource", "", "resource filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate non-interactive clients against the HTTP API. Grants attached to a key become the caller's permissions.",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	var grants []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, actor, name, grants)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":         key.ID,
					"actor_id":   key.ActorID,
					"name":       key.Name,
					"grants":     key.Grants,
					"created_at": key.CreatedAt,
					"key":        plaintext,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringArrayVar(&grants, "grant", []string{}, "permission granted to the key (repeatable)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys for this actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "queryline.yml sets the listen address, auth mode, log level and per-resource page sizes. Without one, defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default queryline.yml",
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
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate queryline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			logger, err := logging.New(cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e, err := engine.New(conn, cfg, logger)
			if err != nil {
				return err
			}
			secret := os.Getenv("QUERYLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" && !cfg.Auth.AllowAnonymous {
				return fmt.Errorf("QUERYLINE_JWT_SECRET is required unless auth.allow_anonymous is set")
			}
			if addr == "" {
				addr = cfg.AddrOrDefault()
			}
			if basePath == "" {
				basePath = cfg.BasePathOrDefault()
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:      secret,
					AllowAnonymous: cfg.Auth.AllowAnonymous,
					Logger:         logger,
				},
				Logger: logger,
			})
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
			logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Queryline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
		cfg = config.Default()
	}
	e, err := engine.New(conn, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	return fn(ctx, e)
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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
