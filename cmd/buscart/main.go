package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buscart/internal/app"
	"buscart/internal/config"
	"buscart/internal/directory"
	"buscart/internal/domain"
	"buscart/internal/engine"
	"buscart/internal/engine/auth"
	"buscart/internal/migrate"
	"buscart/internal/supervisor"
	buscartsdk "buscart/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "buscart",
	Short: "BuscArt hiring negotiation engine",
	Long: `BuscArt connects clients who need an artist with the artists who can do the job.
- Request: a client publishes what, where and when, with an optional budget. It stays active for a TTL.
- Distribution: at creation the request goes to available artists of the category in the same city (or willing to travel).
- Proposal: an eligible artist answers with a price and a message, at most one live proposal each.
- Negotiation: the client accepts, rejects or negotiates. Accepting one proposal fulfills the request and rejects the rest.
- Live updates: the request owner can watch new proposals and status changes as they happen (buscart watch).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUSCART")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/buscart.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier")
	rootCmd.PersistentFlags().String("role", "client", "actor role (client|artist)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "role"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the relay and expiry supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("BUSCART_JWT_SECRET is required for bearer auth")
			}
			c, err := app.Wire(cmd.Context(), cfg, app.Options{
				Workspace: viper.GetString("workspace"),
				Version:   version,
				JWTSecret: secret,
			})
			if err != nil {
				return err
			}
			defer c.Close(context.Background())
			fmt.Printf("Serving BuscArt API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return c.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, _, err := app.OpenStore(cfg, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"schema_version": v, "driver": cfg.Storage.Driver})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage buscart.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default buscart.yml into the workspace",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate buscart.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{
		Use:   "directory",
		Short: "Mirror the artist and category directories",
	}
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Upsert categories and artists from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := directory.Load(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := directory.Import(ctx, e.DB, e.Repo, f, e.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "directory YAML file")
	_ = imp.MarkFlagRequired("file")
	dir.AddCommand(imp)
	return dir
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage hiring requests",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestCancelCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var in engine.CreateRequestInput
	var budgetMin, budgetMax string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.BudgetMin, err = optionalDecimal(budgetMin); err != nil {
				return fmt.Errorf("--budget-min: %w", err)
			}
			if in.BudgetMax, err = optionalDecimal(budgetMax); err != nil {
				return fmt.Errorf("--budget-max: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				created, err := e.CreateRequest(ctx, in, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&in.CategoryID, "category", "", "category id")
	cmd.Flags().StringVar(&in.City, "city", "", "city")
	cmd.Flags().StringVar(&in.Description, "description", "", "what is needed")
	cmd.Flags().StringVar(&budgetMin, "budget-min", "", "minimum budget")
	cmd.Flags().StringVar(&budgetMax, "budget-max", "", "maximum budget")
	cmd.Flags().StringVar(&in.EventDate, "date", "", "event date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.EventTime, "time", "", "event time (HH:MM)")
	cmd.Flags().StringVar(&in.Details, "details", "", "extra details")
	return cmd
}

func requestListCmd() *cobra.Command {
	var q engine.ActiveQuery
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if mine {
					q.ClientID = viper.GetString("actor-id")
				}
				items, err := e.GetActiveRequests(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "City", "Date", "Responses", "Expires"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.CategoryID, r.City, r.EventDate, r.ResponseCount, r.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.CategoryID, "category", "", "category filter")
	cmd.Flags().StringVar(&q.City, "city", "", "city filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "max rows")
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests of --actor-id")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Withdraw an active request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				req, err := e.CancelRequest(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Submit and answer proposals",
	}
	p.AddCommand(proposalSubmitCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalRespondCmd())
	return p
}

func proposalSubmitCmd() *cobra.Command {
	var price, message string
	cmd := &cobra.Command{
		Use:   "submit <request-id>",
		Short: "Answer a request with a price (as --role artist)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := engine.ParsePrice(price)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				p, err := e.SubmitProposal(ctx, args[0], amount, message, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&price, "price", "", "offered price")
	cmd.Flags().StringVar(&message, "message", "", "message to the client")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func proposalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <request-id>",
		Short: "List proposals on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				items, err := e.ListProposals(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Artist", "Price", "Status", "Message"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ArtistID, p.Price.String(), p.Status, p.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				p, err := e.GetProposal(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalRespondCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "respond <request-id> <proposal-id>",
		Short: "Accept, reject or negotiate a proposal (as --role client)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor()
				if err != nil {
					return err
				}
				p, err := e.RespondToProposal(ctx, args[0], args[1], domain.Action(action), actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "accept|reject|negotiate")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := supervisor.Supervisor{Engine: e}
				expired, err := s.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"expired": expired})
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "watch <request-id>",
		Short: "Stream live updates of a request from a running server",
		Long:  "Uses the bearer token in BUSCART_TOKEN. Proposals are listed again after every reconnect since missed updates are not replayed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := buscartsdk.New(server, viper.GetString("token"))
			client.BasePath = cfg.Server.BasePath
			requestID := args[0]
			ctx := cmd.Context()

			done := make(chan struct{})
			ch := client.Channel(buscartsdk.ChannelOptions{
				MaxRetries:     cfg.Channel.MaxRetries,
				InitialBackoff: cfg.Channel.InitialBackoff,
				MaxBackoff:     cfg.Channel.MaxBackoff,
				OnConnected: func() {
					items, err := client.ListProposals(ctx, requestID)
					if err != nil {
						fmt.Fprintln(os.Stderr, "reconcile:", err)
						return
					}
					_ = printJSON(map[string]any{"type": "snapshot", "proposals": items})
				},
				OnStateChange: func(s buscartsdk.State) {
					fmt.Fprintln(os.Stderr, "channel:", s)
					if s == buscartsdk.StateDegraded {
						close(done)
					}
				},
			})
			unsubscribe := ch.Subscribe(ctx, requestID, func(evt buscartsdk.LiveEvent) {
				_ = printJSON(evt)
			})
			defer unsubscribe()
			select {
			case <-ctx.Done():
				return nil
			case <-done:
				return fmt.Errorf("live channel degraded: %w", ch.Err())
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "API server URL")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var requestID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Request", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RequestID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&requestID, "request", "", "request id filter")
	logc.AddCommand(tail)
	return logc
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func currentActor() (auth.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return auth.Actor{}, errors.New("--actor-id (or BUSCART_ACTOR_ID) required")
	}
	role, err := auth.ParseRole(viper.GetString("role"))
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.Actor{ID: id, Role: role}, nil
}

func optionalDecimal(raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, dialect, err := app.OpenStore(cfg, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, dialect, cfg))
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
