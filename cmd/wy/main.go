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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workyield/internal/config"
	"workyield/internal/db"
	"workyield/internal/domain"
	"workyield/internal/engine"
	"workyield/internal/export"
	"workyield/internal/ledger"
	"workyield/internal/migrate"
	"workyield/internal/quote"
	"workyield/internal/repo"
	"workyield/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wy",
	Short: "Workyield CLI",
	Long: `Workyield runs a field-service business whose completed jobs back profit tokens.
- Workspace: your .workyield directory with the order database; workyield.yml holds business config and the service catalog.
- Work orders: jobs move scheduled -> in_progress -> completed (cancel exits from the first two).
- Quotes: price units, labor and misc costs at internal cost, then mark up by margin for the customer.
- Tokenization: completed tokenizable orders get a service report attached, then an approval mints yield tokens on the ledger.
- Ledger: buy and redeem tokens with an authenticated session; balances are cached snapshots.
- Event log: diary of changes, view with 'wy log tail'.`,
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
	viper.SetEnvPrefix("WORKYIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier (defaults to config business.default_actor)")
	rootCmd.PersistentFlags().String("holder", "", "ledger holder address for session signing")
	rootCmd.PersistentFlags().String("ledger-token", "", "bearer token for ledger operations (or WORKYIELD_LEDGER_TOKEN)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("holder", rootCmd.PersistentFlags().Lookup("holder"))
	_ = viper.BindPFlag("ledger-token", rootCmd.PersistentFlags().Lookup("ledger-token"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(tokenizeCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
			fmt.Printf("Initialized workspace: %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountOrdersByJobStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"business":     e.Config.Business.Name,
					"order_counts": counts,
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Service catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config.Catalog)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Category", "Cost"})
				for _, s := range e.Config.Catalog {
					t.AppendRow(table.Row{s.ID, s.Name, s.Category, fmt.Sprintf("%.2f", s.Cost)})
				}
				t.Render()
				return nil
			})
		},
	})
	return cmd
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Work order lifecycle",
	}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderListCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderUpdateCmd())
	cmd.AddCommand(orderTransitionCmd("start", "Start a scheduled order", engine.Engine.StartOrder))
	cmd.AddCommand(orderTransitionCmd("complete", "Complete an in-progress order", engine.Engine.CompleteOrder))
	cmd.AddCommand(orderTransitionCmd("cancel", "Cancel a scheduled or in-progress order", engine.Engine.CancelOrder))
	cmd.AddCommand(orderDeleteCmd())
	cmd.AddCommand(orderExportCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var number, customer, serviceType, priority, category, description, instructions, scheduled string
	var cost, margin float64
	var tokenize bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("margin") {
					margin = e.Config.Pricing.DefaultMarginPercent
				}
				o, err := e.CreateOrder(ctx, engine.OrderCreateOptions{
					Number:        number,
					Customer:      domain.Customer{Name: customer},
					ServiceType:   serviceType,
					Priority:      priority,
					Category:      category,
					Description:   description,
					Instructions:  instructions,
					Cost:          cost,
					ScheduledDate: scheduled,
					ToBeTokenized: tokenize,
					MarginPercent: margin,
					ActorID:       actorID(e),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "work order number")
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&serviceType, "service-type", "", "service type")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, normal, high, urgent)")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&instructions, "instructions", "", "special instructions")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled date")
	cmd.Flags().Float64Var(&cost, "cost", 0, "internal cost")
	cmd.Flags().Float64Var(&margin, "margin", 0, "margin percent")
	cmd.Flags().BoolVar(&tokenize, "tokenize", false, "mark order for tokenization")
	return cmd
}

func orderListCmd() *cobra.Command {
	var jobStatus, tokenStatus, customer, number string
	var tokenizable bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orders, err := e.Repo.ListOrders(ctx, listFilters(jobStatus, tokenStatus, customer, number, tokenizable, limit))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Number", "Customer", "Job", "Token", "Cost", "Price"})
				for _, o := range orders {
					t.AppendRow(table.Row{
						o.ID, o.Number, o.Customer.Name, o.JobStatus, o.TokenStatus,
						fmt.Sprintf("%.2f", o.Cost), fmt.Sprintf("%.2f", o.CustomerPrice),
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobStatus, "job-status", "", "filter by job status")
	cmd.Flags().StringVar(&tokenStatus, "token-status", "", "filter by token status")
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer name (substring)")
	cmd.Flags().StringVar(&number, "number", "", "filter by order number")
	cmd.Flags().BoolVar(&tokenizable, "tokenizable", false, "only tokenizable orders")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func orderUpdateCmd() *cobra.Command {
	var description, instructions, scheduled, priority string
	var cost, margin float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a work order (rejected once tokenized)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.OrderUpdateOptions{ID: args[0], ActorID: actorID(e)}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("instructions") {
					opts.Instructions = &instructions
				}
				if cmd.Flags().Changed("scheduled") {
					opts.ScheduledDate = &scheduled
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("cost") {
					opts.Cost = &cost
				}
				if cmd.Flags().Changed("margin") {
					opts.MarginPercent = &margin
				}
				o, err := e.UpdateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&instructions, "instructions", "", "special instructions")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled date")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().Float64Var(&cost, "cost", 0, "internal cost")
	cmd.Flags().Float64Var(&margin, "margin", 0, "margin percent")
	return cmd
}

func orderTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string, string) (domain.WorkOrder, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := fn(e, ctx, args[0], actorID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func orderDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a cancelled work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteOrder(ctx, args[0], yes, actorID(e)); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func orderExportCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a customer document for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := export.ParseMode(mode)
				if err != nil {
					return err
				}
				o, err := e.Repo.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				doc, err := export.Build(e.Config, o, m, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				fmt.Print(doc.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "flat_rate", "display mode (flat_rate, itemized, hidden)")
	return cmd
}

func quoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price and submit quotes",
	}
	cmd.AddCommand(quotePriceCmd())
	cmd.AddCommand(quoteSubmitCmd())
	return cmd
}

func quotePriceCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Price a quote draft file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b := quote.NewBuilder(e.Config)
				d, err := b.LoadDraft(file)
				if err != nil {
					return err
				}
				totals, err := b.Totals(d)
				if err != nil {
					return err
				}
				return printJSONOrTable(totals)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "quote draft YAML file")
	return cmd
}

func quoteSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Finalize a quote draft into a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b := quote.NewBuilder(e.Config)
				d, err := b.LoadDraft(file)
				if err != nil {
					return err
				}
				opts, err := b.Finalize(d, actorID(e))
				if err != nil {
					return err
				}
				o, err := e.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "quote draft YAML file")
	return cmd
}

func tokenizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokenize",
		Short: "Tokenization pipeline",
	}
	cmd.AddCommand(tokenizeReportCmd())
	cmd.AddCommand(tokenizeApproveCmd())
	return cmd
}

func tokenizeReportCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "report <order-id>",
		Short: "Attach a service report to a completed order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ref == "" {
				return fmt.Errorf("--ref required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AttachReport(ctx, args[0], ref, actorID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "report reference (path or URL)")
	return cmd
}

func tokenizeApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <order-id>",
		Short: "Approve the report and mint yield tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				session, err := ledgerSession(e.Config)
				if err != nil {
					return err
				}
				o, err := e.ApproveAndMint(ctx, args[0], session, actorID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger supply, balances, purchases and redemptions",
	}
	cmd.AddCommand(ledgerSnapshotCmd())
	cmd.AddCommand(ledgerAmountCmd("buy", "Buy tokens from available supply", engine.Engine.Buy))
	cmd.AddCommand(ledgerAmountCmd("redeem", "Redeem tokens for service credit", engine.Engine.Redeem))
	return cmd
}

func ledgerSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Show available supply and holder balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				holder := ""
				if session, err := ledgerSession(e.Config); err == nil && session.Authenticated() {
					holder = session.Holder
				}
				snap, err := e.Snapshots.Refresh(ctx, holder)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
}

func ledgerAmountCmd(use, short string, fn func(engine.Engine, context.Context, *ledger.Session, float64, string) (domain.Snapshot, error)) *cobra.Command {
	var quantity float64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				session, err := ledgerSession(e.Config)
				if err != nil {
					return err
				}
				snap, err := fn(e, ctx, session, quantity, actorID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "token quantity")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
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
			cfg, err := config.LoadOrDefault(workspace)
			if err != nil {
				return err
			}
			secret := cfg.Ledger.JWTSecret
			if env := os.Getenv("WORKYIELD_JWT_SECRET"); env != "" {
				secret = env
			}
			e := engine.New(conn, cfg, ledger.NewClient(cfg.Ledger.BaseURL))
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
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
			fmt.Printf("Serving Workyield API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, ledger.NewClient(cfg.Ledger.BaseURL))
	return fn(ctx, e)
}

func actorID(e engine.Engine) string {
	if actor := viper.GetString("actor-id"); actor != "" {
		return actor
	}
	return e.Config.Business.DefaultActor
}

// ledgerSession builds a session from --ledger-token, or signs one for
// --holder when the workspace holds the signing secret.
func ledgerSession(cfg *config.Config) (*ledger.Session, error) {
	if token := viper.GetString("ledger-token"); token != "" {
		return ledger.SessionFromToken(token, cfg.Ledger.JWTSecret)
	}
	holder := viper.GetString("holder")
	if holder == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Ledger.JWTSecret) == "" {
		return nil, fmt.Errorf("ledger.jwt_secret not configured; pass --ledger-token instead")
	}
	token, err := ledger.SignSession(holder, cfg.Ledger.JWTSecret)
	if err != nil {
		return nil, err
	}
	return &ledger.Session{Holder: holder, Token: token}, nil
}

func listFilters(jobStatus, tokenStatus, customer, number string, tokenizable bool, limit int) repo.OrderFilters {
	return repo.OrderFilters{
		JobStatus:   jobStatus,
		TokenStatus: tokenStatus,
		Customer:    customer,
		Number:      number,
		Tokenizable: tokenizable,
		Limit:       limit,
	}
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
