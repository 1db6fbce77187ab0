package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/clinic/pharmacy/internal/config"
	"github.com/clinic/pharmacy/internal/domain/stock"
	"github.com/clinic/pharmacy/internal/platform/db"
	"github.com/clinic/pharmacy/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pharmacy-server",
		Short: "Clinic pharmacy stock and dispensation API",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(clinicCmd())
	root.AddCommand(stockCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads config and connects to Postgres for the admin commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.UsesMemoryStorage() {
		return nil, nil, fmt.Errorf("this command needs STORAGE_DRIVER=%s", config.StoragePostgres)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// schemaFor picks the --schema flag, falling back to the --clinic flag and
// then to DEFAULT_CLINIC.
func schemaFor(cmd *cobra.Command, cfg *config.Config) string {
	if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
		return schema
	}
	clinic, _ := cmd.Flags().GetString("clinic")
	if clinic == "" {
		clinic = cfg.DefaultClinic
	}
	return db.SchemaName(clinic)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFor(cmd, cfg)
			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addSchemaFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFor(cmd, cfg)
			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	addSchemaFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addSchemaFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema (defaults to the clinic schema)")
	cmd.Flags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinic schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating clinic schema: %s\n", db.SchemaName(name))
			if err := db.CreateClinicSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (letters, digits, underscore)")
	cmd.AddCommand(createCmd)
	return cmd
}

// withClinicStock runs fn against the stock catalog of one clinic schema.
func withClinicStock(cmd *cobra.Command, fn func(ctx context.Context, svc *stock.Service) error) error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	clinic, _ := cmd.Flags().GetString("clinic")
	if clinic == "" {
		clinic = cfg.DefaultClinic
	}
	ctx, release, err := db.WithClinic(ctx, pool, clinic)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx, stock.NewService(stock.NewRepoPG(pool)))
}

func stockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Maintain a clinic's stock catalog",
	}
	cmd.PersistentFlags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a CSV drug reference list",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			encoding, _ := cmd.Flags().GetString("encoding")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			rows, err := stock.ReadCSV(f, encoding)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			replace, _ := cmd.Flags().GetBool("replace")
			return withClinicStock(cmd, func(ctx context.Context, svc *stock.Service) error {
				ctx, tx, err := db.WithTx(ctx)
				if err != nil {
					return err
				}
				defer tx.Rollback(ctx)

				importFn := svc.ImportBulk
				if replace {
					importFn = svc.ReplaceCatalog
				}
				res, err := importFn(ctx, rows)
				if err != nil {
					return err
				}
				verb := "imported"
				if dryRun {
					verb = "would import"
				} else if err := tx.Commit(ctx); err != nil {
					return fmt.Errorf("commit import: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Read %d row(s), dropped %d, %s %d item(s), removed %d.\n",
					res.RowsRead, res.RowsDropped, verb, len(res.Items), res.Removed)
				return nil
			})
		},
	}
	importCmd.Flags().String("file", "", "Path to the CSV file")
	importCmd.Flags().String("encoding", stock.EncodingUTF8, "File encoding (utf-8 or windows-1252)")
	importCmd.Flags().Bool("dry-run", false, "Run the import in a transaction and roll it back")
	importCmd.Flags().Bool("replace", false, "Delete catalog items missing from the file")
	cmd.AddCommand(importCmd)

	adjustCmd := &cobra.Command{
		Use:   "adjust",
		Short: "Set the on-hand quantity of one stock item",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			qty, _ := cmd.Flags().GetInt("quantity")
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			return withClinicStock(cmd, func(ctx context.Context, svc *stock.Service) error {
				item, err := svc.Adjust(ctx, strings.ToLower(key), qty)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now %d\n", item.DisplayName(), item.QuantityOnHand)
				return nil
			})
		},
	}
	adjustCmd.Flags().String("key", "", "Stock key (generic||brand)")
	adjustCmd.Flags().Int("quantity", 0, "Counted quantity on hand")
	cmd.AddCommand(adjustCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stock items",
		RunE: func(cmd *cobra.Command, args []string) error {
			generic, _ := cmd.Flags().GetString("generic")
			return withClinicStock(cmd, func(ctx context.Context, svc *stock.Service) error {
				items, _, err := svc.List(ctx, stock.ListParams{Generic: generic}, 0, 0)
				if err != nil {
					return err
				}
				printStock(cmd, items)
				return nil
			})
		},
	}
	listCmd.Flags().String("generic", "", "Filter by generic name")
	cmd.AddCommand(listCmd)

	return cmd
}

func printStock(cmd *cobra.Command, items []*stock.StockItem) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-40s %-30s %8s %s\n", "KEY", "NAME", "QTY", "EXPIRY")
	for _, it := range items {
		expiry := ""
		if it.Expiry != nil {
			expiry = it.Expiry.Format("2006-01-02")
		}
		fmt.Fprintf(out, "%-40s %-30s %8d %s\n", it.Key, it.DisplayName(), it.QuantityOnHand, expiry)
	}
}
