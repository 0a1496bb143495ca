package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/labbridge/internal/config"
	"github.com/ehr/labbridge/internal/domain/commlog"
	"github.com/ehr/labbridge/internal/domain/ingest"
	"github.com/ehr/labbridge/internal/domain/reconciliation"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/db"
	"github.com/ehr/labbridge/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "labbridge",
		Short:        "Lab analyzer result reconciliation service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(automapCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(apikeyCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the analyzer listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationFiles returns the embedded migrations unless dir points
// somewhere else.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run tenant schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant schema %s created and migrated.\n", db.SchemaName(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)
	return cmd
}

// withApp wires the services for a one-shot command.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, pool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := newApp(ctx, cfg, pool, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func automapTarget(deviceCode, sampleID string) error {
	switch {
	case deviceCode == "" && sampleID == "":
		return fmt.Errorf("one of --device or --sample is required")
	case deviceCode != "" && sampleID != "":
		return fmt.Errorf("--device and --sample are mutually exclusive")
	}
	return nil
}

func automapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automap",
		Short: "Reconcile pending staging rows for an analyzer or a sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceCode, _ := cmd.Flags().GetString("device")
			sampleID, _ := cmd.Flags().GetString("sample")
			tenant, _ := cmd.Flags().GetString("tenant")
			limit, _ := cmd.Flags().GetInt("limit")
			retry, _ := cmd.Flags().GetBool("retry-errors")
			if err := automapTarget(deviceCode, sampleID); err != nil {
				return err
			}
			opts := reconciliation.Options{Limit: limit, RetryErrors: retry}

			return withApp(cmd.Context(), func(a *app) error {
				var res *reconciliation.Result
				err := a.asSystem(cmd.Context(), tenant, func(ctx context.Context, caps auth.Capabilities) error {
					var err error
					if sampleID != "" {
						res, err = a.engine.AutoMapSample(ctx, caps, sampleID, opts)
						return err
					}
					d, err := a.devices.LookupCode(ctx, deviceCode)
					if err != nil {
						return fmt.Errorf("device %s: %w", deviceCode, err)
					}
					res, err = a.engine.AutoMapDevice(ctx, caps, d.ID, opts)
					return err
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().String("device", "", "Analyzer code")
	cmd.Flags().String("sample", "", "Sample identifier")
	cmd.Flags().String("tenant", "", "Tenant (defaults to DEFAULT_TENANT)")
	cmd.Flags().Int("limit", 0, "Maximum rows for a device batch")
	cmd.Flags().Bool("retry-errors", false, "Include rows in error status")
	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest one raw analyzer message from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceCode, _ := cmd.Flags().GetString("device")
			tenant, _ := cmd.Flags().GetString("tenant")
			if deviceCode == "" {
				return fmt.Errorf("--device is required")
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				var rc *ingest.Receipt
				err := a.asSystem(cmd.Context(), tenant, func(ctx context.Context, caps auth.Capabilities) error {
					var err error
					rc, err = a.ingest.IngestCode(ctx, caps, deviceCode, ingest.Message{
						Transport: commlog.TransportFile,
						Source:    args[0],
						Payload:   payload,
					})
					return err
				})
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), rc); err != nil {
					return err
				}
				if rc.Rejected() {
					return fmt.Errorf("message rejected: %s", rc.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("device", "", "Analyzer code")
	cmd.Flags().String("tenant", "", "Tenant (defaults to DEFAULT_TENANT)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage analyzer API keys",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an analyzer key and its ANALYZER_API_KEYS entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			tenant, _ := cmd.Flags().GetString("tenant")
			expires, _ := cmd.Flags().GetString("expires")
			if name == "" || tenant == "" {
				return fmt.Errorf("--name and --tenant are required")
			}
			var expiresAt *time.Time
			if expires != "" {
				t, err := time.Parse("2006-01-02", expires)
				if err != nil {
					return fmt.Errorf("--expires: %w", err)
				}
				expiresAt = &t
			}
			key, raw, err := auth.GenerateKey(name, tenant, expiresAt)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API key:  %s\n", raw)
			fmt.Fprintf(out, "Config:   %s\n", key.Entry())
			fmt.Fprintln(out, "Store the key now; only its hash is kept in ANALYZER_API_KEYS.")
			return nil
		},
	}
	generateCmd.Flags().String("name", "", "Analyzer or client name")
	generateCmd.Flags().String("tenant", "", "Tenant the key posts into")
	generateCmd.Flags().String("expires", "", "Expiry date (YYYY-MM-DD)")
	cmd.AddCommand(generateCmd)
	return cmd
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
