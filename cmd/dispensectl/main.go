// Package main provides dispensectl, the operator CLI for the dispensary.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/auth"
	"github.com/drfirst/go-dispensary/internal/bootstrap"
	"github.com/drfirst/go-dispensary/internal/config"
	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dispensary/internal/report"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "dispensectl",
		Short:         "Clinic dispensary operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(config.WithoutAuth())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Opening a store applies its migrations.
			stores, err := bootstrap.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			stores.Close()
			fmt.Printf("schema up to date (%s)\n", cfg.StoreDriver)
			return nil
		},
	}
}

// historyFlags binds the report filter flags to cmd.
func historyFlags(cmd *cobra.Command) {
	cmd.Flags().String("medicine", "", "Case-insensitive medicine name substring")
	cmd.Flags().String("from", "", "First day included (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Last day included (YYYY-MM-DD)")
	cmd.Flags().StringP("out", "o", "", "Output file")
}

func historyFilter(cmd *cobra.Command) (report.Filter, error) {
	q := url.Values{}
	for flag, param := range map[string]string{"medicine": "medicineName", "from": "startDate", "to": "endDate"} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			q.Set(param, v)
		}
	}
	return report.ParseFilter(q)
}

// filteredHistory loads the dispense history and applies filter.
func filteredHistory(cmd *cobra.Command, filter report.Filter) ([]*inventory.HistoryEntry, config.Config, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	defer logger.Sync()

	stores, err := bootstrap.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, cfg, err
	}
	defer stores.Close()

	svc := inventory.NewService(stores.Inventory, nil, logger)
	entries, err := svc.AllHistory(cmd.Context())
	if err != nil {
		return nil, cfg, err
	}
	return filter.Apply(entries), cfg, nil
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the dispense history report as PDF",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := historyFilter(cmd)
			if err != nil {
				return err
			}
			if filter.Empty() {
				return fmt.Errorf("at least one of --medicine, --from or --to is required")
			}
			entries, cfg, err := filteredHistory(cmd, filter)
			if err != nil {
				return err
			}

			pdf, err := report.NewRenderer(cfg.ReportLocation).Render(filter, entries)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = "dispense-history-report.pdf"
			}
			if err := os.WriteFile(out, pdf, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Printf("wrote %s (%d records)\n", out, len(entries))
			return nil
		},
	}
	historyFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the dispense history as an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := historyFilter(cmd)
			if err != nil {
				return err
			}
			entries, cfg, err := filteredHistory(cmd, filter)
			if err != nil {
				return err
			}
			data, err := report.Export(entries, cfg.ReportLocation)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = "dispense-history.xlsx"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("wrote %s (%d records)\n", out, len(entries))
			return nil
		},
	}
	historyFlags(cmd)
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Kafka topics",
	}

	withAdmin := func(fn func(ctx context.Context, admin *redpanda.Admin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return fn(ctx, admin)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the dispensary topics if missing",
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
			return admin.EnsureTopics(ctx)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
			names, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}),
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	lagCmd.RunE = withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
		group, _ := lagCmd.Flags().GetString("group")
		lag, err := admin.GetConsumerGroupLag(ctx, group)
		if err != nil {
			return err
		}
		for topic, partitions := range lag {
			for p, n := range partitions {
				fmt.Printf("%s\t%d\t%d\n", topic, p, n)
			}
		}
		return nil
	})
	cmd.AddCommand(lagCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.IssueToken(cfg.JWTSecret, auth.Identity{UserID: userID, Role: role, Name: name}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("user", "admin", "User id")
	cmd.Flags().String("role", auth.RoleAdmin, "Role (superadmin, admin, doctor, nurse, patient)")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
