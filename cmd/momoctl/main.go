package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/app"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/config"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/repository"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "momoctl",
		Short:         "Operations tool for the MoMo orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return telemetry.InitTelemetry("momoctl")
		},
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(relayCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	telemetry.Shutdown(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.Open(cmd.Context(), config.Load().DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("Schema is up to date")
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [method...]",
		Short: "Check provider credentials and connectivity",
		Long: `Runs the connectivity check of each payment provider.

Examples:
  momoctl ping
  momoctl ping mtn_momo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer a.Close()

			methods := []models.PaymentMethod{models.MethodMTNMoMo, models.MethodPaypack}
			if len(args) > 0 {
				methods = methods[:0]
				for _, arg := range args {
					methods = append(methods, models.PaymentMethod(strings.ToUpper(arg)))
				}
			}

			failed := 0
			for _, m := range methods {
				if err := a.Payments.TestProvider(cmd.Context(), m); err != nil {
					failed++
					fmt.Printf("%-10s FAIL  %v\n", m, err)
					continue
				}
				fmt.Printf("%-10s OK\n", m)
			}
			if failed > 0 {
				return fmt.Errorf("%d provider(s) unhealthy", failed)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job]",
		Short: "Run one background job immediately",
		Long: `Runs a background job once, holding the same lock as the scheduler
so it never overlaps a scheduled run.

Jobs: pending-payments, processing-disbursements, scheduled-disbursements, outbox-relay`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := a.Jobs()
			job, ok := jobs[args[0]]
			if !ok {
				names := make([]string, 0, len(jobs))
				for name := range jobs {
					names = append(names, name)
				}
				sort.Strings(names)
				return fmt.Errorf("unknown job %q (available: %s)", args[0], strings.Join(names, ", "))
			}

			start := time.Now()
			if !a.Scheduler.Run(cmd.Context(), args[0], job) {
				return fmt.Errorf("job %s is running elsewhere or could not be locked", args[0])
			}
			fmt.Printf("Job %s finished in %s\n", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func relayCmd() *cobra.Command {
	var maxBatches int

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Drain the outbox until no events remain",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer a.Close()

			total := 0
			for i := 0; i < maxBatches; i++ {
				n, err := a.Relay.RelayOnce(cmd.Context())
				total += n
				if err != nil {
					return fmt.Errorf("relay after %d events: %w", total, err)
				}
				if n == 0 {
					break
				}
			}
			fmt.Printf("Relayed %d events\n", total)
			return nil
		},
	}

	cmd.Flags().IntVarP(&maxBatches, "max-batches", "n", 100, "stop after this many batches")

	return cmd
}
