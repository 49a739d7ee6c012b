package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"
	"github.com/vreid/kakeru/internal/pkg/audit"
	"github.com/vreid/kakeru/internal/pkg/chain/memchain"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/operator"
	"github.com/vreid/kakeru/internal/pkg/settlement"
	"github.com/vreid/kakeru/internal/pkg/tracker"
	"github.com/vreid/kakeru/internal/pkg/vault"
)

const shutdownTimeout = 10 * time.Second

type KakeruService struct {
	Logger      zerolog.Logger      `do:""`
	EchoService *common.EchoService `do:""`

	TrackerService  *tracker.TrackerService   `do:""`
	AuditService    *audit.AuditService       `do:""`
	OperatorService *operator.OperatorService `do:""`
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "persist", cmd.Bool("persist"))
	do.ProvideNamedValue(i, "log-level", cmd.String("log-level"))

	do.ProvideNamedValue(i, "master-secret", cmd.String("master-secret"))
	do.ProvideNamedValue(i, "master-kind", cmd.String("master-kind"))
	do.ProvideNamedValue(i, "argon-time", cmd.Int("argon-time"))
	do.ProvideNamedValue(i, "argon-memory", cmd.Int("argon-memory"))
	do.ProvideNamedValue(i, "argon-threads", cmd.Int("argon-threads"))

	do.ProvideNamedValue(i, "chains", cmd.StringSlice("chain"))
	do.ProvideNamedValue(i, "devnet-fee", cmd.Int("devnet-fee"))
	do.ProvideNamedValue(i, "devnet-reserve", cmd.Int("devnet-reserve"))
	do.ProvideNamedValue(i, "adapter-timeout", cmd.Duration("adapter-timeout"))
	do.ProvideNamedValue(i, "broadcast-timeout", cmd.Duration("broadcast-timeout"))

	do.ProvideNamedValue(i, "poll-interval", cmd.Duration("poll-interval"))
	do.ProvideNamedValue(i, "refund-after", cmd.Duration("refund-after"))
	do.ProvideNamedValue(i, "refund-policy", cmd.String("refund-policy"))

	eventChan := make(chan match.Event, 1000)
	var eventSource <-chan match.Event = eventChan
	var eventSink chan<- match.Event = eventChan

	do.ProvideNamedValue(i, "event-source", eventSource)
	do.ProvideNamedValue(i, "event-sink", eventSink)

	do.Provide(i, common.NewLogger)
	do.Provide(i, common.NewEchoService)
	do.Provide(i, common.NewMetricsService)
	do.Provide(i, common.NewDatabaseService)

	do.Provide(i, memchain.NewDirectoryService)
	do.Provide(i, vault.NewVaultService)
	do.Provide(i, match.NewRegistryService)
	do.Provide(i, settlement.NewSettlementService)
	do.Provide(i, tracker.NewTrackerService)
	do.Provide(i, audit.NewAuditService)
	do.Provide(i, operator.NewOperatorService)

	do.Provide(i, do.InvokeStruct[KakeruService])

	kakeruService, err := do.Invoke[KakeruService](i)
	if err != nil {
		return fmt.Errorf("failed to create kakeru service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	kakeruService.AuditService.Start()
	kakeruService.TrackerService.Start(ctx)

	errs := make(chan error, 1)

	go func() {
		errs <- kakeruService.EchoService.Start()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	kakeruService.Logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = kakeruService.EchoService.Shutdown(shutdownCtx)
	if err != nil {
		return err //nolint:wrapcheck
	}

	if cmd.Bool("persist") {
		databaseService := do.MustInvoke[*common.DatabaseService](i)

		err = databaseService.Shutdown()
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	return nil
}

//nolint:funlen
func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "kakeru",
		Usage: "escrow custody and settlement for staked matches",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("KAKERU_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./kakeru/data",
						Sources: cli.EnvVars("KAKERU_DATA_DIR"),
					},
					&cli.BoolFlag{
						Name:    "persist",
						Usage:   "keep matches and the audit trail in bbolt",
						Sources: cli.EnvVars("KAKERU_PERSIST"),
					},
					&cli.StringFlag{
						Name:     "master-secret",
						Usage:    "hex or base64 key, or a passphrase with --master-kind passphrase",
						Required: true,
						Sources:  cli.EnvVars("KAKERU_MASTER_SECRET"),
					},
					&cli.StringFlag{
						Name:    "master-kind",
						Value:   string(vault.MasterKey),
						Sources: cli.EnvVars("KAKERU_MASTER_KIND"),
					},
					&cli.IntFlag{
						Name:    "argon-time",
						Value:   int(vault.DefaultArgon2.Time),
						Sources: cli.EnvVars("KAKERU_ARGON_TIME"),
					},
					&cli.IntFlag{
						Name:    "argon-memory",
						Usage:   "KiB",
						Value:   int(vault.DefaultArgon2.MemoryKiB),
						Sources: cli.EnvVars("KAKERU_ARGON_MEMORY"),
					},
					&cli.IntFlag{
						Name:    "argon-threads",
						Value:   int(vault.DefaultArgon2.Threads),
						Sources: cli.EnvVars("KAKERU_ARGON_THREADS"),
					},
					&cli.StringSliceFlag{
						Name:    "chain",
						Value:   []string{"devnet-utxo", "devnet-account", "devnet-contract"},
						Sources: cli.EnvVars("KAKERU_CHAIN"),
					},
					&cli.IntFlag{
						Name:    "devnet-fee",
						Value:   1,
						Sources: cli.EnvVars("KAKERU_DEVNET_FEE"),
					},
					&cli.IntFlag{
						Name:    "devnet-reserve",
						Value:   0,
						Sources: cli.EnvVars("KAKERU_DEVNET_RESERVE"),
					},
					&cli.DurationFlag{
						Name:    "adapter-timeout",
						Value:   5 * time.Second, //nolint:mnd
						Sources: cli.EnvVars("KAKERU_ADAPTER_TIMEOUT"),
					},
					&cli.DurationFlag{
						Name:    "broadcast-timeout",
						Value:   settlement.DefaultBroadcastTimeout,
						Sources: cli.EnvVars("KAKERU_BROADCAST_TIMEOUT"),
					},
					&cli.DurationFlag{
						Name:    "poll-interval",
						Value:   15 * time.Second, //nolint:mnd
						Sources: cli.EnvVars("KAKERU_POLL_INTERVAL"),
					},
					&cli.DurationFlag{
						Name:    "refund-after",
						Usage:   "refund matches that have not started after this long, 0 disables",
						Value:   0,
						Sources: cli.EnvVars("KAKERU_REFUND_AFTER"),
					},
					&cli.StringFlag{
						Name:    "refund-policy",
						Value:   string(match.RefundSplitDepositors),
						Usage:   "split-depositors, own-deposit or reject-partial",
						Sources: cli.EnvVars("KAKERU_REFUND_POLICY"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Value:   "info",
						Sources: cli.EnvVars("KAKERU_LOG_LEVEL"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
