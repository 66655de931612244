package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/api"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/config"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/disbursement"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/middleware"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/monitor"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/orders"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/outbox"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/payment"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/mtn"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/providers/paypack"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/reconcile"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/repository"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

// JobOutboxRelay names the outbox delivery job.
const JobOutboxRelay = "outbox-relay"

// App holds the connections and services of one orchestrator process.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis *redis.Client
	NATS  *nats.Conn
	Kafka *kafka.Writer

	Registry      providers.Registry
	Payments      *payment.Service
	Disbursements *disbursement.Service
	Reconciler    *reconcile.Reconciler
	Monitor       *monitor.Monitor
	Relay         *outbox.Relay
	Scheduler     *monitor.Scheduler

	authorizer auth.Authorizer
	paypack    *paypack.Client
}

// Open connects to Postgres and returns a handle that has been pinged.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// New connects to every backing service and wires the domain services.
// Close releases what New opened, including on error.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.DB, err = Open(ctx, cfg.DatabaseURL); err != nil {
		return a, err
	}

	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	if err = a.Redis.Ping(ctx).Err(); err != nil {
		return a, fmt.Errorf("ping redis: %w", err)
	}

	if a.NATS, err = nats.Connect(cfg.NATSURL, nats.Name("momo-orchestrator")); err != nil {
		return a, fmt.Errorf("connect nats: %w", err)
	}

	brokers := splitList(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return a, fmt.Errorf("KAFKA_BROKERS is not set")
	}
	a.Kafka = outbox.NewKafkaWriter(brokers...)

	a.wire()
	return a, nil
}

func (a *App) wire() {
	cfg := a.Config
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}

	mtnClient := mtn.NewClient(mtn.Config{
		BaseURL:                     cfg.MTN.BaseURL,
		Environment:                 cfg.MTN.Environment,
		APIUser:                     cfg.MTN.APIUser,
		APIKey:                      cfg.MTN.APIKey,
		CollectionSubscriptionKey:   cfg.MTN.CollectionSubscriptionKey,
		DisbursementSubscriptionKey: cfg.MTN.DisbursementSubscriptionKey,
		DisbursementAPIUser:         cfg.MTN.DisbursementAPIUser,
		DisbursementAPIKey:          cfg.MTN.DisbursementAPIKey,
		Currency:                    cfg.MTN.Currency,
		CallbackURL:                 callbackURL(cfg.WebhookBaseURL, "/webhooks/mtn"),
		MaxConcurrent:               cfg.ProviderConcurrent,
	}, httpClient)
	a.paypack = paypack.NewClient(paypack.Config{
		BaseURL:       cfg.Paypack.BaseURL,
		ClientID:      cfg.Paypack.ClientID,
		ClientSecret:  cfg.Paypack.ClientSecret,
		WebhookSecret: cfg.Paypack.WebhookSecret,
		MaxConcurrent: cfg.ProviderConcurrent,
	}, httpClient)
	a.Registry = providers.NewRegistry(mtnClient, a.paypack)

	paymentRepo := repository.NewPaymentRepository(a.DB)
	disbursementRepo := repository.NewDisbursementRepository(a.DB)
	outboxRepo := repository.NewOutboxRepository(a.DB)
	webhookRepo := repository.NewWebhookEventRepository(a.DB)

	locker := lock.NewRedisLocker(a.Redis, "momo:lock:")
	authorizer := auth.NewStaticTokenAuthorizer(cfg.AdminAPIToken)
	a.authorizer = authorizer
	if cfg.AdminAPIToken == "" {
		telemetry.Logger.Warn("ADMIN_API_TOKEN not set, admin endpoints are disabled")
	}
	currencies := []string{cfg.SupportedCurrency}

	updater := reconcile.NewStatusUpdater(paymentRepo, disbursementRepo)
	a.Reconciler = reconcile.NewReconciler(updater, paymentRepo, disbursementRepo, webhookRepo)
	a.Payments = payment.NewService(paymentRepo, a.Registry, updater, authorizer, payment.Config{Currencies: currencies})
	a.Disbursements = disbursement.NewService(disbursementRepo, a.Registry, updater, locker, authorizer, disbursement.Config{
		Policy: disbursement.Policy{
			HighValueThreshold:    cfg.Disbursement.HighValueThreshold,
			RefundReviewThreshold: cfg.Disbursement.RefundReviewThreshold,
		},
		Provider:       models.PaymentMethod(strings.ToUpper(cfg.Disbursement.Provider)),
		CommissionRate: cfg.Disbursement.CommissionRate,
		Currencies:     currencies,
	})

	a.Monitor = monitor.New(paymentRepo, disbursementRepo, a.Registry, updater, a.Disbursements, monitor.Config{
		Window:       cfg.Monitor.Window,
		PendingTTL:   cfg.Monitor.PendingTTL,
		PayoutWindow: cfg.Monitor.PayoutWindow,
		CallDelay:    cfg.Monitor.CallDelay,
		BatchSize:    cfg.Monitor.BatchSize,
	})

	a.Relay = outbox.NewRelay(outboxRepo, outbox.NewKafkaPublisher(a.Kafka), cfg.Outbox.BatchSize)
	if cfg.Disbursement.AutoMerchantPayout {
		a.Relay.Handle(models.EventPaymentSucceeded, outbox.HandlerMerchantPayout, outbox.MerchantPayout(a.Disbursements, disbursement.ErrNoMerchant))
	}
	notifier := orders.NewNotifier(orders.NewNATSPublisher(a.NATS))
	a.Relay.Handle(models.EventPaymentSucceeded, outbox.HandlerOrderConfirmation, notifier.PaymentSucceeded)

	a.Scheduler = monitor.NewScheduler(locker, cfg.Monitor.LockTTL)
}

// Router builds the HTTP handler.
func (a *App) Router() *gin.Engine {
	return api.NewRouter(api.Dependencies{
		Payments:      a.Payments,
		Disbursements: a.Disbursements,
		Reconciler:    a.Reconciler,
		Authorizer:    a.authorizer,
		Cache:         middleware.NewRedisResponseCache(a.Redis),
		VerifyPaypack: a.paypack.VerifySignature,
	})
}

// Jobs returns the background jobs by name.
func (a *App) Jobs() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		monitor.JobPendingPayments: func(ctx context.Context) error {
			_, err := a.Monitor.PollPendingPayments(ctx)
			return err
		},
		monitor.JobProcessingDisbursement: func(ctx context.Context) error {
			_, err := a.Monitor.PollProcessingDisbursements(ctx)
			return err
		},
		monitor.JobScheduledDisbursements: func(ctx context.Context) error {
			_, err := a.Monitor.ProcessScheduledDisbursements(ctx)
			return err
		},
		JobOutboxRelay: func(ctx context.Context) error {
			_, err := a.Relay.RelayOnce(ctx)
			return err
		},
	}
}

// Schedule registers the background jobs on the scheduler.
func (a *App) Schedule() error {
	cfg := a.Config.Monitor
	jobs := a.Jobs()

	specs := map[string]string{JobOutboxRelay: a.Config.Outbox.Schedule}
	if !cfg.DisableCron {
		specs[monitor.JobPendingPayments] = cfg.Schedule
		specs[monitor.JobScheduledDisbursements] = cfg.DueSchedule
		if cfg.PollPayouts {
			specs[monitor.JobProcessingDisbursement] = cfg.Schedule
		}
	}

	for name, spec := range specs {
		if err := a.Scheduler.Add(spec, name, jobs[name]); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		telemetry.Logger.Info("Scheduled job", zap.String("job", name), zap.String("spec", spec))
	}
	return nil
}

func (a *App) Close() {
	if a.Kafka != nil {
		if err := a.Kafka.Close(); err != nil {
			telemetry.Logger.Warn("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if a.NATS != nil {
		a.NATS.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func callbackURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + path
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
