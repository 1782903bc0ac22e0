package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bookline/api/internal/di"
	"github.com/bookline/api/internal/fulfillment"
	"github.com/bookline/api/internal/handlers"
	"github.com/bookline/api/internal/payments"
	"github.com/bookline/api/internal/platform/auth"
	"github.com/bookline/api/internal/platform/config"
	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/platform/idempotency"
	"github.com/bookline/api/internal/platform/jobs"
	"github.com/bookline/api/internal/platform/observability"
	"github.com/bookline/api/internal/platform/secrets"
	"github.com/bookline/api/internal/repositories"
	firestoreRepo "github.com/bookline/api/internal/repositories/firestore"
	"github.com/bookline/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Gateway.RazorpayKeySecret", "Courier.Password"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	eventsTopic := pubsubClient.Topic(cfg.PubSub.Topic)
	defer func() {
		eventsTopic.Stop()
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	eventPublisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	stopJanitor := startIdempotencyJanitor(logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	healthRepo, err := newHealthRepository(firestoreClient, eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, firestoreRepo.WithHealthRepository(healthRepo))
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	gateway, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
		KeyID:     cfg.Gateway.RazorpayKeyID,
		KeySecret: cfg.Gateway.RazorpayKeySecret,
		Logger:    newEventLogger(logger.Named("payments")),
		Clock:     time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise razorpay provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"razorpay": gateway,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var courier fulfillment.Courier
	if cfg.Features.EnableFulfillment {
		shiprocket, err := fulfillment.NewShiprocketClient(fulfillment.ShiprocketConfig{
			BaseURL:        cfg.Courier.BaseURL,
			Email:          cfg.Courier.Email,
			Password:       cfg.Courier.Password,
			PickupLocation: cfg.Courier.PickupLocation,
			ChannelID:      cfg.Courier.ChannelID,
			HTTPClient:     &http.Client{Timeout: cfg.Courier.Timeout},
			Logger:         newEventLogger(logger.Named("courier")),
			Clock:          time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise shiprocket client", zap.Error(err))
		}
		courier = shiprocket
	} else {
		logger.Info("fulfillment disabled; orders will record skipped dispatches")
	}

	container, err := di.NewContainer(ctx, cfg, di.Dependencies{
		Registry: registry,
		Gateway:  paymentManager,
		Courier:  courier,
		Events:   eventPublisher,
		Build:    buildInfo,
		Logger:   newEventLogger(logger.Named("services")),
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
	)
	cartHandlers := handlers.NewCartHandlers(authenticator, container.Services.Cart)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, container.Services.Orders)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, time.Minute),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(handlers.RateLimitMiddleware(cfg.RateLimits.AuthenticatedPerMinute, time.Minute)),
	}
	if cfg.Features.EnableCoupons {
		couponHandlers := handlers.NewCouponHandlers(authenticator, container.Services.Coupons)
		opts = append(opts, handlers.WithCouponRoutes(couponHandlers.Routes))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("bookline api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startIdempotencyJanitor periodically reclaims expired idempotency records.
// The returned stop function blocks until the janitor goroutine exits; it is
// a no-op when cleanup is disabled.
func startIdempotencyJanitor(logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(cfg.CleanupInterval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				runCtx, cancelRun := context.WithTimeout(ctx, time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancelRun()
				if err != nil {
					logger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		cancel()
		<-done
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	var checks []repositories.DependencyCheck
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := c.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// newEventLogger adapts zap to the map-based event callback the service and
// gateway layers accept. Field keys are sorted for stable log output.
func newEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for _, k := range keys {
			zFields = append(zFields, zap.Any(k, fields[k]))
		}
		logger.Info("service event", zFields...)
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key, fallback string) string {
		if value := strings.TrimSpace(env[key]); value != "" {
			return value
		}
		return fallback
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID", lookup("API_FIREBASE_PROJECT_ID", ""))

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(lookup("API_ENVIRONMENT", "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(lookup("API_SECRET_FALLBACK_FILE", ".secrets.local")),
	}
	if projects := secretProjectMapFromEnv(env); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE", ""); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS, a comma separated
// list of env=project pairs such as "prod=bookline-prod,staging=bookline-stg".
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for _, entry := range strings.Split(env["API_SECRET_PROJECT_IDS"], ",") {
		label, project, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		project = strings.TrimSpace(project)
		if label != "" && project != "" {
			projects[label] = project
		}
	}
	return projects
}
