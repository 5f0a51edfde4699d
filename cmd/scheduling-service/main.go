package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vitalclinic/scheduling/internal/availability"
	"github.com/vitalclinic/scheduling/internal/config"
	"github.com/vitalclinic/scheduling/internal/consumer"
	"github.com/vitalclinic/scheduling/internal/db"
	"github.com/vitalclinic/scheduling/internal/directory"
	"github.com/vitalclinic/scheduling/internal/handlers"
	"github.com/vitalclinic/scheduling/internal/httpx"
	"github.com/vitalclinic/scheduling/internal/inbox"
	"github.com/vitalclinic/scheduling/internal/kafkax"
	"github.com/vitalclinic/scheduling/internal/model"
	"github.com/vitalclinic/scheduling/internal/otelx"
	"github.com/vitalclinic/scheduling/internal/outbox"
	"github.com/vitalclinic/scheduling/internal/runtime"
	"github.com/vitalclinic/scheduling/internal/scheduling"
	"github.com/vitalclinic/scheduling/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewAppointmentRepository(pool, outboxRepo)

	brokers := config.String("KAFKA_BROKERS", "")
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	var patients scheduling.PatientDirectory = directory.NewStaticPatientDirectory()
	if url := strings.TrimSpace(config.String("PATIENT_REGISTRY_URL", "")); url != "" {
		patients = directory.NewHTTPPatientDirectory(url)
	} else {
		logger.Warn("PATIENT_REGISTRY_URL not set; accepting all patient ids")
	}
	var providers scheduling.ProviderDirectory = directory.NewStaticProviderDirectory()
	if url := strings.TrimSpace(config.String("PROVIDER_DIRECTORY_URL", "")); url != "" {
		providers = directory.NewHTTPProviderDirectory(url)
	} else {
		logger.Warn("PROVIDER_DIRECTORY_URL not set; accepting all provider ids")
	}

	grid := availability.Grid{
		StartHour:   config.Int("GRID_START_HOUR", 9),
		EndHour:     config.Int("GRID_END_HOUR", 17),
		SlotMinutes: config.Int("GRID_SLOT_MINUTES", 30),
	}
	svc := scheduling.NewService(repo, patients, providers, grid, logger, nil)

	inboxRepo := inbox.NewRepository(pool)
	startConsumer := func(topic string, outcome model.Status) {
		if strings.TrimSpace(topic) == "" || strings.TrimSpace(brokers) == "" {
			return
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
			Topic:   topic,
		}, consumer.VisitOutcomeHandler(logger, svc, outcome))
		go eventConsumer.Run(ctx)
	}
	startConsumer(config.String("VISIT_COMPLETED_TOPIC", "visits.visit.completed.v1"), model.StatusCompleted)
	startConsumer(config.String("VISIT_NO_SHOW_TOPIC", "visits.visit.no_show.v1"), model.StatusNoShow)

	apptHandler := handlers.NewAppointmentHandler(svc, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if strings.TrimSpace(brokers) != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/appointments", apptHandler.List)
	mux.HandleFunc("/api/v1/appointments/create", apptHandler.Create)
	mux.HandleFunc("/api/v1/appointments/update", apptHandler.Update)
	mux.HandleFunc("/api/v1/appointments/cancel", apptHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/get", apptHandler.Get)
	mux.HandleFunc("/api/v1/public/slots", apptHandler.Slots)

	rateLimit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var limiter httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		limiter = httpx.NewRedisRateLimiter(rdb, rateLimit, time.Minute, service).
			Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	} else {
		limiter = httpx.NewRateLimiter(rateLimit, time.Minute).Middleware()
	}

	corsOrigins := strings.Split(config.String("CORS_ALLOWED_ORIGINS", ""), ",")
	httpHandler := httpx.Chain(mux,
		httpx.WithRecovery(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
		limiter,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         10 * time.Minute,
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
