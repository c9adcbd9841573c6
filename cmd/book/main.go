package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"library_reservation/pkg/auth"
	"library_reservation/pkg/bookstore"
	"library_reservation/pkg/config"
	"library_reservation/pkg/database"
	"library_reservation/pkg/logging"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/models"
	"library_reservation/pkg/tracing"
)

func main() {
	logger := logging.Setup("book-service", getEnv("LOG_LEVEL", "info"))
	logger.Info().Msg("starting book service")

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("book service stopped")
	}
}

func run(logger zerolog.Logger) error {
	shutdownTracing, err := tracing.Init("book-service", getEnv("JAEGER_ENDPOINT", ""), logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	db, err := database.InitBookDB(config.DatabaseConfig{
		Host:     getEnv("DB_HOST", "postgres"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "program"),
		Password: getEnv("DB_PASSWORD", "test"),
		Name:     getEnv("DB_NAME", "books"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}, logger)
	if err != nil {
		return err
	}

	svc := bookstore.New(db)
	if seed, _ := strconv.ParseBool(getEnv("SEED_TEST_DATA", "true")); seed {
		if err := svc.Seed(context.Background(), testBooks()); err != nil {
			logger.Error().Err(err).Msg("failed to seed test data")
		} else {
			logger.Info().Int("books", len(testBooks())).Msg("book test data seeded")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authn := auth.New(getEnv("JWT_SECRET", ""), getEnv("SERVICE_TOKEN", "internal-service-token"))
	router := bookstore.NewRouter(bookstore.NewHandler(svc), authn, m, logger)

	port := getEnv("PORT", "8060")
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("port", port).Msg("book service listening")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down book service")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(sctx)
}

func testBooks() []models.Book {
	return []models.Book{
		{
			ID:                "f7cdc58f-2caf-4b15-9727-f89dcc629b27",
			Title:             "Краткий курс C++ в 7 томах",
			Author:            "Бьерн Страуструп",
			Quantity:          1,
			AvailableQuantity: 1,
		},
		{
			ID:                "8a1b2f6e-3c1d-4c55-9a5e-0f4f4b9c2d11",
			Title:             "The Go Programming Language",
			Author:            "Alan Donovan, Brian Kernighan",
			Quantity:          3,
			AvailableQuantity: 3,
		},
		{
			ID:                "c2d7e9a4-58b0-4f3e-b6a1-7d9e3f2a6b40",
			Title:             "Designing Data-Intensive Applications",
			Author:            "Martin Kleppmann",
			Quantity:          2,
			AvailableQuantity: 2,
		},
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
