package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/dicatia/inventory-engine/internal/api"
	"github.com/dicatia/inventory-engine/internal/config"
	"github.com/dicatia/inventory-engine/internal/engine"
	"github.com/dicatia/inventory-engine/internal/rates"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	tp, err := initTracer(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracer")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("error shutting down tracer")
		}
	}()

	mp, err := initMetrics(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize metrics")
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("error shutting down meter")
		}
	}()

	dbPool, err := initDB(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer dbPool.Close()

	ctx := context.Background()
	repository := engine.NewPostgresRepository(dbPool)
	if err := repository.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to apply schema")
	}

	units, err := repository.ListUnits(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to load unit table")
	}

	eng, err := engine.NewEngine(repository, engine.NewUnitTable(units), log)
	if err != nil {
		log.WithError(err).Fatal("failed to build engine")
	}

	ratesFetcher := rates.NewFetcher(cfg.RatesURL, cfg.RatesCacheTTL, log)
	handler := api.NewHandler(eng, ratesFetcher, log)

	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))
	handler.Register(r)

	log.WithField("port", cfg.Port).Info("inventory engine listening")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}
}

func initDB(cfg config.Config, log *logrus.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Info("connected to database with connection pool")
			return pool, nil
		}
		log.Infof("waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initTracer(cfg config.Config) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(cfg config.Config) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}
