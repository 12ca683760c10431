package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"melodex/observability/logging"
	telemetry "melodex/observability/otel"
	"melodex/services/exchanged/config"
	"melodex/services/exchanged/market"
	exmw "melodex/services/exchanged/middleware"
	"melodex/services/exchanged/orders"
	"melodex/services/exchanged/server"
	"melodex/services/exchanged/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/exchanged/config.yaml", "path to exchanged configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MELODEX_ENV"))
	logging.Setup("exchanged", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "exchanged",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("exchanged: load config: %v", err)
	}

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("exchanged: open storage: %v", err)
	}

	ctx := context.Background()
	for _, pool := range cfg.Pools {
		reserveA, err := market.ToAmountUnits(pool.ReserveA)
		if err != nil {
			log.Fatalf("exchanged: pool %s/%s reserve: %v", pool.AssetA, pool.AssetB, err)
		}
		reserveB, err := market.ToAmountUnits(pool.ReserveB)
		if err != nil {
			log.Fatalf("exchanged: pool %s/%s reserve: %v", pool.AssetA, pool.AssetB, err)
		}
		if _, err := market.ProvisionPool(ctx, db, pool.AssetA, pool.AssetB, reserveA, reserveB); err != nil {
			log.Fatalf("exchanged: provision pool %s/%s: %v", pool.AssetA, pool.AssetB, err)
		}
	}

	reserve := market.NewStabilityReserve()
	executor, err := market.NewExecutor(db, market.NewBalanceLedger(), reserve, cfg.Market.FeeBps)
	if err != nil {
		log.Fatalf("exchanged: executor: %v", err)
	}

	store, err := orders.NewStore(db)
	if err != nil {
		log.Fatalf("exchanged: order store: %v", err)
	}
	scheduler, err := orders.NewScheduler(store, executor, cfg.Scheduler.Interval.Duration, cfg.Scheduler.SliceBps)
	if err != nil {
		log.Fatalf("exchanged: scheduler: %v", err)
	}

	srv := server.New(server.Config{
		DB:       db,
		Executor: executor,
		Orders:   store,
		Reserve:  reserve,
		Limits: map[string]exmw.RateLimit{
			"swaps":  {RequestsPerMinute: cfg.RateLimits.Swaps.RequestsPerMinute, Burst: cfg.RateLimits.Swaps.Burst},
			"orders": {RequestsPerMinute: cfg.RateLimits.Orders.RequestsPerMinute, Burst: cfg.RateLimits.Orders.Burst},
		},
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := scheduler.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("exchanged: scheduler exited: %v", err)
			stop()
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("exchanged: listening on %s", cfg.ListenAddress)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("exchanged: http server error: %v", err)
		os.Exit(1)
	}
}
