package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guptarohit/asciigraph"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/routerisk/engine/internal/broker"
	"github.com/routerisk/engine/internal/config"
	"github.com/routerisk/engine/internal/facade"
	"github.com/routerisk/engine/internal/forecastclient"
	"github.com/routerisk/engine/internal/obs"
	"github.com/routerisk/engine/internal/quota"
	"github.com/routerisk/engine/internal/recalc"
	"github.com/routerisk/engine/internal/redisclient"
	"github.com/routerisk/engine/internal/routeclient"
	"github.com/routerisk/engine/internal/scheduler"
	"github.com/routerisk/engine/internal/store"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminTripID string
	var adminPolicyMode string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: scanner|worker|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: enqueue|patch-policy|history")
	fs.StringVar(&adminTripID, "trip", "", "Trip ID for admin commands")
	fs.StringVar(&adminPolicyMode, "policy-mode", "", "New policy mode for patch-policy: conservative|balanced|aggressive")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatal("open database failed", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	st := store.New(db)
	if err := st.InitSchema(); err != nil {
		logger.Fatal("init schema failed", obs.Err(err))
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	routeAPIKey := readSecret(logger, cfg.Secrets.RouteAPIKeyFile)
	forecastAPIKey := readSecret(logger, cfg.Secrets.ForecastAPIKeyFile)

	ledger := quota.New(db, quota.Limits{
		GlobalDailyLimit: func(api string) int {
			if api == quota.APIOWM {
				return cfg.Quota.OWMDailyLimit
			}
			return cfg.Quota.RouteDailyLimit
		},
		PerMinuteLimit: func(api string) int {
			if api == quota.APIOWM {
				return cfg.Quota.OWMPerMinLimit
			}
			return cfg.Quota.RoutePerMinLimit
		},
	}, st)

	routeClient := routeclient.New(routeclient.Config{
		PrimaryBaseURL:  cfg.Providers.RouteBaseURL,
		PrimaryAPIKey:   routeAPIKey,
		FallbackBaseURL: cfg.Providers.RouteFallbackURL,
		Timeout:         cfg.Providers.CallTimeout,
	})
	forecastClient := forecastclient.New(cfg.Providers.ForecastBaseURL, forecastAPIKey, cfg.Providers.CallTimeout)

	recalculator := recalc.New(st, ledger, recalc.Clients{Route: routeClient, Forecast: forecastClient}, logger, recalc.BreakerConfig{
		Window:           cfg.CircuitBreaker.Window,
		Cooldown:         cfg.CircuitBreaker.CooldownPeriod,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		MinSamples:       cfg.CircuitBreaker.MinSamples,
	})

	producer := broker.NewProducer(rdb)
	sched := scheduler.New(st, producer, logger, time.Duration(cfg.Scan.IntervalSeconds)*time.Second)

	switch role {
	case "scanner":
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("scheduler start failed", obs.Err(err))
		}
		<-ctx.Done()
		sched.Stop()
	case "worker":
		runWorker(ctx, rdb, recalculator, logger, cfg.Recalc.Concurrency)
	case "all":
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("scheduler start failed", obs.Err(err))
		}
		go func() {
			<-ctx.Done()
			sched.Stop()
		}()
		runWorker(ctx, rdb, recalculator, logger, cfg.Recalc.Concurrency)
	case "admin":
		f := facade.New(st)
		runAdmin(ctx, st, f, logger, adminCmd, adminTripID, adminPolicyMode)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runWorker(ctx context.Context, rdb *redis.Client, recalculator *recalc.Recalculator, logger *zap.Logger, concurrency int) {
	consumer := broker.NewConsumer(rdb, logger, concurrency)
	consumer.Register(broker.JobRecalcTrip, func(ctx context.Context, job broker.Job) error {
		return recalculator.Process(ctx, job.TripID())
	})

	reaper := broker.NewReaper(rdb, logger)
	go reaper.Run(ctx, 5*time.Second)

	consumer.Run(ctx)
}

func readSecret(logger *zap.Logger, path string) string {
	if path == "" {
		return ""
	}
	body, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read secret file", obs.String("path", path), obs.Err(err))
		return ""
	}
	return strings.TrimSpace(string(body))
}

func runAdmin(ctx context.Context, st *store.Store, f *facade.Facade, logger *zap.Logger, cmd, tripID, policyMode string) {
	switch cmd {
	case "enqueue":
		if tripID == "" {
			logger.Fatal("admin enqueue requires --trip")
		}
		if err := f.EnqueueRecalc(ctx, tripID, "admin-cli"); err != nil {
			logger.Fatal("admin enqueue failed", obs.Err(err))
		}
		fmt.Println("recalc enqueued")
	case "patch-policy":
		if tripID == "" || policyMode == "" {
			logger.Fatal("admin patch-policy requires --trip and --policy-mode")
		}
		mode := policyMode
		if err := f.PatchPolicy(ctx, tripID, facade.PolicyPatch{PolicyMode: &mode}); err != nil {
			logger.Fatal("admin patch-policy failed", obs.Err(err))
		}
		fmt.Println("policy updated")
	case "history":
		if tripID == "" {
			logger.Fatal("admin history requires --trip")
		}
		events, err := st.ListEvents(ctx, tripID)
		if err != nil {
			logger.Fatal("admin history failed", obs.Err(err))
		}
		b, _ := json.MarshalIndent(events, "", "  ")
		fmt.Println(string(b))

		var series []float64
		for _, e := range events {
			if bm, ok := e.Payload["buffer_minutes"].(float64); ok {
				series = append(series, bm)
			}
		}
		if len(series) > 0 {
			fmt.Println(asciigraph.Plot(series, asciigraph.Height(10), asciigraph.Caption("buffer minutes")))
		}
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
