package app

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"open-mer/bus"
	"open-mer/cache"
	"open-mer/config"
	"open-mer/database"
	"open-mer/database/memstore"
	"open-mer/errs"
	"open-mer/metrics"
	"open-mer/signal"
)

// Roles accepted as the first command-line argument
const (
	RoleSegmenter = "segmenter"
	RoleFeatures  = "features"
	RoleDepth     = "depth"
	RoleAPI       = "api"
	RoleMonitor   = "monitor"
	RoleExport    = "export"
)

// Roles lists every role in usage order
var Roles = []string{RoleSegmenter, RoleFeatures, RoleDepth, RoleAPI, RoleMonitor, RoleExport}

// ShutdownTimeout bounds the cleanup after a shutdown signal
const ShutdownTimeout = 10 * time.Second

// App represents one running role and the connections it opened
type App struct {
	config  *config.Config
	role    string
	metrics *metrics.Metrics

	db            *database.Database
	store         database.Store
	redis         *cache.RedisClient
	mirror        cache.Mirror
	bus           bus.Bus
	source        signal.Source
	notifier      *database.Notifier
	metricsServer *metrics.Server

	// stoppers run in order during shutdown, before connections close
	stoppers []func(ctx context.Context)
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{
		config:  cfg,
		metrics: metrics.New(),
	}
}

// Run starts role and blocks until it finishes or a shutdown signal arrives
func (a *App) Run(role string, args []string) error {
	a.role = role
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finished <-chan struct{}
	var err error
	switch role {
	case RoleSegmenter:
		finished, err = a.startSegmenter(ctx)
	case RoleFeatures:
		finished, err = a.startFeatures(ctx)
	case RoleDepth:
		finished, err = a.startDepth(ctx)
	case RoleAPI:
		finished, err = a.startAPI(ctx)
	case RoleMonitor:
		err = a.runMonitor(ctx)
		a.closeConnections()
		return err
	case RoleExport:
		err = a.runExport(ctx, args)
		a.closeConnections()
		return err
	case "":
		return errs.Fatal(errs.ErrInvalidArgs, "app", "Run", fmt.Sprintf("missing role, expected one of %v", Roles))
	default:
		return errs.Fatal(errs.ErrInvalidArgs, "app", "Run", fmt.Sprintf("unknown role %q, expected one of %v", role, Roles))
	}
	if err != nil {
		a.closeConnections()
		return err
	}

	a.startMetricsServer()
	return a.gracefulShutdown(cancel, finished)
}

// connectStore opens the Store selected by STORE_BACKEND
func (a *App) connectStore() error {
	if a.store != nil {
		return nil
	}
	if a.config.StoreBackend == "memory" {
		log.Println("🗄️  Using in-memory store")
		a.store = memstore.New()
		return nil
	}

	fmt.Println("🗄️  Connecting to database...")
	dbPort, err := strconv.Atoi(a.config.DatabasePort)
	if err != nil {
		return errs.Fatal(err, "app", "connectStore", "invalid database port")
	}
	db, err := database.Connect(
		a.config.DatabaseHost,
		dbPort,
		a.config.DatabaseName,
		a.config.DatabaseUser,
		a.config.DatabasePassword,
	)
	if err != nil {
		return errs.Fatal(err, "app", "connectStore", "database connection failed")
	}
	a.db = db

	repo := database.NewMERRepository(db)
	if err := repo.InitSchema(); err != nil {
		return errs.Fatal(err, "app", "connectStore", "schema initialization failed")
	}
	a.store = repo
	return nil
}

// connectRedis opens Redis and the mirror on top of it. A missing Redis
// leaves an in-memory mirror.
func (a *App) connectRedis() {
	if a.mirror != nil {
		return
	}
	fmt.Println("🧠 Connecting to Redis...")
	a.redis = cache.NewRedisClient(a.config.RedisHost, a.config.RedisPort, a.config.RedisPassword)
	if a.redis == nil {
		fmt.Println("⚠️  Redis connection failed. Settings mirror is process-local.")
	}
	a.mirror = cache.NewMirror(a.redis)
}

// connectBus opens the ControlBus backend, instrumented with the role's metrics
func (a *App) connectBus() error {
	if a.bus != nil {
		return nil
	}
	if a.config.Bus.Backend == "redis" {
		a.connectRedis()
	}
	b, err := bus.New(a.config.Bus, a.redis, "open-mer-"+a.role)
	if err != nil {
		return errs.Fatal(err, "app", "connectBus", "bus connection failed")
	}
	a.bus = metrics.InstrumentBus(b, a.metrics)
	log.Printf("✅ Bus connected (%s)", a.config.Bus.Backend)
	return nil
}

// connectSource opens the signal device
func (a *App) connectSource() error {
	if a.source != nil {
		return nil
	}
	source, err := signal.New(a.config.Signal, a.config.Buffer.SamplingGroup)
	if err != nil {
		return err
	}
	a.source = source
	log.Printf("✅ Signal source ready (%s)", a.config.Signal.Source)
	return nil
}

// segmentEvents returns the store's insert notifications, nil when the store has none
func (a *App) segmentEvents() <-chan database.SegmentEvent {
	if mem, ok := a.store.(*memstore.Store); ok {
		return mem.Events()
	}
	if a.db == nil {
		return nil
	}
	notifier, err := database.Listen(a.db.DSN())
	if err != nil {
		log.Printf("⚠️  Segment notifications unavailable, polling only: %v", err)
		return nil
	}
	a.notifier = notifier
	return notifier.Events()
}

func (a *App) startMetricsServer() {
	if a.config.MetricsPort <= 0 || a.role == RoleAPI {
		return
	}
	a.metricsServer = metrics.NewServer(a.config.MetricsPort, a.metrics)
	go func() {
		if err := a.metricsServer.Start(); err != nil {
			log.Printf("⚠️  Metrics server failed: %v", err)
		}
	}()
}

func (a *App) onShutdown(fn func(ctx context.Context)) {
	a.stoppers = append(a.stoppers, fn)
}

// gracefulShutdown waits for an interrupt or the role finishing on its own,
// then stops workers and closes connections within ShutdownTimeout
func (a *App) gracefulShutdown(cancel context.CancelFunc, finished <-chan struct{}) error {
	// Setup signal handling
	interrupt := make(chan os.Signal, 1)
	ossignal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer ossignal.Stop(interrupt)

	select {
	case <-interrupt:
		fmt.Println("\n🛑 Shutdown signal received, initiating graceful shutdown...")
	case <-finished:
		fmt.Println("🛑 Worker finished, shutting down...")
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	shutdownComplete := make(chan struct{})
	go func() {
		for _, stop := range a.stoppers {
			stop(shutdownCtx)
		}
		cancel()
		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error stopping metrics server: %v", err)
			}
		}
		a.closeConnections()
		close(shutdownComplete)
	}()

	// Wait for shutdown to complete or timeout
	select {
	case <-shutdownComplete:
		fmt.Println("✅ Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		fmt.Println("⚠️  Shutdown timeout exceeded, forcing exit")
		return fmt.Errorf("shutdown timeout")
	}
}

func (a *App) closeConnections() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			log.Printf("Error closing segment listener: %v", err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Printf("Error closing bus: %v", err)
		} else {
			fmt.Println("✅ Bus closed")
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			log.Printf("Error closing signal source: %v", err)
		}
	}
	// The Postgres store owns the database connection
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		} else if a.db != nil {
			fmt.Println("✅ Database connection closed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("Error closing redis: %v", err)
		} else {
			fmt.Println("✅ Redis connection closed")
		}
	}
}
