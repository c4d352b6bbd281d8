package app

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"open-mer/api"
	"open-mer/bus"
	"open-mer/config"
	"open-mer/database"
	"open-mer/depth"
	"open-mer/errs"
	"open-mer/export"
	"open-mer/features"
	"open-mer/monitor"
	"open-mer/notifications"
	"open-mer/realtime"
	"open-mer/segmenter"
)

// featureMap converts the configured enables into the bus form
func featureMap(toggles []config.FeatureToggle) bus.FeatureMap {
	out := make(bus.FeatureMap, 0, len(toggles))
	for _, t := range toggles {
		out = append(out, bus.FeatureToggle{Kind: t.Name, Enabled: t.Enabled})
	}
	return out
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// run starts fn in a goroutine and returns a channel closed when it returns
func run(fn func()) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	return finished
}

func (a *App) startSegmenter(ctx context.Context) (<-chan struct{}, error) {
	if err := a.connectStore(); err != nil {
		return nil, err
	}
	a.connectRedis()
	if err := a.connectBus(); err != nil {
		return nil, err
	}
	if err := a.connectSource(); err != nil {
		return nil, err
	}

	webhooks := notifications.NewWebhookManager(a.config.WebhookURLs, a.mirror)
	seg, err := segmenter.New(ctx, a.source, database.NewSession(a.store), a.bus, segmenter.Options{
		Tick:     millis(a.config.SegmenterTickMs),
		Defaults: a.config.Buffer,
		Groups:   a.config.Signal.SamplingGroups,
		Metrics:  a.metrics,
		Notifier: webhooks,
	})
	if err != nil {
		return nil, err
	}

	a.onShutdown(func(context.Context) {
		fmt.Println("✂️  Stopping segmenter...")
		seg.Stop()
		webhooks.Wait()
	})
	return run(func() { seg.Start(ctx) }), nil
}

func (a *App) startFeatures(ctx context.Context) (<-chan struct{}, error) {
	if err := a.connectStore(); err != nil {
		return nil, err
	}
	if err := a.connectBus(); err != nil {
		return nil, err
	}

	engine, err := features.NewEngine(ctx, database.NewSession(a.store), a.bus, features.Options{
		Interval: millis(a.config.FeaturesIntervalMs),
		Defaults: featureMap(a.config.Features),
		Wake:     a.segmentEvents(),
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.onShutdown(func(context.Context) {
		fmt.Println("🧮 Stopping feature engine...")
		engine.Stop()
	})
	return run(func() { engine.Start(ctx) }), nil
}

func (a *App) startDepth(ctx context.Context) (<-chan struct{}, error) {
	if err := a.connectBus(); err != nil {
		return nil, err
	}
	cfg := a.config.Depth
	if cfg.Source == "comments" || cfg.MirrorComment {
		if err := a.connectSource(); err != nil {
			return nil, err
		}
	}

	reader, err := depth.New(cfg, a.source)
	if err != nil {
		return nil, err
	}
	opts := depth.PublisherOptions{
		Tick:    millis(cfg.TickMs),
		Offset:  cfg.Offset,
		Metrics: a.metrics,
	}
	if cfg.MirrorComment && depth.MirrorsToDevice(reader) {
		opts.Mirror = a.source
	}
	publisher := depth.NewPublisher(reader, a.bus, opts)

	a.onShutdown(func(context.Context) {
		fmt.Println("📏 Stopping depth publisher...")
		publisher.Stop()
		if err := reader.Close(); err != nil {
			log.Printf("Error closing depth reader: %v", err)
		}
	})
	return run(func() { publisher.Start(ctx) }), nil
}

func (a *App) startAPI(ctx context.Context) (<-chan struct{}, error) {
	if err := a.connectStore(); err != nil {
		return nil, err
	}
	a.connectRedis()
	if err := a.connectBus(); err != nil {
		return nil, err
	}
	if err := a.connectSource(); err != nil {
		return nil, err
	}

	// Initialize Realtime Broker
	broker := realtime.NewBroker()
	go broker.Run(ctx)
	sub, err := a.bus.Subscribe(ctx, bus.Topics...)
	if err != nil {
		return nil, err
	}
	go broker.Relay(ctx, sub)

	controller, err := NewProcedureController(ctx, a.store, a.source, a.bus, a.mirror, ControllerOptions{
		Defaults: a.config.Buffer,
		Features: featureMap(a.config.Features),
	})
	if err != nil {
		return nil, err
	}
	go controller.Start(ctx)

	apiServer := api.NewServer(a.store, a.bus, a.mirror, broker, a.metrics)
	apiServer.SetProcedureService(controller)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if err := apiServer.Start(a.config.APIPort); err != nil {
			log.Printf("⚠️  API Server failed: %v", err)
		}
	}()

	a.onShutdown(func(ctx context.Context) {
		fmt.Println("🌐 Stopping API server...")
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Printf("Error stopping API server: %v", err)
		}
		controller.Stop()
		_ = sub.Close()
	})
	return finished, nil
}

func (a *App) runMonitor(ctx context.Context) error {
	if err := a.connectBus(); err != nil {
		return err
	}
	return monitor.Run(ctx, a.bus)
}

// runExport writes the EDF file of one procedure: export -procedure <id> [-out dir]
func (a *App) runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet(RoleExport, flag.ContinueOnError)
	procedureID := fs.Int64("procedure", 0, "procedure id to export")
	out := fs.String("out", a.config.ExportDir, "output directory")
	if err := fs.Parse(args); err != nil {
		return errs.Fatal(errs.ErrInvalidArgs, "app", "runExport", err.Error())
	}
	if *procedureID <= 0 {
		return errs.Fatal(errs.ErrInvalidArgs, "app", "runExport", "-procedure is required")
	}

	if err := a.connectStore(); err != nil {
		return err
	}
	path, err := export.New(a.store, *out).ExportProcedure(ctx, *procedureID)
	if err != nil {
		return err
	}
	log.Printf("✅ Procedure %d exported to %s", *procedureID, path)
	return nil
}
