package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketrelay/config"
	"marketrelay/internal/broadcast"
	"marketrelay/internal/channel"
	"marketrelay/internal/fallback"
	"marketrelay/internal/gateway"
	"marketrelay/internal/indicator"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/internal/processor"
	"marketrelay/internal/reader/upbit"
	"marketrelay/internal/registry"
	"marketrelay/internal/store"
	"marketrelay/internal/writer"
	"marketrelay/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Relay.Name,
		"version":     cfg.Relay.Version,
		"environment": config.Environment(),
	}).Info("starting marketrelay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)

	domains, err := feedDomains(cfg.Feed.Domains)
	if err != nil {
		log.WithError(err).Error("invalid feed domains")
		os.Exit(1)
	}

	client := upbit.NewClient(cfg.Upbit)
	markets := registry.New(cfg.Registry, client)

	broadcaster := broadcast.NewBroadcaster(cfg.Broadcast)
	if err := broadcaster.Start(); err != nil {
		log.WithError(err).Error("failed to start broadcaster")
		os.Exit(1)
	}

	exporter, err := writer.NewKafkaExporter(cfg.Storage.Kafka)
	if err != nil {
		log.WithError(err).Error("failed to create kafka exporter")
		os.Exit(1)
	}

	var publisher store.Publisher = broadcaster
	if exporter != nil {
		publisher = store.Publishers{broadcaster, exporter}
	}

	engine := indicator.NewEngine(cfg.Indicator.LiquidityDepthScale)
	states := store.New(engine, publisher)

	channels := channel.NewChannels(domains, cfg.Feed.RawBuffer)
	channels.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)
	metrics.StartChannelSizeMetrics(ctx, channels, cfg.Metrics.ReportInterval)

	streams := make([]*upbit.Stream, 0, len(domains))
	for _, d := range domains {
		streams = append(streams, upbit.NewStream(d, cfg.Upbit, cfg.Feed, markets.Codes, channels))
	}

	markets.OnChange(func(added, removed, codes []string) {
		log.WithComponent("main").WithFields(logger.Fields{
			"added":   len(added),
			"removed": len(removed),
			"symbols": len(codes),
		}).Info("market set changed, resubscribing")
		for _, s := range streams {
			if err := s.Resubscribe(codes); err != nil {
				log.WithComponent("main").WithError(err).WithFields(logger.Fields{
					"domain": s.Domain().String(),
				}).Warn("resubscribe failed")
			}
		}
		if len(removed) > 0 {
			evicted := states.Retain(codes)
			log.WithComponent("main").WithFields(logger.Fields{"evicted": evicted}).Info("dropped delisted symbols")
		}
	})

	proc := processor.NewProcessor(channels, states)

	coordinator := fallback.NewCoordinator(cfg.Fallback, domains, states, client, markets.Codes)
	states.SetCoordinator(coordinator)

	server, err := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Reader:         states,
		Markets:        markets,
		Health:         coordinator,
		Hub:            broadcaster,
		ListenerBuffer: cfg.Broadcast.ListenerBuffer,
	}, log)
	if err != nil {
		log.WithError(err).Error("failed to create gateway")
		os.Exit(1)
	}

	checkpoints, err := writer.NewCheckpointWriter(ctx, cfg.Checkpoint, cfg.Storage.S3, states)
	if err != nil {
		log.WithError(err).Error("failed to create checkpoint writer")
		os.Exit(1)
	}
	if checkpoints == nil {
		log.WithComponent("main").Info("checkpoints disabled; skipping writer")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		markets.Run(ctx)
	}()

	if err := proc.Start(ctx); err != nil {
		log.WithError(err).Warn("processor failed to start")
	}

	for _, s := range streams {
		if err := s.Start(ctx); err != nil {
			log.WithError(err).Warn("stream failed to start")
		}
	}

	if err := coordinator.Start(ctx); err != nil {
		log.WithError(err).Warn("fallback coordinator failed to start")
	}
	for _, d := range domains {
		wg.Add(1)
		go func(signals <-chan models.FallbackSignal) {
			defer wg.Done()
			states.Listen(ctx, signals)
		}(coordinator.Signals(d))
	}

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("gateway stopped with error")
			}
		}()
	}

	if exporter != nil {
		if err := exporter.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka exporter failed to start")
		}
	}

	if checkpoints != nil {
		if err := checkpoints.Start(ctx); err != nil {
			log.WithError(err).Warn("checkpoint writer failed to start")
		}
	}

	log.WithFields(logger.Fields{
		"domains": len(domains),
		"gateway": server.Address(),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping upbit streams")
		for _, s := range streams {
			s.Stop()
		}

		log.Info("stopping processor")
		proc.Stop()

		log.Info("stopping fallback coordinator")
		coordinator.Stop()

		if checkpoints != nil {
			log.Info("stopping checkpoint writer")
			checkpoints.Stop()
		}

		if exporter != nil {
			log.Info("stopping kafka exporter")
			exporter.Stop()
		}

		wg.Wait()

		log.Info("closing broadcaster")
		broadcaster.Close()
		channels.Close()
		close(done)
	}()

	grace := cfg.Relay.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(grace):
		log.Warn("graceful shutdown timeout exceeded")
	}

	st := states.Stats()
	log.WithFields(logger.Fields{
		"accepted": st.Accepted,
		"stale":    st.Stale,
		"rejected": st.Rejected,
	}).Info("marketrelay stopped")
}

func feedDomains(names []string) ([]models.Domain, error) {
	seen := make(map[models.Domain]bool, len(names))
	out := make([]models.Domain, 0, len(names))
	for _, name := range names {
		d, err := models.ParseDomain(name)
		if err != nil {
			return nil, err
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}
