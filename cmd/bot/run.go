package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"OpportunitySwitch/internal/broadcast"
	"OpportunitySwitch/internal/config"
	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/executor"
	"OpportunitySwitch/internal/impact"
	"OpportunitySwitch/internal/ingest"
	"OpportunitySwitch/internal/ledger"
	"OpportunitySwitch/internal/logging"
	"OpportunitySwitch/internal/model"
	"OpportunitySwitch/internal/notifier"
	"OpportunitySwitch/internal/preempt"
	"OpportunitySwitch/internal/recorder"
	"OpportunitySwitch/internal/scheduler"
	"OpportunitySwitch/internal/tiered"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath, envPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Debug || debug)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("OpportunitySwitch starting...")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classifier := impact.NewClassifier(cfg.Thresholds)
	engine := preempt.NewEngine(cfg.Engine, classifier, log.Named("engine"))
	defer engine.Close()

	store := tiered.New(cfg.Store.Tiers, storeOpener(cfg), log.Named("store"))
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Disconnect()

	ldg := ledger.New(cfg.Executor.LedgerRecent, log.Named("ledger"))
	if err := ldg.Restore(ctx, store); err != nil {
		log.Warnf("restore ledger: %v", err)
	}
	if err := ldg.Track(store); err != nil {
		return fmt.Errorf("track ledger: %w", err)
	}

	registry := executor.NewRegistry()
	paper := executor.NewPaper(cfg.Executor.PaperLatency)
	registry.Register(model.TypeFlashLoan, paper)
	registry.Register(model.TypeCrossExchange, paper)

	bc := broadcast.NewBroadcaster(log.Named("ws"))
	sinks := []recorder.Recorder{bc}
	if cfg.Recorder.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Recorder.SQLitePath, log.Named("recorder"))
		if err != nil {
			log.Warnf("init sqlite recorder failed, continuing without it: %v", err)
		} else {
			sinks = append(sinks, sr)
		}
	}
	var tg *notifier.TelegramNotifier
	if cfg.TelegramEnabled() {
		tg = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, cfg.Telegram.Events, log.Named("telegram"))
		sinks = append(sinks, tg)
	}
	rec := recorder.NewMulti(sinks...)
	defer rec.Close()

	coord := coordinator.New(cfg.Coordinator, coordinator.Deps{
		Classifier: classifier,
		Engine:     engine,
		Store:      store,
		Registry:   registry,
		Recorder:   rec,
		Journal:    ldg,
		Log:        log.Named("coordinator"),
	})

	sched := scheduler.NewScheduler(log.Named("scheduler"))
	if err := sched.Every("drain-queue", cfg.Executor.DrainInterval, func() {
		if _, err := coord.DrainQueue(ctx); err != nil {
			log.Warnf("periodic drain: %v", err)
		}
	}); err != nil {
		return err
	}
	if err := sched.Every("ledger-snapshot", cfg.Executor.SnapshotInterval, func() {
		submitSnapshot(engine, ldg, store, log)
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	cmds := &commands{coord: coord, store: store, ledger: ldg}
	server := ingest.NewServer(cfg.HTTP.Addr, coord, cmds.status, bc.Handler(), log.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.KafkaEnabled() {
		consumer, err := ingest.NewKafkaConsumer(cfg.Kafka, coord, log.Named("kafka"))
		if err != nil {
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if tg != nil {
		g.Go(func() error {
			tg.Run(gctx)
			return nil
		})
		g.Go(func() error {
			tg.StartPolling(gctx, cmds.handle)
			return nil
		})
	}

	log.Infof("OpportunitySwitch is running on %s (store: %s). Press Ctrl+C to stop.", cfg.HTTP.Addr, cfg.Store.Backend)
	<-gctx.Done()
	log.Info("shutdown signal received, stopping...")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := ldg.Save(context.Background(), store); err != nil {
		log.Warnf("final ledger save: %v", err)
	}
	log.Info("OpportunitySwitch stopped")
	return nil
}

func storeOpener(cfg *config.Config) tiered.Opener {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return tiered.RedisOpener(cfg.Store.Redis)
	case config.BackendSQLite:
		return tiered.SQLiteOpener(cfg.Store.SQLitePath)
	default:
		return tiered.MemoryOpener(tiered.NewMemoryBackend())
	}
}

// submitSnapshot persists the ledger as a background task. The snapshot
// writes Critical-tier history, so it carries the Critical tag.
func submitSnapshot(engine *preempt.Engine, ldg *ledger.Ledger, store *tiered.Store, log *zap.SugaredLogger) {
	_, err := engine.AddTask(snapshotTask(ldg, store))
	if err != nil {
		log.Warnf("submit ledger snapshot: %v", err)
	}
}

func snapshotTask(ldg *ledger.Ledger, store *tiered.Store) preempt.TaskSpec {
	return preempt.TaskSpec{
		Name:     "ledger-snapshot",
		Priority: model.PriorityBackground,
		Execute: func(ctx context.Context, _ *preempt.Handle) error {
			return ldg.Save(ctx, store)
		},
		Metadata: preempt.Metadata{MemoryTier: model.TierCritical},
	}
}
