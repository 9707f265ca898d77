// Package main runs the mediaflow daemon: the upload servers, the stage
// workers, the graph assembler and the status correlator, each selectable
// through the components setting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/raphaelgruber/mediaflow/internal/blob"
	"github.com/raphaelgruber/mediaflow/internal/broker"
	"github.com/raphaelgruber/mediaflow/internal/chunk"
	"github.com/raphaelgruber/mediaflow/internal/config"
	"github.com/raphaelgruber/mediaflow/internal/db"
	"github.com/raphaelgruber/mediaflow/internal/extract"
	"github.com/raphaelgruber/mediaflow/internal/framing"
	"github.com/raphaelgruber/mediaflow/internal/llm"
	"github.com/raphaelgruber/mediaflow/internal/metrics"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/raphaelgruber/mediaflow/internal/server"
	"github.com/raphaelgruber/mediaflow/internal/service"
	"golang.org/x/sync/errgroup"
)

// stageComponents maps stage worker components to their category.
var stageComponents = map[string]models.Category{
	config.ComponentDocument: models.CategoryDocument,
	config.ComponentImage:    models.CategoryImage,
	config.ComponentAudio:    models.CategoryAudio,
	config.ComponentVideo:    models.CategoryVideo,
}

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := validateComponents(cfg.Components); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg, "mediaflowd")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger.Info("starting mediaflowd", "components", cfg.Components)
	err = run(ctx, cfg, *wipeDB || os.Getenv("MEDIAFLOW_WIPE_DB") == "true", logger)
	stop()
	if err != nil {
		logger.Error("mediaflowd failed", "error", err)
		closeLog()
		os.Exit(1)
	}
	logger.Info("mediaflowd stopped")
	closeLog()
}

// validateComponents rejects unknown component names and an empty selection.
func validateComponents(components []string) error {
	if len(components) == 0 {
		return fmt.Errorf("no components selected")
	}
	for _, c := range components {
		if !slices.Contains(config.AllComponents, c) {
			return fmt.Errorf("unknown component %q (valid: %v)", c, config.AllComponents)
		}
	}
	return nil
}

// needsDatabase reports whether any selected component reads or writes SurrealDB.
func needsDatabase(cfg config.Config) bool {
	return cfg.Enabled(config.ComponentStatus) || cfg.Enabled(config.ComponentGraph) || cfg.Enabled(config.ComponentHTTP)
}

// needsBlobs reports whether any selected component reads or writes payloads.
func needsBlobs(cfg config.Config) bool {
	if cfg.Enabled(config.ComponentHTTP) {
		return true
	}
	for name := range stageComponents {
		if cfg.Enabled(name) {
			return true
		}
	}
	return false
}

func run(ctx context.Context, cfg config.Config, wipe bool, logger *slog.Logger) error {
	collector := metrics.NewCollector(cfg.StuckAfter)

	bk, err := broker.New(ctx, broker.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
		Block:    cfg.BlockTimeout,
		MaxLen:   cfg.StreamMaxLen,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bk.Close()

	var store *db.Client
	if needsDatabase(cfg) {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		store, err = db.NewClient(connectCtx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger, collector)
		cancel()
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer func() {
			if err := store.Close(context.Background()); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}()
		if err := store.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		if wipe {
			logger.Warn("wiping database")
			if err := store.WipeData(ctx); err != nil {
				return fmt.Errorf("wipe database: %w", err)
			}
		}
	}

	var blobs *blob.Store
	if needsBlobs(cfg) {
		blobs, err = blob.Open(cfg.BlobDir, logger)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		defer blobs.Close()
	}

	sink := service.NewBrokerStatusSink(bk, logger)
	tracker := service.NewJobTracker()

	var correlator *service.Correlator
	if store != nil {
		correlator = service.NewCorrelator(store, collector, logger)
		correlator.Subscribe(tracker)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Enabled(config.ComponentStatus) {
		runner := service.NewStatusRunner(correlator, bk)
		g.Go(func() error { return runner.Run(gctx) })
	}

	if cfg.Enabled(config.ComponentGraph) {
		assembler := service.NewAssembler(store, sink, collector, logger)
		runner := service.NewGraphRunner(assembler, bk, sink, collector, logger)
		g.Go(func() error { return runner.Run(gctx) })
	}

	reassemblers, err := startStages(gctx, g, cfg, bk, blobs, sink, collector, logger)
	if err != nil {
		return err
	}

	var intake *service.Intake
	if cfg.Enabled(config.ComponentHTTP) || cfg.Enabled(config.ComponentTCP) {
		router := service.NewRouter(bk, cfg.MaxMessageSize, collector, logger)
		intake = service.NewIntake(router, tracker)
	}

	if cfg.Enabled(config.ComponentHTTP) {
		hub := server.NewHub(correlator, logger)
		correlator.Subscribe(hub)

		handler := server.NewHandler(server.Deps{
			Intake:       intake,
			Correlator:   correlator,
			Tracker:      tracker,
			Graph:        service.NewGraphAdmin(store),
			Blobs:        blobs,
			Hub:          hub,
			Reassemblers: reassemblers,
			StuckAfter:   cfg.StuckAfter,
			Collector:    collector,
			Logger:       logger,
		})
		httpServer := server.NewHTTPServer(cfg.HTTPAddr, handler, logger)
		httpServer.RegisterOnShutdown(hub.Close)
		g.Go(func() error { return httpServer.Run(gctx) })
	}

	if cfg.Enabled(config.ComponentTCP) {
		pool, err := ants.NewPool(cfg.UploadPoolSize, ants.WithNonblocking(true))
		if err != nil {
			return fmt.Errorf("create upload pool: %w", err)
		}
		defer pool.Release()

		tcpServer := server.NewTCPServer(cfg.TCPAddr, intake, pool, framing.DefaultMaxFrame, logger)
		g.Go(func() error { return tcpServer.Run(gctx) })
	}

	return g.Wait()
}

// startStages starts one stage runner per selected stage component on a
// shared pool and returns their reassemblers keyed by stage name. Fragment
// state lives in Redis so that several daemons can serve one stage.
func startStages(ctx context.Context, g *errgroup.Group, cfg config.Config, bk *broker.Client, blobs *blob.Store,
	sink service.StatusSink, collector *metrics.Collector, logger *slog.Logger) (map[string]*chunk.Reassembler, error) {
	reassemblers := make(map[string]*chunk.Reassembler)

	var selected []models.Category
	for _, name := range config.AllComponents {
		if c, ok := stageComponents[name]; ok && cfg.Enabled(name) {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return reassemblers, nil
	}

	pool, err := ants.NewPool(cfg.StagePoolSize)
	if err != nil {
		return nil, fmt.Errorf("create stage pool: %w", err)
	}
	// Released once every runner has returned.
	g.Go(func() error {
		<-ctx.Done()
		pool.ReleaseTimeout(10 * time.Second)
		return nil
	})

	for _, c := range selected {
		processor, err := newProcessor(ctx, c, cfg, collector, logger)
		if err != nil {
			return nil, err
		}
		runner := service.NewStageRunner(service.StageRunnerConfig{
			Category:  c,
			Processor: processor,
			Consumer:  bk,
			Publisher: bk,
			Store:     blobs,
			Fragments: bk.Fragments(models.StageFor(c)),
			Sink:      sink,
			Collector: collector,
			Logger:    logger,
		})
		reassemblers[runner.Stage()] = runner.Reassembler()
		g.Go(func() error { return runner.Run(ctx, pool) })
	}
	return reassemblers, nil
}

func newProcessor(ctx context.Context, c models.Category, cfg config.Config, collector *metrics.Collector, logger *slog.Logger) (service.Processor, error) {
	switch c {
	case models.CategoryDocument:
		gazetteer, err := extract.LoadGazetteer(cfg.GazetteerPath)
		if err != nil {
			return nil, fmt.Errorf("load gazetteer: %w", err)
		}
		profiler, err := llm.NewProfiler(ctx, cfg, collector)
		if err != nil {
			return nil, fmt.Errorf("init profiler: %w", err)
		}
		return service.NewDocumentProcessor(extract.NewExtractor(gazetteer), profiler, logger), nil
	case models.CategoryImage:
		return service.ImageProcessor{}, nil
	default:
		return service.MediaProcessor{}, nil
	}
}
