// Package main is the entry point for Tidemark, a continual-learning
// portfolio manager: a leakage-safe event store and as-of feature pipeline,
// a discrete-time simulation environment, and a scheduler that gates policy
// checkpoint promotion. The domain layer stays pure; everything is wired
// here by constructor injection.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/asof"
	"github.com/tidemark-io/tidemark/internal/clients/alpaca"
	"github.com/tidemark-io/tidemark/internal/clients/fred"
	"github.com/tidemark-io/tidemark/internal/clients/gdelt"
	"github.com/tidemark-io/tidemark/internal/clients/sec"
	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/database"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/encoder"
	"github.com/tidemark-io/tidemark/internal/episode"
	"github.com/tidemark-io/tidemark/internal/eventstore"
	"github.com/tidemark-io/tidemark/internal/experience"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/learning"
	"github.com/tidemark-io/tidemark/internal/policy"
	"github.com/tidemark-io/tidemark/internal/reliability"
	"github.com/tidemark-io/tidemark/internal/server"
	"github.com/tidemark-io/tidemark/internal/simenv"
	"github.com/tidemark-io/tidemark/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting tidemark")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	eventsDB := mustOpenDB(log, cfg.DataDir, "events", database.ProfileStandard)
	defer eventsDB.Close()
	experienceDB := mustOpenDB(log, cfg.DataDir, "experience", database.ProfileLedger)
	defer experienceDB.Close()
	cacheDB := mustOpenDB(log, cfg.DataDir, "cache", database.ProfileCache)
	defer cacheDB.Close()
	databases := []*database.DB{eventsDB, experienceDB, cacheDB}

	// Event store: durable raw records, replayed into memory at startup.
	eventRepo := eventstore.NewRepository(eventsDB.Conn(), log)
	store := eventstore.New(eventRepo, log)
	if err := store.Restore(); err != nil {
		log.Fatal().Err(err).Msg("failed to restore event store")
	}

	strategy := cfg.Strategy
	engine := asof.New(store, []domain.SourceType{
		domain.SourceBars10Min,
		domain.SourceBarsHourly,
		domain.SourceMacro,
		domain.SourceNews,
		domain.SourceFilings,
	}, log)
	enc := encoder.New(engine, strategy.MarketProxy, encoder.DefaultConfig(), log)

	gateway := simenv.NewSimulatedGateway(engine, strategy.StepInterval)
	env := simenv.New(simenv.Config{
		Universe:     strategy.Universe,
		Constraints:  strategy.Constraints,
		Costs:        strategy.Costs,
		StepInterval: strategy.StepInterval,
	}, engine, enc, gateway, log)

	// Experience buffer over the durable ledger.
	transitionRepo := experience.NewRepository(experienceDB, log)
	buffer := experience.NewBuffer(strategy.Buffer, transitionRepo, log)
	if err := buffer.Restore(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to restore experience buffer")
	}

	// Action sources: equal-weight warm-up until the first promotion.
	baseline := policy.NewEqualWeight(strategy.Universe, strategy.Constraints)
	active := policy.NewActive(baseline, log)
	learner := policy.NewSimulatedLearner(encoder.Dim(), strategy.Constraints)

	checkpointRepo := learning.NewCheckpointRepository(experienceDB, log)
	history := learning.NewCycleHistory(cacheDB)
	scheduler := learning.NewScheduler(
		strategy.Learning, strategy.Constraints,
		buffer, learner, learner,
		checkpointRepo, history, active, log,
	)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start update scheduler")
	}
	defer scheduler.Stop()

	// Parameter references do not survive the simulated learner's restart;
	// warm-up runs on the baseline until the next promotion.
	if promoted, err := checkpointRepo.Promoted(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to look up promoted checkpoint")
	} else if promoted != nil {
		log.Info().Str("version", promoted.VersionID).Msg("last promoted checkpoint on record")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.IngestionEnabled {
		startIngestion(ctx, cfg, store, log)
	} else {
		log.Info().Msg("ingestion disabled, running on stored events only")
	}

	startMaintenance(ctx, cfg, databases, log)

	runner := episode.NewRunner(env, active, buffer, scheduler,
		strategy.StartingCash, strategy.StepInterval, log)
	go runEpisodes(ctx, runner, strategy, log)

	handlers := server.NewHandlers(databases, env, checkpointRepo, transitionRepo, buffer, history, scheduler, log)
	srv := server.New(cfg.Port, cfg.DevMode, handlers, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}

func mustOpenDB(log zerolog.Logger, dataDir, name string, profile database.Profile) *database.DB {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("failed to migrate database")
	}
	return db
}

// startIngestion wires the data collaborators: an initial backfill, the
// live bar poller, and the websocket stream. Ingestion populates the event
// store asynchronously; environment steps never block on it.
func startIngestion(ctx context.Context, cfg *config.Config, store *eventstore.Store, log zerolog.Logger) {
	alpacaClient := alpaca.NewClient(cfg.AlpacaAPIKeyID, cfg.AlpacaAPISecretKey, "iex", log)
	pipeline := ingest.NewPipeline(
		alpacaClient,
		fred.NewClient(cfg.FredAPIKey, log),
		sec.NewClient(cfg.SECUserAgent, log),
		gdelt.NewClient(log),
		store,
		cfg.Strategy,
		log,
	)

	go func() {
		end := time.Now().UTC()
		if err := pipeline.Backfill(ctx, end.AddDate(0, 0, -30), end); err != nil {
			log.Error().Err(err).Msg("backfill incomplete")
		}
	}()

	if err := pipeline.StartPolling("@every 10m"); err != nil {
		log.Fatal().Err(err).Msg("failed to start live polling")
	}
	go func() {
		<-ctx.Done()
		pipeline.StopPolling()
	}()

	stream := alpaca.NewBarStream(
		cfg.AlpacaAPIKeyID, cfg.AlpacaAPISecretKey, "iex",
		cfg.Strategy.AllSymbols(), pipeline.HandleStreamBar, log,
	)
	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bar stream stopped")
		}
	}()
}

// startMaintenance schedules WAL checkpoints and, when a bucket is
// configured, nightly archival of the databases.
func startMaintenance(ctx context.Context, cfg *config.Config, databases []*database.DB, log zerolog.Logger) {
	var archiver *reliability.Archiver
	if cfg.ArchiveBucket != "" {
		s3Client, err := reliability.NewS3Client(ctx,
			cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey,
			cfg.ArchiveBucket, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create archive client")
		}
		archiver = reliability.NewArchiver(s3Client, databases, cfg.DataDir, log)
	}

	maintenance := reliability.NewMaintenance(databases, archiver, log)
	if err := maintenance.Start("@hourly", "0 3 * * *"); err != nil {
		log.Fatal().Err(err).Msg("failed to start maintenance")
	}
	go func() {
		<-ctx.Done()
		maintenance.Stop()
	}()
}

// runEpisodes runs grid-paced episodes until shutdown or a halt. Each
// episode starts a fresh portfolio, drops recurrent hidden state, and covers
// the most recent fully-knowable window; the loop waits for the next
// window's final execution bar before running again, so decisions never
// carry future timestamps.
func runEpisodes(ctx context.Context, runner *episode.Runner, strategy *config.Strategy, log zerolog.Logger) {
	interval := strategy.StepInterval
	steps := strategy.EpisodeSteps
	start := episode.LatestKnowableStart(time.Now().UTC(), steps, interval)

	for ctx.Err() == nil {
		if wait := time.Until(episode.KnowableAt(start, steps, interval)); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		summary, err := runner.Run(ctx, start, steps)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("episode aborted")
			// Back off before retrying so a persistent fault cannot spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			continue
		}
		log.Info().Str("episode", summary.EpisodeID).Float64("final_equity", summary.FinalEquity).Msg("episode complete")
		start = start.Add(time.Duration(steps) * interval)
	}
}
