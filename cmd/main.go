package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/okian/kinship/internal/adapters/http/ops"
	"github.com/okian/kinship/internal/adapters/repository"
	app "github.com/okian/kinship/internal/app"
	"github.com/okian/kinship/internal/config"
	"github.com/okian/kinship/internal/domain/interest"
	"github.com/okian/kinship/internal/domain/match"
	"github.com/okian/kinship/internal/domain/merge"
	"github.com/okian/kinship/internal/domain/score"
	"github.com/okian/kinship/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}
	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		os.Stderr.WriteString("failed to open store: " + err.Error() + "\n")
		return
	}
	defer closeStore()

	scorer := score.New(
		score.WithDecayRate(cfg.DecayRate),
		score.WithSaturation(cfg.Saturation),
		score.WithTypeWeightsFromConfig(cfg.TypeWeights, cfg.DefaultTypeWeight),
	)
	engine := app.New(store,
		app.WithLogger(log),
		app.WithPartitionCount(cfg.PartitionCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithStoreRetries(cfg.StoreRetries),
		app.WithMatcher(match.New(
			match.WithThresholds(cfg.AutoMergeThreshold, cfg.ReviewThreshold),
			match.WithWeights(cfg.EmailWeight, cfg.PhoneWeight, cfg.NameWeight, cfg.CompanyWeight),
		)),
		app.WithResolver(merge.New(store,
			merge.WithTrust(merge.NewTrustFromConfig(cfg.SourceTrust, fieldTrustTable(cfg.FieldTrust))),
			merge.WithHalfLife(cfg.ProvenanceHalfLifeDays),
			merge.WithStatsCombiner(scorer),
		)),
		app.WithScorer(scorer),
		app.WithInterestEngine(interest.NewEngine(store,
			interest.WithAlpha(cfg.InterestAlpha),
			interest.WithDecayFactor(cfg.InterestDecayFactor),
			interest.WithArchiveFloor(cfg.InterestFloor),
		)),
	)
	if err := engine.Start(ctx); err != nil {
		os.Stderr.WriteString("failed to start engine: " + err.Error() + "\n")
		return
	}

	go runDecayLoop(ctx, log, engine, time.Duration(cfg.DecayIntervalMinutes)*time.Minute)

	mux := http.NewServeMux()
	ops.Register(mux, engine)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		log.Info(ctx, "starting operational HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			os.Stderr.WriteString("HTTP server failed: " + err.Error() + "\n")
		}
	}()

	<-ctx.Done()
	log.Info(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "HTTP shutdown incomplete", logger.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "engine shutdown incomplete", logger.Error(err))
	}
}

// openStore picks SQLite when a path is configured, the sharded
// in-memory store otherwise.
func openStore(cfg *config.Config) (repository.Store, func(), error) {
	if cfg.StorePath != "" {
		s, err := repository.OpenSQLite(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	s := repository.NewMemStore(repository.WithShardCount(cfg.ShardCount))
	return s, func() {}, nil
}

// fieldTrustTable expands flat "field.source" keys into the nested table
// the merge resolver consumes.
func fieldTrustTable(flat map[string]float64) map[string]map[string]float64 {
	table := make(map[string]map[string]float64)
	for key, w := range flat {
		parts := strings.SplitN(key, ".", 2)
		if len(parts) != 2 {
			continue
		}
		if table[parts[0]] == nil {
			table[parts[0]] = make(map[string]float64)
		}
		table[parts[0]][parts[1]] = w
	}
	return table
}

// runDecayLoop runs relationship and interest decay passes on a fixed
// interval until the context ends.
func runDecayLoop(ctx context.Context, log logger.Logger, engine *app.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			asOf := time.Now().UTC()
			if sum, err := engine.RecomputeDecay(ctx, asOf); err != nil {
				log.Warn(ctx, "relationship decay pass incomplete",
					logger.String("checkpoint", sum.Checkpoint), logger.Error(err))
			} else {
				log.Info(ctx, "relationship decay pass complete",
					logger.Int("processed", sum.Processed),
					logger.Int("updated", sum.Updated))
			}
			if sum, err := engine.DecayInterests(ctx, asOf); err != nil {
				log.Warn(ctx, "interest decay pass incomplete",
					logger.String("checkpoint", sum.Checkpoint), logger.Error(err))
			} else {
				log.Info(ctx, "interest decay pass complete",
					logger.Int("processed", sum.Processed),
					logger.Int("archived", sum.Archived))
			}
		}
	}
}
