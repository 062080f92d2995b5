package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"offshoot/api/internal/config"
	"offshoot/api/internal/email"
	"offshoot/api/internal/fork"
	"offshoot/api/internal/gitrepo"
	"offshoot/api/internal/metrics"
	"offshoot/api/internal/search"
	"offshoot/api/internal/session"
	"offshoot/api/internal/store"
)

type backingStore interface {
	documentStore
	fork.ForkStore
}

// Runtime is a fully assembled Service with the resources it holds open.
type Runtime struct {
	Service *Service
	Metrics *metrics.Metrics
	Search  *search.Service

	closers []func() error
}

// Assemble opens every backing service named by cfg and wires them into a
// Service. Postgres migrations are applied on the way up.
func Assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Metrics: metrics.New()}

	var (
		backing  backingStore
		fallback search.Searcher
		loader   search.Loader
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; nothing survives a restart")
		backing = store.NewMemoryStore()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		if err := store.ApplyMigrations(ctx, db, store.MigrationsFS(cfg.MigrationsDir)); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		backing = store.NewPostgresStore(db)
		fts := search.NewPgFTS(db)
		fallback, loader = fts, fts
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("create revisions dir: %w", err)
	}
	revisions := gitrepo.New(cfg.ReposDir)

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, func() error { meili.Close(); return nil })
		index = meili
	}
	rt.Search = search.NewService(index, fallback, loader, logger)

	var revocations revocationStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, redisStore.Close)
		revocations = redisStore
	} else {
		revocations = session.NewMemoryStore()
	}

	disposal, err := fork.ParseDisposal(cfg.DisposalPolicy)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	repo := fork.NewRepository(backing, backing, fork.Options{
		Taxonomies:     cfg.Taxonomies,
		ReservedPrefix: cfg.ReservedPrefix,
		ForkableKinds:  cfg.ForkableKinds,
		Disposal:       disposal,
		PublicURL:      cfg.PublicURL,
		Logger:         logger,
		Indexer:        rt.Search,
		Notifier:       email.NewNotifier(mailer, cfg.SMTPFromName),
		Recorder:       rt.Metrics,
	})

	rt.Service = New(cfg, Deps{
		Documents:   backing,
		Forks:       repo,
		Merges:      fork.NewEngine(repo, revisions),
		Comparisons: fork.NewComparer(repo),
		Revocations: revocations,
		History:     revisions,
		Search:      rt.Search,
		Logger:      logger,
	})
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

// Migrate applies the schema without assembling the rest of the runtime.
func Migrate(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	if err := store.ApplyMigrations(ctx, db, store.MigrationsFS(cfg.MigrationsDir)); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}
