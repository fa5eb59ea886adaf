package session

import (
	"context"
	"fmt"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/userop-sponsor/core/backup"
	"github.com/AvaProtocol/userop-sponsor/core/chainio"
	"github.com/AvaProtocol/userop-sponsor/core/config"
	"github.com/AvaProtocol/userop-sponsor/core/migrator"
	"github.com/AvaProtocol/userop-sponsor/metrics"
	"github.com/AvaProtocol/userop-sponsor/migrations"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
	"github.com/AvaProtocol/userop-sponsor/storage"
)

// Open dials every endpoint named in c and opens the journal. reg may be nil
// to disable metrics. Close releases everything Open acquired.
func Open(ctx context.Context, c *config.Config, reg prometheus.Registerer) (*Session, error) {
	log := logger.EnsureLogger(c.Logger)
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.RpcTimeout)
	defer cancel()

	ethClient, err := chainio.Dial(dialCtx, c.EthRpcUrl)
	if err != nil {
		return nil, err
	}
	closers = append(closers, ethClient.Close)

	bundlerClient, err := bundler.NewBundlerClient(c.BundlerUrl, c.EntrypointAddress, c.RpcTimeout, log)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, bundlerClient.Close)

	db, err := storage.New(&storage.Config{Path: c.DbPath, InMemory: c.DbPath == ""})
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, func() {
		if err := db.Close(); err != nil {
			log.Warn("cannot close journal", "error", err)
		}
	})

	if err := prepareJournal(ctx, c, db, log, &closers); err != nil {
		cleanup()
		return nil, err
	}

	cache, err := newReceiptCache(ctx)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, func() { _ = cache.Close() })

	var rec metrics.Recorder = metrics.NoopRecorder{}
	if reg != nil {
		rec = metrics.NewPipelineMetrics(reg)
	}

	s, err := New(dialCtx, Options{
		Config:  c,
		Chain:   ethClient,
		Bundler: bundlerClient,
		Journal: storage.NewJournal(db, log),
		Cache:   cache,
		Metrics: rec,
		Logger:  log,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	s.closers = closers
	return s, nil
}

// prepareJournal migrates an on-disk journal, backing it up first when a
// backup dir is configured, and starts periodic backups.
func prepareJournal(ctx context.Context, c *config.Config, db storage.Storage, log sdklogging.Logger, closers *[]func()) error {
	if c.DbPath == "" {
		return nil
	}

	var backups *backup.Service
	if c.BackupDir != "" {
		backups = backup.NewService(log, db, c.BackupDir)
	}
	if err := migrator.NewMigrator(db, backups, migrations.Migrations, log).Run(ctx); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}

	if backups != nil && c.BackupInterval > 0 {
		if err := backups.StartPeriodicBackup(c.BackupInterval); err != nil {
			return err
		}
		*closers = append(*closers, backups.StopPeriodicBackup)
	}
	return nil
}

func newReceiptCache(ctx context.Context) (*bigcache.BigCache, error) {
	cache, err := bigcache.New(ctx, bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 64,
		// mined receipts do not change, keep them for the life of a session
		LifeWindow:         120 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 10_000,
		// a receipt is a few hundred bytes of JSON
		MaxEntrySize:     512,
		HardMaxCacheSize: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot initialize receipt cache: %w", err)
	}
	return cache, nil
}
