// Package migrator applies one-off rewrites of the journal store, each exactly
// once.
package migrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/userop-sponsor/core/backup"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
	"github.com/AvaProtocol/userop-sponsor/storage"
)

// MigrationFunc rewrites db in place and returns how many records it touched.
type MigrationFunc func(db storage.Storage) (int, error)

// Migration names are recorded in the store and should be prefixed with a
// YYYYMMDD-HHMMSS timestamp so they sort in the order they were written.
type Migration struct {
	Name     string
	Function MigrationFunc
}

type Migrator struct {
	db         storage.Storage
	migrations []Migration
	backup     *backup.Service
	logger     sdklogging.Logger
	mu         sync.Mutex
}

// NewMigrator takes an optional backup service. When it is set, a full backup
// is written before any pending migration runs.
func NewMigrator(db storage.Storage, backup *backup.Service, migrations []Migration, log sdklogging.Logger) *Migrator {
	return &Migrator{
		db:         db,
		migrations: append([]Migration{}, migrations...),
		backup:     backup,
		logger:     logger.EnsureLogger(log),
	}
}

func (m *Migrator) Register(name string, fn MigrationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.migrations = append(m.migrations, Migration{Name: name, Function: fn})
}

func markerKey(name string) []byte {
	return []byte(fmt.Sprintf("migration:%s", name))
}

// Pending returns the names of migrations not applied yet, in run order.
func (m *Migrator) Pending() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending()
}

func (m *Migrator) pending() ([]string, error) {
	var names []string
	for _, migration := range m.migrations {
		done, err := m.db.Exist(markerKey(migration.Name))
		if err != nil {
			return nil, fmt.Errorf("check migration %s: %w", migration.Name, err)
		}
		if !done {
			names = append(names, migration.Name)
		}
	}
	return names, nil
}

// Run applies every pending migration and stops at the first failure. A
// failed migration is not marked, so it runs again next time.
func (m *Migrator) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if m.backup != nil {
		m.logger.Info("pending migrations found, backing up journal first", "count", len(pending))
		file, err := m.backup.PerformBackup(ctx)
		if err != nil {
			return fmt.Errorf("backup before migrations: %w", err)
		}
		m.logger.Info("journal backup written", "file", file)
	}

	for _, migration := range m.migrations {
		done, err := m.db.Exist(markerKey(migration.Name))
		if err != nil {
			return fmt.Errorf("check migration %s: %w", migration.Name, err)
		}
		if done {
			m.logger.Debug("migration already applied", "migration", migration.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		m.logger.Info("running migration", "migration", migration.Name)
		updated, err := migration.Function(m.db)
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
		m.logger.Info("migration completed", "migration", migration.Name, "records", updated)

		marker := fmt.Sprintf("records=%d,ts=%d", updated, time.Now().UnixMilli())
		if err := m.db.Set(markerKey(migration.Name), []byte(marker)); err != nil {
			return fmt.Errorf("mark migration %s complete: %w", migration.Name, err)
		}
	}
	return nil
}
