// Package backup snapshots the operation journal to disk.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
	"github.com/AvaProtocol/userop-sponsor/storage"
)

const (
	backupFileName = "journal-backup.db"
	// minute resolution, so two backups in the same minute share a directory
	timestampLayout = "06-01-02-15-04"
)

type Service struct {
	logger    sdklogging.Logger
	db        storage.Storage
	backupDir string

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

// NewService backs db up under backupDir. An empty backupDir places backups
// next to the journal, in <db path>-backup.
func NewService(log sdklogging.Logger, db storage.Storage, backupDir string) *Service {
	if backupDir == "" && db.DbPath() != "" {
		backupDir = filepath.Clean(db.DbPath()) + "-backup"
	}
	return &Service{
		logger:    logger.EnsureLogger(log),
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

func (s *Service) Dir() string {
	return s.backupDir
}

func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("backup service already running")
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.backupLoop(interval, s.stop, s.done)

	s.logger.Info("started periodic journal backup", "interval", interval, "dir", s.backupDir)
	return nil
}

// StopPeriodicBackup waits for an in-flight backup to finish.
func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("stopped periodic journal backup")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) backupLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if file, err := s.PerformBackup(context.Background()); err != nil {
				s.logger.Error("periodic journal backup failed", "error", err)
			} else {
				s.logger.Debug("periodic journal backup written", "file", file)
			}
		case <-stop:
			return
		}
	}
}

// PerformBackup writes a full backup under <backupDir>/<timestamp>/ and returns
// the file path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	dir := filepath.Join(s.backupDir, s.now().UTC().Format(timestampLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup timestamp directory: %w", err)
	}

	file := filepath.Join(dir, backupFileName)
	f, err := os.Create(file)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync backup file: %w", err)
	}

	s.logger.Info("journal backup completed", "db", s.db.DbPath(), "file", file)
	return file, nil
}

// Restore loads a file written by PerformBackup into db.
func Restore(ctx context.Context, db storage.Storage, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	if err := db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore %s: %w", file, err)
	}
	return nil
}
