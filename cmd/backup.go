package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-sponsor/core/backup"
	appconfig "github.com/AvaProtocol/userop-sponsor/core/config"
	"github.com/AvaProtocol/userop-sponsor/storage"
)

var (
	backupDir      string
	backupInterval time.Duration
	dbPath         string
	restoreFile    string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Back up the operation journal",
		Long: `Back up the operation journal to a directory.

Backups are stored as <dir>/yy-mm-dd-hh-mm/journal-backup.db. --db-path and
--dir default to db_path and backup_dir from the config file. With --interval
the command keeps running and backs up periodically until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveJournalPaths(true); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBackup(ctx, cmd, dbPath, backupDir, backupInterval)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore the operation journal from a backup file",
		Long: `Restore the operation journal from a file written by "backup".

Stop any running "serve" first, the journal can only be opened once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveJournalPaths(false); err != nil {
				return err
			}
			return runRestore(cmd.Context(), cmd, dbPath, restoreFile)
		},
	}
)

// resolveJournalPaths fills unset flags from the config file.
func resolveJournalPaths(needBackupDir bool) error {
	if dbPath != "" && (backupDir != "" || !needBackupDir) {
		return nil
	}
	c, err := appconfig.NewConfig(config)
	if err != nil {
		return fmt.Errorf("cannot load config %s, pass --db-path and --dir instead: %w", config, err)
	}
	if dbPath == "" {
		dbPath = c.DbPath
	}
	if backupDir == "" {
		backupDir = c.BackupDir
	}
	if dbPath == "" {
		return fmt.Errorf("no journal to back up: db_path is empty")
	}
	if needBackupDir && backupDir == "" {
		return fmt.Errorf("no backup directory: pass --dir or set backup_dir")
	}
	return nil
}

func runBackup(ctx context.Context, cmd *cobra.Command, dbPath, dir string, interval time.Duration) error {
	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	service := backup.NewService(nil, db, dir)
	file, err := service.PerformBackup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", file)
	if interval <= 0 {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backing up every %s, interrupt to stop\n", interval)
	if err := service.StartPeriodicBackup(interval); err != nil {
		return err
	}
	<-ctx.Done()
	service.StopPeriodicBackup()
	return nil
}

func runRestore(ctx context.Context, cmd *cobra.Command, dbPath, file string) error {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := backup.Restore(ctx, db, file); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s\n", file, dbPath)
	return nil
}

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "Journal directory, defaults to db_path")
	backupCmd.Flags().StringVar(&backupDir, "dir", "", "Backup directory, defaults to backup_dir")
	backupCmd.Flags().DurationVar(&backupInterval, "interval", 0, "Back up periodically, 0 for a one-time backup")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "Journal directory, defaults to db_path")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
