// Command vaultbackup is the CLI surface over the backup/restore core.
// It is a collaborator, not part of the core: it parses flags, wires the
// storage layer, and maps the programmatic API onto the exit codes
// spec.md §6 fixes (0 success, 1 user error, 2 runtime error, 3
// integrity failure).
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kluzzebass/vaultbackup/internal/backup"
	"github.com/kluzzebass/vaultbackup/internal/cbt"
	"github.com/kluzzebass/vaultbackup/internal/config"
	"github.com/kluzzebass/vaultbackup/internal/contentstore"
	"github.com/kluzzebass/vaultbackup/internal/logging"
	"github.com/kluzzebass/vaultbackup/internal/metadatastore"
	"github.com/kluzzebass/vaultbackup/internal/restore"
	"github.com/kluzzebass/vaultbackup/internal/scheduler"
)

const (
	exitSuccess   = 0
	exitUserErr   = 1
	exitRuntime   = 2
	exitIntegrity = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	var storageRoot string
	var logLevel string
	var debugComponent string

	rootCmd := &cobra.Command{
		Use:           "vaultbackup",
		Short:         "Content-addressed, chunk-deduplicating backup and restore engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if level, err := parseLevel(logLevel); err == nil {
				filterHandler.SetLevel("", level)
			}
			if debugComponent != "" {
				filterHandler.SetLevel(debugComponent, slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&storageRoot, "storage", "storage", "storage root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&debugComponent, "debug-component", "", "enable debug logging for one component")

	exitCode := exitSuccess
	setExit := func(code int) { exitCode = code }

	rootCmd.AddCommand(
		newBackupCmd(&storageRoot, logger, setExit),
		newRestoreCmd(&storageRoot, logger, setExit),
		newListSnapshotsCmd(&storageRoot, logger, setExit),
		newScheduleCmd(&storageRoot, logger, setExit),
		newTrackCmd(&storageRoot, logger, setExit),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultbackup:", err)
		if exitCode == exitSuccess {
			exitCode = exitUserErr
		}
	}
	return exitCode
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

func newBackupCmd(storageRoot *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	var opts backup.Options
	var incremental bool

	cmd := &cobra.Command{
		Use:   "backup <source-dir>",
		Short: "Back up a directory tree into a new snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolved(config.WithRoot(*storageRoot))

			content, metadata, cbtSvc, closeAll, err := openCore(cfg, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer closeAll()

			opts.Incremental = incremental
			svc := backup.New(content, metadata, cbtSvc, logger)
			result, err := svc.Backup(context.Background(), args[0], opts)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			if !result.Success {
				for _, fe := range result.Errors {
					fmt.Fprintln(os.Stderr, "vaultbackup: file error:", fe.Error())
				}
				if opts.VerifyIntegrity && !result.IntegrityVerified {
					setExit(exitIntegrity)
				} else {
					setExit(exitRuntime)
				}
				return fmt.Errorf("backup completed with errors: %s", result.Err)
			}

			fmt.Printf("snapshot %s: %d files, %d bytes, %s\n",
				result.SnapshotID, result.FileCount, result.TotalBytes, result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SnapshotName, "name", "", "snapshot name (default: auto-generated)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "snapshot description")
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 0, "chunk size in bytes (default 256 KiB)")
	cmd.Flags().BoolVar(&opts.VerifyIntegrity, "verify", false, "re-read every stored chunk after backup")
	cmd.Flags().StringSliceVar(&opts.IncludePatterns, "include", nil, "glob patterns to include")
	cmd.Flags().StringSliceVar(&opts.ExcludePatterns, "exclude", nil, "glob patterns to exclude")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "only back up files changed since the last snapshot (requires CBT)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of files processed concurrently")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "abort the whole backup on the first file error")

	return cmd
}

func newRestoreCmd(storageRoot *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	var opts restore.Options

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id> <target-dir>",
		Short: "Restore a snapshot into a target directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolved(config.WithRoot(*storageRoot))

			content, metadata, _, closeAll, err := openCore(cfg, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer closeAll()

			svc := restore.New(content, metadata, logger)
			result, err := svc.Restore(context.Background(), args[0], args[1], opts)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			if !result.Success {
				for _, fr := range result.Files {
					if fr.Status == restore.StatusFailed {
						fmt.Fprintln(os.Stderr, "vaultbackup: file error:", fr.Path, fr.Err)
					}
				}
				if opts.VerifyIntegrity && !result.IntegrityVerified {
					setExit(exitIntegrity)
				} else {
					setExit(exitRuntime)
				}
				return fmt.Errorf("restore completed with errors: %s", result.Err)
			}

			fmt.Printf("snapshot %s: %d restored, %d skipped, %s\n",
				result.SnapshotID, result.FilesRestored, result.FilesSkipped, result.Duration)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.OverwriteExisting, "overwrite", false, "overwrite existing files at the target")
	cmd.Flags().BoolVar(&opts.SkipExisting, "skip-existing", false, "skip files that already exist at the target")
	cmd.Flags().BoolVar(&opts.BackupExisting, "backup-existing", false, "rename existing files aside before overwriting")
	cmd.Flags().BoolVar(&opts.VerifyIntegrity, "verify", false, "re-hash every restored file after writing")
	cmd.Flags().BoolVar(&opts.PreserveAttributes, "preserve-attributes", true, "restore modified-time and permission bits")
	cmd.Flags().StringSliceVar(&opts.IncludePatterns, "include", nil, "glob patterns to include")
	cmd.Flags().StringSliceVar(&opts.ExcludePatterns, "exclude", nil, "glob patterns to exclude")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "perform lookups and pattern matching but write nothing")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of files restored concurrently")

	return cmd
}

func newListSnapshotsCmd(storageRoot *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "list-snapshots",
		Short: "List every finalized snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolved(config.WithRoot(*storageRoot))

			metadata, err := metadatastore.Open(cfg.MetadataPath, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer metadata.Close()

			snapshots, err := metadata.ListSnapshots(context.Background())
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			for _, snap := range snapshots {
				fmt.Printf("%s\t%s\t%s\t%d files\t%d bytes\t%s\n",
					snap.ID, snap.Name, snap.CreatedAt.Format(time.RFC3339), snap.FileCount, snap.TotalBytes, snap.ResolvedSourceRoot())
			}
			return nil
		},
	}
}

func newScheduleCmd(storageRoot *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	root := &cobra.Command{
		Use:   "schedule",
		Short: "Manage persistent interval-triggered backup schedules",
	}

	addCmd := &cobra.Command{
		Use:   "add <source-dir> <interval-minutes>",
		Short: "Create a new enabled schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			interval, err := parseIntervalMinutes(args[1])
			if err != nil {
				setExit(exitUserErr)
				return err
			}

			cfg := config.Resolved(config.WithRoot(*storageRoot))
			sched, closeSched, err := openScheduler(cfg, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer closeSched()

			sc, err := sched.Add(name, args[0], interval)
			if err != nil {
				setExit(exitUserErr)
				return err
			}
			fmt.Printf("schedule %s (%s) every %d minutes\n", sc.ID, sc.Name, sc.IntervalMinutes)
			return nil
		},
	}
	addCmd.Flags().String("name", "", "schedule name (default: auto-generated)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every persisted schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolved(config.WithRoot(*storageRoot))
			sched, closeSched, err := openScheduler(cfg, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer closeSched()

			for _, sc := range sched.List() {
				fmt.Printf("%s\t%s\t%s\tevery %d min\tenabled=%v\tlast_result=%s\n",
					sc.ID, sc.Name, sc.SourcePath, sc.IntervalMinutes, sc.Enabled, sc.LastResult)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolved(config.WithRoot(*storageRoot))
			sched, closeSched, err := openScheduler(cfg, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer closeSched()

			if err := sched.Delete(args[0]); err != nil {
				setExit(exitUserErr)
				return err
			}
			return nil
		},
	}

	root.AddCommand(addCmd, listCmd, deleteCmd)
	return root
}

// newTrackCmd runs the changed-block watcher for one source root in the
// foreground until interrupted. Registration and the dirty-file map are
// in-memory (journal-backed) per C9, so tracking only takes effect while
// this process (or one like it) is running; `backup --incremental` reads
// the durable journal independently of whether a tracker is currently up.
func newTrackCmd(storageRoot *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "track <source-dir>",
		Short: "Watch a directory tree and record changed-block events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Resolved(config.WithRoot(*storageRoot))

			_, _, cbtSvc, closeAll, err := openCore(cfg, logger)
			if err != nil {
				setExit(exitRuntime)
				return err
			}
			defer closeAll()

			if cbtSvc == nil {
				setExit(exitRuntime)
				return fmt.Errorf("CBT service unavailable")
			}
			if err := cbtSvc.EnableTracking(args[0]); err != nil {
				setExit(exitRuntime)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cbtSvc.Start(ctx)
			fmt.Printf("tracking %s (ctrl-c to stop)\n", args[0])
			<-ctx.Done()
			return nil
		},
	}
}

// openCore opens the content store, metadata store, and (best-effort) a
// CBT service rooted at cfg.StorageRoot/cbt, returning a single close
// function that releases everything it successfully opened.
func openCore(cfg config.Config, logger *slog.Logger) (*contentstore.Store, *metadatastore.Store, *cbt.Service, func(), error) {
	content, err := contentstore.Open(cfg.ChunksDir, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	metadata, err := metadatastore.Open(cfg.MetadataPath, logger)
	if err != nil {
		content.Close()
		return nil, nil, nil, nil, err
	}

	cbtSvc, err := cbt.Open(filepath.Join(cfg.StorageRoot, "cbt"), cfg.DebounceTimeout, logger)
	if err != nil {
		logger.Warn("CBT service unavailable, incremental backups will fail", "error", err)
		cbtSvc = nil
	}

	closeAll := func() {
		if cbtSvc != nil {
			cbtSvc.Close()
		}
		metadata.Close()
		content.Close()
	}
	return content, metadata, cbtSvc, closeAll, nil
}

func openScheduler(cfg config.Config, logger *slog.Logger) (*scheduler.Scheduler, func(), error) {
	content, metadata, cbtSvc, closeCore, err := openCore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	backupFunc := func(ctx context.Context, sourcePath string) error {
		svc := backup.New(content, metadata, cbtSvc, logger)
		result, err := svc.Backup(ctx, sourcePath, backup.Options{})
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("backup completed with errors: %s", result.Err)
		}
		return nil
	}

	sched, err := scheduler.Open(cfg.SchedulesPath, backupFunc, logger)
	if err != nil {
		closeCore()
		return nil, nil, err
	}
	if err := sched.Start(); err != nil {
		closeCore()
		return nil, nil, err
	}

	closeAll := func() {
		sched.Stop()
		closeCore()
	}
	return sched, closeAll, nil
}

func parseIntervalMinutes(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", n)
	}
	return n, nil
}
