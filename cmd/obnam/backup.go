package main

import (
	"context"
	"fmt"

	backupdriver "github.com/obnamgo/obnam/backup"
	fsposix "github.com/obnamgo/obnam/fs/posix"
	"github.com/obnamgo/obnam/progress"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newBackupCommand(opts *globalOptions) *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "backup [ROOT]...",
		Short: "back up one or more directory trees into a new generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"/"}
			}
			if err := clientNameRequired(opts); err != nil {
				return err
			}
			return runBackup(cmd.Context(), opts, args, showProgress)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&opts.checkpoint, "checkpoint", 1<<30, "make a checkpoint generation after this many bytes are written")
	flags.BoolVar(&opts.leaveCheckpoints, "leave-checkpoints", false, "keep checkpoint generations after a successful backup instead of removing them")
	flags.BoolVar(&opts.oneFileSystem, "one-file-system", false, "don't cross filesystem (device) boundaries while scanning")
	flags.StringArrayVar(&opts.exclude, "exclude", nil, "regexp matching paths to exclude from the backup (may be repeated)")
	flags.BoolVar(&opts.excludeCaches, "exclude-caches", false, "exclude directories tagged with a CACHEDIR.TAG cache signature")
	flags.BoolVar(&showProgress, "progress", false, "show a live terminal progress display while backing up")

	return cmd
}

// runBackup opens the repository and runs one backup under a
// lock-contention retry (another obnam process may briefly hold the
// per-client lock), per-file errors included: the driver itself
// recovers those and still commits, so they only affect the process
// exit code.
func runBackup(ctx context.Context, opts *globalOptions, roots []string, showProgress bool) error {
	r, err := opts.openRepo(ctx)
	if err != nil {
		return err
	}

	// The live source tree a backup reads from is always a local POSIX
	// directory, independent of where --repository stores its data.
	src := fsposix.New("/")

	var reporter progress.Reporter = progress.NoOp()
	var live *progress.Live
	if showProgress {
		live = progress.NewLive()
		reporter = live
		go live.Run()
		defer live.Stop()
	}

	runner := backupdriver.NewRunner(r)
	cfg := backupdriver.Config{
		ClientName:        opts.clientName,
		Roots:             roots,
		ChunkSize:         opts.chunkSize,
		CheckpointBytes:   uint64(opts.checkpoint),
		LeaveCheckpoints:  opts.leaveCheckpoints,
		OneFileSystem:     opts.oneFileSystem,
		Exclude:           opts.exclude,
		ExcludeCaches:     opts.excludeCaches,
		ChecksumAlgorithm: opts.checksumAlgorithm,
	}

	var report progress.Report
	err = withLockRetry(ctx, func() error {
		var runErr error
		report, runErr = runner.Run(ctx, src, cfg, reporter)
		return runErr
	})
	if err != nil && !errors.Is(err, backupdriver.ErrHadErrors) {
		return err
	}

	fmt.Println(report.String())
	if report.HadErrors {
		return &exitStatus{code: 1, err: backupdriver.ErrHadErrors}
	}
	return nil
}
