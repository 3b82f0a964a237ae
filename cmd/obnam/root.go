package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/obnamgo/obnam/filter/crypt"
	"github.com/obnamgo/obnam/filter/deflate"
	"github.com/obnamgo/obnam/fs/gcs"
	fsposix "github.com/obnamgo/obnam/fs/posix"
	s3fs "github.com/obnamgo/obnam/fs/s3"
	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/repo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// globalOptions holds every flag the core (repo, backup) reads
// directly, per spec.md §6.5. Subcommands that don't need a
// write session (show.go, nagios.go) still read the repository-opening
// subset of these.
type globalOptions struct {
	repository        string
	clientName        string
	checksumAlgorithm string
	chunkSize         int
	chunkCacheSize    int64
	checkpoint        int64
	deduplicate       string
	leaveCheckpoints  bool
	compressWith      string
	encryptPassphrase string
	oneFileSystem     bool
	exclude           []string
	excludeCaches     bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "obnam",
		Short:         "a deduplicating, content-addressed backup tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.repository, "repository", "", "path or URL (posix path, gcs://bucket/prefix, s3://bucket/prefix) of the backup repository")
	flags.StringVar(&opts.clientName, "client-name", "", "name of this client in the repository")
	flags.StringVar(&opts.checksumAlgorithm, "checksum-algorithm", "sha256", "checksum algorithm new repositories index chunks with")
	flags.IntVar(&opts.chunkSize, "chunk-size", 1<<20, "size in bytes of each chunk a file is split into")
	flags.Int64Var(&opts.chunkCacheSize, "chunk-cache-size", 64<<20, "size in bytes of the in-memory chunk bag read cache")
	flags.StringVar(&opts.deduplicate, "deduplicate", "fatalist", "deduplication policy: never, fatalist, or verify")
	flags.StringVar(&opts.compressWith, "compress-with", "", "compression filter for repository data: empty or deflate")
	flags.StringVar(&opts.encryptPassphrase, "encrypt-passphrase", os.Getenv("OBNAM_PASSPHRASE"), "passphrase to encrypt repository data with (default from OBNAM_PASSPHRASE)")
	_ = root.MarkPersistentFlagRequired("repository")

	root.AddCommand(
		newBackupCommand(opts),
		newClientsCommand(opts),
		newGenerationsCommand(opts),
		newGenidsCommand(opts),
		newLsCommand(opts),
		newDiffCommand(opts),
		newNagiosCommand(opts),
	)

	return root
}

func (o *globalOptions) dedupPolicy() (repo.DedupPolicy, error) {
	switch o.deduplicate {
	case "", "fatalist":
		return repo.DedupFatalist, nil
	case "never":
		return repo.DedupNever, nil
	case "verify":
		return repo.DedupVerify, nil
	default:
		return 0, errors.Errorf("obnam: unknown --deduplicate policy %q", o.deduplicate)
	}
}

// filters builds the onion of repository-data filters --compress-with
// and --encrypt-passphrase select, outermost first: data is compressed
// then encrypted on write, so it is decrypted then decompressed on
// read.
func (o *globalOptions) filters() ([]fsiface.Filter, error) {
	var filters []fsiface.Filter
	switch o.compressWith {
	case "", "none":
	case "deflate":
		filters = append(filters, deflate.Filter{})
	default:
		return nil, errors.Errorf("obnam: unknown --compress-with filter %q", o.compressWith)
	}
	if o.encryptPassphrase != "" {
		filters = append(filters, crypt.New(o.encryptPassphrase))
	}
	return filters, nil
}

// openTransport builds the raw fsiface.FS for --repository, dispatching
// on its URL scheme: gcs:// and s3:// for the object-storage backends,
// anything else treated as a local POSIX directory.
func openTransport(ctx context.Context, repository string) (fsiface.FS, error) {
	switch {
	case strings.HasPrefix(repository, "gcs://"):
		rest := strings.TrimPrefix(repository, "gcs://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "obnam: create GCS client")
		}
		return gcs.New(client, bucket, prefix), nil

	case strings.HasPrefix(repository, "s3://"):
		rest := strings.TrimPrefix(repository, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "obnam: load AWS config")
		}
		return s3fs.New(s3.NewFromConfig(cfg), bucket, prefix), nil

	default:
		return fsposix.New(repository), nil
	}
}

// openRepo opens the repository named by opts.repository, wrapping its
// transport in whatever filters --compress-with/--encrypt-passphrase
// select.
func (o *globalOptions) openRepo(ctx context.Context) (*repo.Repo, error) {
	if o.repository == "" {
		return nil, errors.New("obnam: --repository is required")
	}
	transport, err := openTransport(ctx, o.repository)
	if err != nil {
		return nil, err
	}
	filters, err := o.filters()
	if err != nil {
		return nil, err
	}
	var fs fsiface.FS = transport
	if len(filters) > 0 {
		fs = fsiface.NewFilteredFS(transport, filters...)
	}

	dedup, err := o.dedupPolicy()
	if err != nil {
		return nil, err
	}

	return repo.New(ctx, fs, repo.Config{
		MaxChunkSize:      uint64(o.chunkSize),
		ChunkCacheSize:    uint64(o.chunkCacheSize),
		MaxMetaBagSize:    1 << 20,
		MetaCacheSize:     1 << 20,
		ChecksumAlgorithm: o.checksumAlgorithm,
		Dedup:             dedup,
	})
}

// withLockRetry retries op a bounded number of times with exponential
// backoff when it fails with obnamerr.LockFail — another obnam process
// briefly holding the same lock — and gives up immediately on any
// other error.
func withLockRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, 10), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var lf obnamerr.LockFail
		if errors.As(err, &lf) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func clientNameRequired(o *globalOptions) error {
	if o.clientName == "" {
		return errors.New("obnam: --client-name is required")
	}
	return nil
}

// exitStatus is returned by commands (nagios-last-backup-age, backup)
// that need a specific process exit code instead of cobra's default
// "0 on nil, 1 on any error".
type exitStatus struct {
	code int
	err  error
}

func (e *exitStatus) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitStatus) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var es *exitStatus
	if errors.As(err, &es) {
		return es.code
	}
	return 1
}

func parseHumanAge(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("obnam: empty age")
	}
	unit := s[len(s)-1]
	mult := time.Second
	numPart := s
	switch unit {
	case 's':
		mult, numPart = time.Second, s[:len(s)-1]
	case 'm':
		mult, numPart = time.Minute, s[:len(s)-1]
	case 'h':
		mult, numPart = time.Hour, s[:len(s)-1]
	case 'd':
		mult, numPart = 24*time.Hour, s[:len(s)-1]
	default:
		mult, numPart = time.Hour, s
	}
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "obnam: bad age %q", s)
	}
	return time.Duration(n * float64(mult)), nil
}
