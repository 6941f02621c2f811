// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
	"github.com/wal-e/wal-e-sub000/pkg/operator"
	"github.com/wal-e/wal-e-sub000/pkg/pipebuf"
	"github.com/wal-e/wal-e-sub000/pkg/pipeline"
	"github.com/wal-e/wal-e-sub000/pkg/process"
	"github.com/wal-e/wal-e-sub000/pkg/storage"
	"github.com/wal-e/wal-e-sub000/pkg/storage/filestore"
	"github.com/wal-e/wal-e-sub000/pkg/storage/gcsstore"
	"github.com/wal-e/wal-e-sub000/pkg/storage/s3store"
)

// Error is the command error class.
var Error = errs.Class("wal-e")

var (
	rootCmd = &cobra.Command{
		Use:   "wale",
		Short: "PostgreSQL WAL and base backup archiver",
	}
	backupPushCmd = &cobra.Command{
		Use:   "backup-push DATA_DIRECTORY [BACKUP_NAME]",
		Short: "Archive a base backup of the cluster directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  cmdBackupPush,
	}
	backupFetchCmd = &cobra.Command{
		Use:   "backup-fetch DATA_DIRECTORY BACKUP_NAME",
		Short: "Restore a base backup into the cluster directory, LATEST for the newest",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdBackupFetch,
	}
	backupListCmd = &cobra.Command{
		Use:   "backup-list",
		Short: "List completed base backups, oldest first",
		Args:  cobra.NoArgs,
		RunE:  cmdBackupList,
	}
	walPushCmd = &cobra.Command{
		Use:   "wal-push WAL_SEGMENT_PATH",
		Short: "Archive a WAL segment, intended for archive_command",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdWALPush,
	}
	walFetchCmd = &cobra.Command{
		Use:   "wal-fetch WAL_SEGMENT DESTINATION",
		Short: "Restore a WAL segment, intended for restore_command",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdWALFetch,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete retain COUNT",
		Short: "Delete base backups older than the newest COUNT",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdDelete,
	}

	confirm bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("prefix", "", "archive location, e.g. s3://bucket/cluster, gs://bucket/cluster or file:///srv/archive/cluster")
	flags.String("compress", "lzo", "compression codec: lzo, lz4, zstd or gzip")
	flags.Int("rate-limit", 0, "bound upload throughput in bytes per second, 0 for unlimited")
	flags.String("gpg-recipient", "", "encrypt archives to this gpg key")
	flags.String("age-recipient", "", "encrypt archives to this age recipient")
	flags.String("age-identity", "", "decrypt archives with this age identity")
	flags.Int("concurrency", 0, "simultaneous transfers, 0 for the default")
	flags.Int("pool-max-members", 0, "bound on archive members in flight during backup-push, 0 for the default")
	flags.Int64("partition-max-size", 0, "tar volume size bound in bytes, 0 for the default")
	flags.String("s3.endpoint", "s3.amazonaws.com", "S3-compatible endpoint host")
	flags.String("s3.region", "", "S3 region")
	flags.String("s3.access-key", "", "S3 access key, also read from AWS_ACCESS_KEY_ID")
	flags.String("s3.secret-key", "", "S3 secret key, also read from AWS_SECRET_ACCESS_KEY")
	flags.Bool("s3.insecure", false, "disable TLS to the S3 endpoint")

	backupPushCmd.Flags().String("stop-segment", "", "WAL segment reported by pg_stop_backup, recorded in the sentinel")
	backupPushCmd.Flags().Int("stop-offset", 0, "offset within the stop segment, recorded in the sentinel")

	deleteCmd.Flags().BoolVar(&confirm, "confirm", false, "actually delete; without it only report what would go")

	rootCmd.AddCommand(backupPushCmd)
	rootCmd.AddCommand(backupFetchCmd)
	rootCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(walPushCmd)
	rootCmd.AddCommand(walFetchCmd)
	rootCmd.AddCommand(deleteCmd)
}

// openOperator builds the storage backend and operator from the
// process configuration.
func openOperator(ctx context.Context, log *zap.Logger) (*operator.Operator, error) {
	prefix := viper.GetString("prefix")
	if prefix == "" {
		return nil, Error.Wrap(fault.New(
			"no archive prefix configured",
			"the archive location is unset",
		).WithHint("pass --prefix or set WALE_PREFIX, e.g. s3://bucket/cluster"))
	}
	u, err := url.Parse(prefix)
	if err != nil {
		return nil, Error.Wrap(fault.New(
			"unparsable archive prefix",
			err.Error()).WithHint("expected a URL like s3://bucket/cluster"))
	}

	var backend storage.Backend
	var container, keyPrefix string
	switch u.Scheme {
	case "s3":
		container = u.Host
		keyPrefix = strings.Trim(u.Path, "/")
		backend, err = s3store.New(s3store.Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			AccessKey: firstNonEmpty(viper.GetString("s3.access-key"), os.Getenv("AWS_ACCESS_KEY_ID")),
			SecretKey: firstNonEmpty(viper.GetString("s3.secret-key"), os.Getenv("AWS_SECRET_ACCESS_KEY")),
			Region:    viper.GetString("s3.region"),
			Secure:    !viper.GetBool("s3.insecure"),
		})
		if err != nil {
			return nil, err
		}
	case "gs":
		container = u.Host
		keyPrefix = strings.Trim(u.Path, "/")
		backend, err = gcsstore.New(ctx)
		if err != nil {
			return nil, err
		}
	case "file":
		dir := filepath.Clean(u.Path)
		container = filepath.Base(dir)
		backend = filestore.New(filepath.Dir(dir))
	default:
		return nil, Error.Wrap(fault.New(
			"unsupported archive prefix scheme",
			"scheme "+u.Scheme+" has no backend",
		).WithHint("supported schemes are s3, gs and file"))
	}

	codec, err := pipeline.ParseCodec(viper.GetString("compress"))
	if err != nil {
		return nil, err
	}

	return operator.New(log, backend, operator.Config{
		Container: container,
		Prefix:    keyPrefix,
		Pipeline: pipeline.Options{
			Buffer:    pipebuf.DetectConfig(),
			Codec:     codec,
			RateLimit: viper.GetInt("rate-limit"),
			Crypto: pipeline.Crypto{
				GPGRecipient: viper.GetString("gpg-recipient"),
				AgeRecipient: viper.GetString("age-recipient"),
				AgeIdentity:  viper.GetString("age-identity"),
			},
		},
		Concurrency:      viper.GetInt("concurrency"),
		PoolMaxMembers:   viper.GetInt("pool-max-members"),
		PartitionMaxSize: viper.GetInt64("partition-max-size"),
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func cmdBackupPush(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	op, err := openOperator(ctx, log)
	if err != nil {
		return err
	}

	name := "base_" + time.Now().UTC().Format("20060102T150405Z")
	if len(args) == 2 {
		name = args[1]
	}
	stop := operator.StopPosition{
		Segment: viper.GetString("stop-segment"),
		Offset:  viper.GetInt("stop-offset"),
	}
	return op.BackupPush(ctx, args[0], name, stop)
}

func cmdBackupFetch(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	op, err := openOperator(ctx, log)
	if err != nil {
		return err
	}

	name := args[1]
	if name == "LATEST" {
		names, err := op.BackupList(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return Error.Wrap(fault.New(
				"no base backups in the archive",
				"LATEST was requested but the archive holds no completed backup"))
		}
		name = names[len(names)-1]
	}
	return op.BackupFetch(ctx, args[0], name)
}

func cmdBackupList(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	op, err := openOperator(ctx, log)
	if err != nil {
		return err
	}

	names, err := op.BackupList(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := os.Stdout.WriteString(name + "\n"); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func cmdWALPush(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	op, err := openOperator(ctx, log)
	if err != nil {
		return err
	}

	segmentPath := args[0]
	return op.WALPush(ctx, filepath.Dir(segmentPath), filepath.Base(segmentPath))
}

func cmdWALFetch(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	op, err := openOperator(ctx, log)
	if err != nil {
		return err
	}

	return op.WALFetch(ctx, args[0], args[1])
}

func cmdDelete(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	op, err := openOperator(ctx, log)
	if err != nil {
		return err
	}

	if args[0] != "retain" {
		return Error.Wrap(fault.New(
			"unknown delete mode",
			"only 'delete retain COUNT' is supported"))
	}
	retain, err := parseRetain(args[1])
	if err != nil {
		return err
	}

	if !confirm {
		names, err := op.BackupList(ctx)
		if err != nil {
			return err
		}
		doomed := 0
		if len(names) > retain {
			doomed = len(names) - retain
		}
		for _, name := range names[:doomed] {
			log.Info("would delete base backup", zap.String("name", name))
		}
		log.Info("dry run complete, pass --confirm to delete",
			zap.Int("backups", len(names)),
			zap.Int("doomed", doomed))
		return nil
	}
	return op.Prune(ctx, retain)
}

func parseRetain(arg string) (int, error) {
	retain, err := strconv.Atoi(arg)
	if err != nil || retain < 0 {
		return 0, Error.Wrap(fault.New(
			"unparsable retain count",
			"expected a positive integer, got "+arg))
	}
	return retain, nil
}

func main() {
	process.Execute(rootCmd)
}
