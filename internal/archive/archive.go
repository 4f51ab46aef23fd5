// Package archive pushes immutable checkpoints to an S3 bucket for
// off-site retention. Archived copies are write-once; nothing in the
// coordination layer ever reads them back, so this is not a second
// coordination surface.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	pipecfg "github.com/flowstate-io/flowstate/internal/config"
)

// ObjectPutter is the S3 surface the uploader needs. Narrowed for tests.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies checkpoint directories into a bucket.
type Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *slog.Logger
}

// New builds an Uploader from the archive configuration, using the
// ambient AWS credential chain.
func New(ctx context.Context, cfg pipecfg.ArchiveConfig, log *slog.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: no bucket configured")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

// NewWithClient wires an explicit client; used by tests.
func NewWithClient(client ObjectPutter, bucket, prefix string, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{client: client, bucket: bucket, prefix: prefix, log: log}
}

// PushCheckpoint uploads every file under the checkpoint directory to
// <prefix>/<id>/<relative path>. Returns the number of objects written.
func (u *Uploader) PushCheckpoint(ctx context.Context, checkpointDir, id string) (int, error) {
	root := filepath.Join(checkpointDir, id)
	if _, err := os.Stat(root); err != nil {
		return 0, fmt.Errorf("archive: checkpoint %q: %w", id, err)
	}

	uploaded := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		key := path.Join(u.prefix, id, filepath.ToSlash(rel))
		if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &u.bucket,
			Key:    &key,
			Body:   f,
		}); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("archive: push %q: %w", id, err)
	}
	u.log.Info("checkpoint archived", "id", id, "bucket", u.bucket, "objects", uploaded)
	return uploaded, nil
}
