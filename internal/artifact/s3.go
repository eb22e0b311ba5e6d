package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const uploadPartSize = 16 * 1024 * 1024

// Uploader is the subset of manager.Uploader used by S3Mirror.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Mirror saves weights locally and then copies the file to a bucket.
// The local file is kept either way, so an upload failure still leaves
// usable weights on disk.
type S3Mirror struct {
	local    LocalStore
	uploader Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
}

// NewS3Mirror builds a mirror using the default AWS credential chain.
func NewS3Mirror(ctx context.Context, local LocalStore, bucket, prefix string, logger *slog.Logger) (*S3Mirror, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})
	return NewS3MirrorWithUploader(local, uploader, bucket, prefix, logger), nil
}

// NewS3MirrorWithUploader builds a mirror around an existing uploader.
func NewS3MirrorWithUploader(local LocalStore, uploader Uploader, bucket, prefix string, logger *slog.Logger) *S3Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Mirror{local: local, uploader: uploader, bucket: bucket, prefix: prefix, logger: logger}
}

// SaveWeights writes the local file and uploads it.
func (m *S3Mirror) SaveWeights(ctx context.Context, run string, w WeightsSaver) (Location, error) {
	loc, err := m.local.SaveWeights(ctx, run, w)
	if err != nil {
		return loc, err
	}

	f, err := os.Open(loc.Path)
	if err != nil {
		return loc, fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()

	key := path.Join(m.prefix, WeightsFileName(run))
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/json"),
	}); err != nil {
		return loc, fmt.Errorf("upload weights to s3://%s/%s: %w", m.bucket, key, err)
	}

	loc.URI = fmt.Sprintf("s3://%s/%s", m.bucket, key)
	m.logger.Info("weights uploaded", "run", run, "uri", loc.URI)
	return loc, nil
}
