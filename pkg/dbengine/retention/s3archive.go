package retention

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

// S3ArchiveConfig configures the cold-tier archive-instead-of-delete
// path (SPEC_FULL.md supplemental feature 2). Grounded on the teacher's
// pkg/archive/parquet.S3TargetConfig/NewS3Target (same AWS config/
// credentials/client construction, generalized here from a single
// parquet-file upload to a datafile+journal pair upload).
type S3ArchiveConfig struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Archiver uploads a rotated-out datafile and its journal to S3
// before the local copy is deleted.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archiver(cfg S3ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("retention: S3 archiver: empty bucket name")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("retention: S3 archiver: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads d's datafile and journal files under prefix/tier/,
// then returns. It never deletes the local files: Tick's deleter runs
// unconditionally after Archive succeeds or fails.
func (a *S3Archiver) Archive(ctx context.Context, tier core.TierID, d DatafileInfo) error {
	for _, path := range []string{d.DatafilePath, d.JournalPath} {
		if path == "" {
			continue
		}
		if err := a.upload(ctx, tier, path); err != nil {
			return err
		}
	}
	return nil
}

func (a *S3Archiver) upload(ctx context.Context, tier core.TierID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("retention: S3 archiver: read %s: %w", path, err)
	}
	key := filepath.ToSlash(filepath.Join(a.prefix, fmt.Sprintf("tier-%d", tier), filepath.Base(path)))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("retention: S3 archiver: put object %q: %w", key, err)
	}
	return nil
}
