package xferdisk

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// S3Sink uploads the disk id as a small object, for pipelines where the
// next step runs elsewhere.
type S3Sink struct {
	log      hclog.Logger
	uploader *manager.Uploader
	bucket   string
	key      string
}

func NewS3Sink(ctx context.Context, log hclog.Logger, bucket, key string, cfg *S3Config) (*S3Sink, error) {
	if cfg == nil {
		cfg = &S3Config{}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, func(lo *config.LoadOptions) error {
		if cfg.Region != "" {
			lo.Region = cfg.Region
		}

		if cfg.AccessKey != "" {
			lo.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading S3 configuration")
	}

	return newS3Sink(log, awsCfg, cfg.URL, bucket, key), nil
}

func newS3Sink(log hclog.Logger, awsCfg aws.Config, host, bucket, key string) *S3Sink {
	sc := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if host != "" {
			o.BaseEndpoint = &host
		}
	})

	return &S3Sink{
		log:      log.Named("s3"),
		uploader: manager.NewUploader(sc),
		bucket:   bucket,
		key:      key,
	}
}

func (s *S3Sink) WriteDiskID(ctx context.Context, id string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &s.key,
		Body:        strings.NewReader(id),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			return errors.Wrapf(err, "uploading disk id to s3://%s/%s (%s)", s.bucket, s.key, ae.ErrorCode())
		}

		return errors.Wrapf(err, "uploading disk id to s3://%s/%s", s.bucket, s.key)
	}

	s.log.Debug("uploaded disk id", "bucket", s.bucket, "key", s.key)

	return nil
}
