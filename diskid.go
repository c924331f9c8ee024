package xferdisk

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// DiskIDSink receives the id of the created disk once the transfer has been
// finalized.
type DiskIDSink interface {
	WriteDiskID(ctx context.Context, id string) error
}

// FileSink writes the id, without a trailing newline, to a local file.
type FileSink struct {
	Path string
}

func (f *FileSink) WriteDiskID(ctx context.Context, id string) error {
	return errors.Wrapf(os.WriteFile(f.Path, []byte(id), 0644), "writing disk id")
}

// NewDiskIDSink picks the sink for path: s3://bucket/key uploads to S3,
// anything else is a local file.
func NewDiskIDSink(ctx context.Context, log hclog.Logger, path string, cfg *S3Config) (DiskIDSink, error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return &FileSink{Path: path}, nil
	}

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return nil, &ConfigError{Field: "disk_id_path", Reason: "s3 paths must be s3://bucket/key"}
	}

	return NewS3Sink(ctx, log, bucket, key, cfg)
}
