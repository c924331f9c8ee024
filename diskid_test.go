package xferdisk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestDiskIDSink(t *testing.T) {
	ctx := context.Background()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "sinktest",
		Level: hclog.Trace,
	})

	t.Run("writes the id to a local file", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "disk-id")

		sink, err := NewDiskIDSink(ctx, log, path, nil)
		r.NoError(err)
		r.IsType(&FileSink{}, sink)

		r.NoError(sink.WriteDiskID(ctx, "0b1c4f6e"))

		data, err := os.ReadFile(path)
		r.NoError(err)
		r.Equal("0b1c4f6e", string(data))
	})

	t.Run("picks s3 for s3 urls", func(t *testing.T) {
		r := require.New(t)

		sink, err := NewDiskIDSink(ctx, log, "s3://ids/runs/disk-id", &S3Config{
			Region:    "us-east-1",
			AccessKey: "admin",
			SecretKey: "password",
		})
		r.NoError(err)

		s3s, ok := sink.(*S3Sink)
		r.True(ok)
		r.Equal("ids", s3s.bucket)
		r.Equal("runs/disk-id", s3s.key)
	})

	t.Run("rejects incomplete s3 urls", func(t *testing.T) {
		r := require.New(t)

		for _, path := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
			_, err := NewDiskIDSink(ctx, log, path, nil)

			var ce *ConfigError
			r.ErrorAs(err, &ce, path)
		}
	})
}
