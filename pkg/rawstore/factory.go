package rawstore

import (
	"context"
	"fmt"
	"os"

	"github.com/facetdata/facet/pkg/config"
)

// New builds the lake backend selected by cfg.
func New(ctx context.Context, cfg config.RawStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("rawstore: s3 backend requires a bucket")
		}
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    region,
			Endpoint:  cfg.Endpoint,
			Prefix:    cfg.Prefix,
			PathStyle: cfg.PathStyle,
		})
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("rawstore: gcs backend requires a bucket")
		}
		return newGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("rawstore: unsupported backend %q", cfg.Backend)
	}
}
