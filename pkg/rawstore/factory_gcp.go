//go:build gcp

package rawstore

import (
	"context"

	"github.com/facetdata/facet/pkg/config"
)

func newGCS(ctx context.Context, cfg config.RawStoreConfig) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
