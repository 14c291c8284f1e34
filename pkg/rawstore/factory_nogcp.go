//go:build !gcp

package rawstore

import (
	"context"
	"fmt"

	"github.com/facetdata/facet/pkg/config"
)

func newGCS(context.Context, config.RawStoreConfig) (Store, error) {
	return nil, fmt.Errorf("rawstore: gcs backend is not enabled in this build (use -tags gcp)")
}
