package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestClassify verifies failure mapping into kinds.
func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"cancel", context.Canceled, KindCancelled},
		{"rate limit sentinel", ErrRateLimited, KindRateLimited},
		{"anything else", errors.New("connection reset"), KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify("osm", tc.err)
			require.Equal(t, tc.want, got.Kind)
			require.Equal(t, "osm", got.Source)
			require.ErrorIs(t, got, tc.err)
		})
	}
}

// TestClassifyPassthrough verifies pre-classified errors keep their kind and
// gain a source when missing.
func TestClassifyPassthrough(t *testing.T) {
	orig := NewSourceError("", KindAuth, errors.New("bad key"))
	got := Classify("serper", orig)
	require.Equal(t, KindAuth, got.Kind)
	require.Equal(t, "serper", got.Source)

	named := NewSourceError("companies_house", KindNotFound, nil)
	got = Classify("other", fmt.Errorf("wrapped: %w", named))
	require.Equal(t, KindNotFound, got.Kind)
	require.Equal(t, "companies_house", got.Source)
}

// TestKindSemantics verifies the retryable and fatal partitions.
func TestKindSemantics(t *testing.T) {
	require.True(t, KindTransient.Retryable())
	require.True(t, KindRateLimited.Retryable())
	require.False(t, KindTimeout.Retryable())
	require.False(t, KindAuth.Retryable())

	require.True(t, KindAuth.Fatal())
	require.True(t, KindNotFound.Fatal())
	require.True(t, KindMalformed.Fatal())
	require.False(t, KindTimeout.Fatal())
	require.False(t, KindTransient.Fatal())
	require.False(t, KindCancelled.Fatal())
}
