package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/store"
)

func minimalEntity(slug string) *entity.Entity {
	e := &entity.Entity{Slug: slug, Class: entity.ClassPlace}
	e.EntityName = "Alpha FC"
	e.City = "Edinburgh"
	e.Activities = []string{"football"}
	e.DiscoveredBy = []string{"osm"}
	e.UpdatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return e
}

func TestMemory_UpsertOverwritesSameSlug(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first := minimalEntity("alpha-fc-edinburgh-ab12")
	require.NoError(t, st.UpsertEntity(ctx, first))

	second := minimalEntity("alpha-fc-edinburgh-ab12")
	second.EntityName = "Alpha Football Club"
	require.NoError(t, st.UpsertEntity(ctx, second))

	all := st.Entities()
	require.Len(t, all, 1)
	assert.Equal(t, "Alpha Football Club", all[0].EntityName)
}

func TestMemory_GetEntityBySlug(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.UpsertEntity(ctx, minimalEntity("alpha-fc-edinburgh-ab12")))

	got, err := st.GetEntityBySlug(ctx, "alpha-fc-edinburgh-ab12")
	require.NoError(t, err)
	assert.Equal(t, "Alpha FC", got.EntityName)

	// Mutating the returned value must not leak into the store.
	got.EntityName = "Mangled"
	again, err := st.GetEntityBySlug(ctx, "alpha-fc-edinburgh-ab12")
	require.NoError(t, err)
	assert.Equal(t, "Alpha FC", again.EntityName)

	_, err = st.GetEntityBySlug(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_RawIngestionDedupe(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	a, err := st.InsertRawIngestion(ctx, ingestion("sha-a"))
	require.NoError(t, err)
	b, err := st.InsertRawIngestion(ctx, ingestion("sha-a"))
	require.NoError(t, err)
	c, err := st.InsertRawIngestion(ctx, ingestion("sha-b"))
	require.NoError(t, err)

	assert.Equal(t, a, b, "same payload hash resolves to the same row")
	assert.NotEqual(t, a, c)
}

func TestMemory_ExtractedAndFailures(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	id, err := st.InsertRawIngestion(ctx, ingestion("sha-a"))
	require.NoError(t, err)

	rec := &entity.Extracted{Source: "osm", Class: entity.ClassPlace}
	rec.EntityName = "Alpha FC"
	require.NoError(t, st.InsertExtracted(ctx, id, rec))
	require.NoError(t, st.InsertExtracted(ctx, id, rec))

	require.NoError(t, st.InsertFailedExtraction(ctx, store.FailedExtraction{
		RawIngestionID: id,
		RuleID:         "name",
		Kind:           "rule_error",
		Message:        "boom",
		OccurredAt:     time.Now(),
	}))

	assert.Equal(t, 2, st.ExtractedCount())
	require.Len(t, st.Failures(), 1)
	assert.Equal(t, "rule_error", st.Failures()[0].Kind)
}

func TestMemory_EntitiesSortedBySlug(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.UpsertEntity(ctx, minimalEntity("zebra-fc-glasgow-ff00")))
	require.NoError(t, st.UpsertEntity(ctx, minimalEntity("alpha-fc-edinburgh-ab12")))

	all := st.Entities()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha-fc-edinburgh-ab12", all[0].Slug)
	assert.Equal(t, "zebra-fc-glasgow-ff00", all[1].Slug)
}
