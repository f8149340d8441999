package knowledge_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/knowledge"
	"github.com/parlorhq/parlor/internal/testutil"
)

// unitVector returns a 768-dim unit vector pointing along the given axis mix.
// a and b weight the first two axes, everything else is zero.
func unitVector(a, b float64) []float32 {
	norm := math.Sqrt(a*a + b*b)
	vec := make([]float32, 768)
	vec[0] = float32(a / norm)
	vec[1] = float32(b / norm)
	return vec
}

func TestSearchRanksAndFilters(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()

	a, err := assistant.NewStore(pool).Create(ctx, &assistant.Assistant{
		Name: "default", Provider: "gemini", ModelName: "gemini-2.5-flash",
	})
	require.NoError(t, err)

	embedder := testutil.NewMockEmbedder(768)
	// Cosine similarities against the query: exact 1.0, close ~0.95,
	// unrelated 0.0 (below the 0.7 threshold).
	embedder.SetVector("refund policy question", unitVector(1, 0))
	embedder.SetVector("refunds are issued within 14 days", unitVector(1, 0))
	embedder.SetVector("refund requests go through support", unitVector(1, 0.33))
	embedder.SetVector("the office cafeteria opens at nine", unitVector(0, 1))

	store := knowledge.NewStore(pool, embedder.Register(testutil.NewGenkit(t)), testutil.DiscardLogger())

	for _, chunk := range []struct{ source, content string }{
		{"policy.md", "refunds are issued within 14 days"},
		{"support.md", "refund requests go through support"},
		{"facilities.md", "the office cafeteria opens at nine"},
	} {
		_, err := store.Add(ctx, a.ID, chunk.source, chunk.content)
		require.NoError(t, err)
	}

	chunks, err := store.Search(ctx, a.ID, "refund policy question", 5, 0.7)
	require.NoError(t, err)

	require.Len(t, chunks, 2, "chunk below the similarity threshold must be excluded")
	require.Equal(t, "policy.md", chunks[0].Source, "best match must rank first")
	require.Equal(t, "support.md", chunks[1].Source)
	require.Greater(t, chunks[0].Similarity, chunks[1].Similarity)
}

func TestSearchRespectsTopK(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()

	a, err := assistant.NewStore(pool).Create(ctx, &assistant.Assistant{
		Name: "default", Provider: "gemini", ModelName: "gemini-2.5-flash",
	})
	require.NoError(t, err)

	embedder := testutil.NewMockEmbedder(768)
	embedder.SetVector("q", unitVector(1, 0))

	store := knowledge.NewStore(pool, embedder.Register(testutil.NewGenkit(t)), testutil.DiscardLogger())

	contents := []string{"alpha", "beta", "gamma", "delta"}
	for _, c := range contents {
		embedder.SetVector(c, unitVector(1, 0))
		_, err := store.Add(ctx, a.ID, "doc.md", c)
		require.NoError(t, err)
	}

	chunks, err := store.Search(ctx, a.ID, "q", 2, 0.7)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}

func TestSearchEmptyCorpus(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()

	a, err := assistant.NewStore(pool).Create(ctx, &assistant.Assistant{
		Name: "default", Provider: "gemini", ModelName: "gemini-2.5-flash",
	})
	require.NoError(t, err)

	embedder := testutil.NewMockEmbedder(768)
	store := knowledge.NewStore(pool, embedder.Register(testutil.NewGenkit(t)), testutil.DiscardLogger())

	chunks, err := store.Search(ctx, a.ID, "anything", 5, 0.7)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
