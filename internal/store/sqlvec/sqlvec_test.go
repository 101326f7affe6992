package sqlvec_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/store/sqlvec"
)

const dim = 4

func openStore(t *testing.T, dir string) store.Store {
	t.Helper()
	p := sqlvec.NewProvider(dir, zap.NewNop())
	st, err := p.OpenOrCreate("test", dim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fragment(path, id string, start int, vec []float32, text string) models.Fragment {
	return models.Fragment{
		ID:        id,
		Path:      path,
		Hash:      "hash-" + path,
		StartLine: start,
		EndLine:   start + 10,
		Kind:      models.KindFunction,
		Text:      text,
		Dense:     vec,
	}
}

func Test_Store_InsertAndVectorSearch(t *testing.T) {
	st := openStore(t, t.TempDir())
	ctx := context.Background()

	rows := []models.Fragment{
		fragment("/repo/a.py", "a1", 0, []float32{1, 0, 0, 0}, "def alpha(): pass"),
		fragment("/repo/b.py", "b1", 0, []float32{0, 1, 0, 0}, "def beta(): pass"),
	}
	require.NoError(t, st.InsertBatch(ctx, rows))

	hits, err := st.SearchVector(ctx, []float32{1, 0, 0, 0}, 2, "")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "/repo/a.py", hits[0].Fragment.Path)
	require.Greater(t, hits[0].Score, hits[len(hits)-1].Score-1e-9)
}

func Test_Store_PathPrefixFilter(t *testing.T) {
	st := openStore(t, t.TempDir())
	ctx := context.Background()

	var rows []models.Fragment
	for i := 0; i < 5; i++ {
		rows = append(rows,
			fragment("/repo/pkg/x.py", fmt.Sprintf("x%d", i), i*10, []float32{1, 0, 0, 0}, "x"),
			fragment("/other/y.py", fmt.Sprintf("y%d", i), i*10, []float32{1, 0, 0, 0}, "y"),
		)
	}
	require.NoError(t, st.InsertBatch(ctx, rows))

	hits, err := st.SearchVector(ctx, []float32{1, 0, 0, 0}, 10, "/repo/")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		require.Equal(t, "/repo/pkg/x.py", h.Fragment.Path)
	}
}

func Test_Store_ReplaceFileIsAtomic(t *testing.T) {
	st := openStore(t, t.TempDir())
	ctx := context.Background()

	old := []models.Fragment{
		fragment("/repo/a.py", "old1", 0, []float32{1, 0, 0, 0}, "old one"),
		fragment("/repo/a.py", "old2", 10, []float32{0, 1, 0, 0}, "old two"),
	}
	require.NoError(t, st.InsertBatch(ctx, old))

	updated := []models.Fragment{
		fragment("/repo/a.py", "new1", 0, []float32{0, 0, 1, 0}, "new one"),
	}
	require.NoError(t, st.ReplaceFile(ctx, "/repo/a.py", updated))

	paths, err := st.ListPaths(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	counts, err := st.CountByPath(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts["/repo/a.py"])

	// the old vectors must be gone too
	hits, err := st.SearchVector(ctx, []float32{1, 0, 0, 0}, 10, "")
	require.NoError(t, err)
	for _, h := range hits {
		require.Equal(t, "new1", h.Fragment.ID)
	}
}

func Test_Store_DeleteByPath(t *testing.T) {
	st := openStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, st.InsertBatch(ctx, []models.Fragment{
		fragment("/repo/a.py", "a1", 0, []float32{1, 0, 0, 0}, "a"),
		fragment("/repo/b.py", "b1", 0, []float32{0, 1, 0, 0}, "b"),
	}))
	require.NoError(t, st.DeleteByPath(ctx, "/repo/a.py"))

	paths, err := st.ListPaths(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, "/repo/b.py", paths[0].Path)

	hits, err := st.SearchVector(ctx, []float32{1, 0, 0, 0}, 10, "")
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "/repo/a.py", h.Fragment.Path)
	}
}

func Test_Store_DimensionMismatchRejected(t *testing.T) {
	st := openStore(t, t.TempDir())
	bad := fragment("/repo/a.py", "a1", 0, []float32{1, 0}, "short vector")
	err := st.InsertBatch(context.Background(), []models.Fragment{bad})
	require.Error(t, err)
}

func Test_Store_DimensionChangeRebuilds(t *testing.T) {
	dir := t.TempDir()
	p := sqlvec.NewProvider(dir, zap.NewNop())
	ctx := context.Background()

	st, err := p.OpenOrCreate("test", dim)
	require.NoError(t, err)
	require.NoError(t, st.InsertBatch(ctx, []models.Fragment{
		fragment("/repo/a.py", "a1", 0, []float32{1, 0, 0, 0}, "a"),
	}))
	require.NoError(t, st.Close())

	// reopening with a different model dimension drops and recreates
	st2, err := p.OpenOrCreate("test", dim*2)
	require.NoError(t, err)
	defer func() { _ = st2.Close() }()

	paths, err := st2.ListPaths(ctx)
	require.NoError(t, err)
	require.Empty(t, paths)

	vec := make([]float32, dim*2)
	vec[0] = 1
	require.NoError(t, st2.InsertBatch(ctx, []models.Fragment{
		fragment("/repo/a.py", "a1", 0, vec, "a"),
	}))
}

func Test_Store_FTSSearch(t *testing.T) {
	st := openStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, st.InsertBatch(ctx, []models.Fragment{
		fragment("/repo/auth.py", "a1", 0, []float32{1, 0, 0, 0}, "def validate_token(token): check bearer auth"),
		fragment("/repo/math.py", "m1", 0, []float32{0, 1, 0, 0}, "def add(a, b): return a + b"),
	}))
	require.NoError(t, st.CreateFTSIndex(ctx))
	require.NoError(t, st.CreateVectorIndex(ctx))

	hits, err := st.SearchFTS(ctx, "bearer auth", 5, "")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "/repo/auth.py", hits[0].Fragment.Path)
}

func Test_Store_FTSFollowsDeletes(t *testing.T) {
	st := openStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, st.InsertBatch(ctx, []models.Fragment{
		fragment("/repo/auth.py", "a1", 0, []float32{1, 0, 0, 0}, "bearer token check"),
	}))
	require.NoError(t, st.CreateFTSIndex(ctx))
	require.NoError(t, st.DeleteByPath(ctx, "/repo/auth.py"))

	hits, err := st.SearchFTS(ctx, "bearer", 5, "")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func Test_Provider_Drop(t *testing.T) {
	dir := t.TempDir()
	p := sqlvec.NewProvider(dir, zap.NewNop())
	st, err := p.OpenOrCreate("gone", dim)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, p.Drop("gone"))

	st2, err := p.OpenOrCreate("gone", dim)
	require.NoError(t, err)
	defer func() { _ = st2.Close() }()
	paths, err := st2.ListPaths(context.Background())
	require.NoError(t, err)
	require.Empty(t, paths)
}
