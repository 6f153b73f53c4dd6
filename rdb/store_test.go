package rdb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/metrics"
	"golang.org/x/sync/errgroup"
)

func TestCreateThenFind(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})

	var ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("1:/a", true).
			Set("prop", "value").
			Set(document.Modified, 100).
			SetMapEntry("m", "r1", "one"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	var expect = map[string]interface{}{
		document.ID:       "1:/a",
		document.ModCount: int64(1),
		document.Modified: int64(100),
		"prop":            "value",
		"m":               map[string]interface{}{"r1": "one"},
	}
	doc, err := s.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	assert.Equal(t, expect, doc.Map())
	assert.True(t, doc.IsSealed())
	assert.Same(t, doc, s.GetIfCached(document.Nodes, "1:/a"))

	// A forced read from storage produces an equivalent document.
	doc, err = s.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	assert.Equal(t, expect, doc.Map())

	// Absent documents are nil, and are negatively cached.
	doc, err = s.Find(ctx, document.Nodes, "1:/missing", Forever)
	require.NoError(t, err)
	assert.Nil(t, doc)
	_, ok = s.cache.get("1:/missing")
	assert.True(t, ok)
}

func TestCreateFailures(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{ChunkSize: 2})

	var ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("1:/a", true),
		document.NewUpdateOp("1:/b", true),
		document.NewUpdateOp("1:/c", true),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// The first chunk commits, and the second fails as "1:/c" exists.
	ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("1:/d", true),
		document.NewUpdateOp("1:/e", true),
		document.NewUpdateOp("1:/c", true),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	docs, err := s.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"1:/a", "1:/b", "1:/c", "1:/d", "1:/e"}, ids(docs))

	// An op which doesn't produce its own id is an integrity violation.
	_, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("1:/f", false).Set("p", "v"),
	})
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestQueryRangeAndIndexedProperties(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})

	var ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("b", true).Set(document.Modified, 10),
		document.NewUpdateOp("c", true).Set(document.Modified, 20).
			Set(document.HasBinaryFlag, document.HasBinaryVal),
		document.NewUpdateOp("d", true).Set(document.Modified, 30).
			Set(document.DeletedOnce, true),
	})
	require.NoError(t, err)
	require.True(t, ok)

	docs, err := s.Query(ctx, document.Nodes, "a", "z", "", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(docs))

	// Bounds are exclusive.
	docs, err = s.Query(ctx, document.Nodes, "b", "d", "", 0, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(docs))

	docs, err = s.Query(ctx, document.Nodes, "a", "z", document.Modified, 20, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(docs))

	docs, err = s.Query(ctx, document.Nodes, "a", "z", document.HasBinaryFlag, document.HasBinaryVal, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(docs))
	assert.True(t, docs[0].HasBinary())

	docs, err = s.Query(ctx, document.Nodes, "a", "z", document.DeletedOnce, 1, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(docs))
	assert.True(t, docs[0].IsDeletedOnce())

	_, err = s.Query(ctx, document.Nodes, "a", "z", "other", 1, NoLimit)
	assert.True(t, errors.Is(err, ErrUnsupportedQuery))
	_, err = s.Query(ctx, document.Nodes, "a", "z", document.HasBinaryFlag, 2, NoLimit)
	assert.True(t, errors.Is(err, ErrUnsupportedQuery))
	_, err = s.Query(ctx, document.Nodes, "a", "z", document.DeletedOnce, 0, NoLimit)
	assert.True(t, errors.Is(err, ErrUnsupportedQuery))
}

func TestQueryDoesNotReplaceNewerCachedDocument(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	var a = newTestStore(t, db, Options{})
	var b = newTestStore(t, db, Options{})

	createDocs(t, a, document.Nodes, "1:/a")
	var cached, err = a.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)

	// A query of an unchanged row returns the cached instance.
	docs, err := a.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
	require.NoError(t, err)
	assert.Same(t, cached, docs[0])

	// A query of a newer row replaces it.
	_, err = b.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", false).Set("p", "new"))
	require.NoError(t, err)

	docs, err = a.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, int64(2), docs[0].ModCount())
	assert.Same(t, docs[0], a.GetIfCached(document.Nodes, "1:/a"))
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})
	createDocs(t, s, document.Nodes, "1:/a")

	const workers, rounds = 4, 5
	var grp, gctx = errgroup.WithContext(ctx)

	for w := 0; w != workers; w++ {
		grp.Go(func() error {
			for r := 0; r != rounds; r++ {
				var op = document.NewUpdateOp("1:/a", false).Increment("counter", 1)
				if prev, err := s.FindAndUpdate(gctx, document.Nodes, op); err != nil {
					return err
				} else if prev == nil {
					return errors.New("expected a prior document")
				}
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())

	var doc, err = s.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	var n, _ = doc.Int("counter")
	assert.Equal(t, int64(workers*rounds), n)
	assert.Equal(t, int64(1+workers*rounds), doc.ModCount())
}

func TestQueryRevalidatesCachedDocuments(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})
	createDocs(t, s, document.Nodes, "1:/a", "1:/b")

	require.Equal(t, 2, s.InvalidateCache())
	var loads = s.CacheStats().Loads

	// Rows of an unchanged modCount re-validate their cached documents.
	var docs, err = s.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	for _, expect := range docs {
		var doc, err = s.Find(ctx, document.Nodes, expect.ID(), time.Hour)
		require.NoError(t, err)
		assert.Same(t, expect, doc)
	}
	assert.Equal(t, loads, s.CacheStats().Loads)

	// Queries racing updates never leave an older document cached.
	const rounds = 10
	var grp, gctx = errgroup.WithContext(ctx)

	for w := 0; w != 2; w++ {
		grp.Go(func() error {
			for r := 0; r != rounds; r++ {
				var op = document.NewUpdateOp("1:/a", false).Increment("counter", 1)
				if _, err := s.FindAndUpdate(gctx, document.Nodes, op); err != nil {
					return err
				}
			}
			return nil
		})
		grp.Go(func() error {
			for r := 0; r != rounds; r++ {
				if _, err := s.Query(gctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())

	cached, err := s.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	stored, err := s.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	assert.Equal(t, stored.Map(), cached.Map())
	assert.Equal(t, int64(1+2*rounds), stored.ModCount())
}

func TestUpdatesAcrossStoresAreReconciled(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	var a = newTestStore(t, db, Options{})
	var b = newTestStore(t, db, Options{})
	createDocs(t, a, document.Nodes, "1:/a")

	// Both Stores cache the document at modCount 1.
	for _, s := range []*Store{a, b} {
		var doc, err = s.Find(ctx, document.Nodes, "1:/a", Forever)
		require.NoError(t, err)
		require.Equal(t, int64(1), doc.ModCount())
	}
	var inc = func(s *Store) {
		var prev, err = s.FindAndUpdate(ctx, document.Nodes,
			document.NewUpdateOp("1:/a", false).Increment("counter", 1))
		require.NoError(t, err)
		require.NotNil(t, prev)
	}
	var retries = testutil.ToFloat64(metrics.UpdateRetriesTotal)

	var loads = a.CacheStats().Loads

	inc(b)
	inc(a) // Fails against its stale cached base, and retries.

	assert.Equal(t, retries+1, testutil.ToFloat64(metrics.UpdateRetriesTotal))
	assert.Equal(t, loads+1, a.CacheStats().Loads)

	// The stale entry was replaced by the re-read document, and then by the
	// result of the retried update.
	var cached = a.GetIfCached(document.Nodes, "1:/a")
	require.NotNil(t, cached)
	assert.Equal(t, int64(3), cached.ModCount())

	for _, s := range []*Store{a, b} {
		var doc, err = s.Find(ctx, document.Nodes, "1:/a", 0)
		require.NoError(t, err)
		var n, _ = doc.Int("counter")
		assert.Equal(t, int64(2), n)
		assert.Equal(t, int64(3), doc.ModCount())
	}
}

func TestExhaustedRetriesAreAConflict(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	var s = newTestStore(t, db, Options{})
	createDocs(t, s, document.Nodes, "1:/a")

	// Silently skip all updates of the row.
	var _, err = db.ExecContext(ctx, `CREATE TRIGGER ignore_updates BEFORE UPDATE ON NODES
		WHEN OLD.ID = '1:/a' BEGIN SELECT RAISE(IGNORE); END`)
	require.NoError(t, err)

	var conflicts = testutil.ToFloat64(metrics.UpdateConflictsTotal)

	_, err = s.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", false).Set("p", "v"))
	assert.True(t, errors.Is(err, ErrConflict), "%v", err)
	assert.Equal(t, conflicts+1, testutil.ToFloat64(metrics.UpdateConflictsTotal))

	var doc, _ = s.Find(ctx, document.Nodes, "1:/a", 0)
	assert.Equal(t, int64(1), doc.ModCount())
}

func TestCreateOrUpdateAndFindAndUpdate(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})

	// Creation returns no prior document.
	var prev, err = s.CreateOrUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", true).Set("p", "one"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = s.CreateOrUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", true).Set("p", "two"))
	require.NoError(t, err)
	assert.Equal(t, "one", prev.Map()["p"])
	assert.Equal(t, int64(1), prev.ModCount())

	// A non-new op of a missing document is an error.
	_, err = s.CreateOrUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/b", false).Set("p", "v"))
	assert.True(t, errors.Is(err, ErrNotFound))

	// Conditions can't be honored, and are refused rather than ignored.
	_, err = s.CreateOrUpdate(ctx, document.Nodes,
		document.NewUpdateOp("1:/a", true).Equals("p", "other").Set("p", "cond"))
	assert.True(t, errors.Is(err, ErrConditional), "%v", err)
	doc, err := s.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	assert.Equal(t, "two", doc.Map()["p"])

	// FindAndUpdate doesn't create.
	prev, err = s.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/b", true).Set("p", "v"))
	require.NoError(t, err)
	assert.Nil(t, prev)
	doc, err = s.Find(ctx, document.Nodes, "1:/b", 0)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// Conditions which don't hold leave the document unchanged.
	prev, err = s.FindAndUpdate(ctx, document.Nodes,
		document.NewUpdateOp("1:/a", false).Equals("p", "one").Set("p", "three"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = s.FindAndUpdate(ctx, document.Nodes,
		document.NewUpdateOp("1:/a", false).Equals("p", "two").Set("p", "three"))
	require.NoError(t, err)
	require.NotNil(t, prev)

	doc, err = s.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	assert.Equal(t, "three", doc.Map()["p"])
	assert.Equal(t, int64(3), doc.ModCount())
}

func TestCreateOrUpdateRacingAnotherCreator(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	var a = newTestStore(t, db, Options{})
	var b = newTestStore(t, db, Options{})

	// |a| caches the document as absent, and then |b| creates it.
	var doc, err = a.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	require.Nil(t, doc)
	createDocs(t, b, document.Nodes, "1:/a")

	// |a|'s insert fails, and it falls back to an update.
	prev, err := a.CreateOrUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", true).Increment("n", 1))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, int64(1), prev.ModCount())

	doc, err = b.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.ModCount())
}

func TestFindMaxAge(t *testing.T) {
	defer func(f func() time.Time) { timeNow = f }(timeNow)
	var now = time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }

	var ctx = context.Background()
	var db = newTestDB(t)
	var a = newTestStore(t, db, Options{})
	var b = newTestStore(t, db, Options{})
	createDocs(t, a, document.Nodes, "1:/a", "1:/b")

	var cached, err = a.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	cachedB, err := a.Find(ctx, document.Nodes, "1:/b", Forever)
	require.NoError(t, err)

	_, err = b.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", false).Set("p", "v"))
	require.NoError(t, err)

	// Sufficiently fresh entries are used, though storage has changed.
	doc, err := a.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	assert.Same(t, cached, doc)
	doc, err = a.Find(ctx, document.Nodes, "1:/a", time.Minute)
	require.NoError(t, err)
	assert.Same(t, cached, doc)

	// Once entries age, they're revalidated.
	now = now.Add(2 * time.Minute)

	doc, err = a.Find(ctx, document.Nodes, "1:/a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.ModCount())
	assert.Equal(t, "v", doc.Map()["p"])

	// An unchanged document is revalidated without re-parsing its row.
	doc, err = a.Find(ctx, document.Nodes, "1:/b", time.Minute)
	require.NoError(t, err)
	assert.Same(t, cachedB, doc)

	// Zero maxAge always reads through.
	_, err = b.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/b", false).Set("p", "v"))
	require.NoError(t, err)
	doc, err = a.Find(ctx, document.Nodes, "1:/b", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.ModCount())

	// Invalidated entries are revalidated, regardless of maxAge.
	_, err = b.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/b", false).Set("p", "w"))
	require.NoError(t, err)
	a.InvalidateCacheEntry(document.Nodes, "1:/b")

	doc, err = a.Find(ctx, document.Nodes, "1:/b", Forever)
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.ModCount())

	_, err = b.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/b", false).Set("p", "x"))
	require.NoError(t, err)
	assert.Equal(t, 2, a.InvalidateCache())

	doc, err = a.Find(ctx, document.Nodes, "1:/b", Forever)
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc.ModCount())

	var stats = a.CacheStats()
	assert.Equal(t, 2, stats.Entries)
	assert.True(t, stats.Hits > 0)
	assert.True(t, stats.Loads > 0)
	assert.True(t, stats.Invalidations >= 3)
}

func TestAppendOverflowFallsBackToRewrite(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	// Documents of 100 or more characters are stored in BDATA.
	var s = newTestStore(t, db, Options{DataOctets: 300})
	require.Equal(t, 300, s.dataOctets)

	var ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("1:/a", true).Set("p0", "x"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	var overflows = testutil.ToFloat64(metrics.RewriteFallbacksTotal.WithLabelValues(metrics.Overflow))
	var expect = map[string]interface{}{"p0": "x"}

	for i := 1; i != 9; i++ {
		var name, value = "p" + string(rune('0'+i)), strings.Repeat("v", 40)
		expect[name] = value

		var prev, err = s.FindAndUpdate(ctx, document.Nodes, document.NewUpdateOp("1:/a", false).Set(name, value))
		require.NoError(t, err)
		require.NotNil(t, prev)
	}
	assert.Equal(t, overflows+1, testutil.ToFloat64(metrics.RewriteFallbacksTotal.WithLabelValues(metrics.Overflow)))

	// The row was rewritten into BDATA, and further deltas were appended.
	var data string
	var bdata []byte
	require.NoError(t, db.QueryRowContext(ctx, "select DATA, BDATA from NODES where ID = ?", "1:/a").Scan(&data, &bdata))
	assert.True(t, strings.HasPrefix(data, `"blob",`), data)
	assert.NotEmpty(t, bdata)

	// Documents read from storage are unchanged.
	var fresh = newTestStore(t, db, Options{})
	doc, err := fresh.Find(ctx, document.Nodes, "1:/a", 0)
	require.NoError(t, err)
	expect[document.ID] = "1:/a"
	expect[document.ModCount] = int64(9)
	assert.Equal(t, expect, doc.Map())

	cached, err := s.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	assert.Equal(t, doc.Map(), cached.Map())
}

func TestPeriodicFullRewrite(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	var s = newTestStore(t, db, Options{FullRewriteInterval: 4})
	createDocs(t, s, document.Nodes, "1:/a")

	var rowData = func() string {
		var data string
		require.NoError(t, db.QueryRowContext(ctx, "select DATA from NODES where ID = ?", "1:/a").Scan(&data))
		return data
	}
	var update = func(i int) {
		var _, err = s.FindAndUpdate(ctx, document.Nodes,
			document.NewUpdateOp("1:/a", false).Increment("n", 1).Max(document.Modified, int64(i)))
		require.NoError(t, err)
	}

	update(1) // modCount 2: appended.
	update(2) // modCount 3: appended.
	assert.Equal(t, `{},[["+","n",1]],[["+","n",1]]`, rowData())

	update(3) // modCount 4: rewritten.
	assert.Equal(t, `{"n":3}`, rowData())

	update(4) // modCount 5: appended.
	assert.Equal(t, `{"n":3},[["+","n",1]]`, rowData())

	var modified int64
	require.NoError(t, db.QueryRowContext(ctx, "select MODIFIED from NODES where ID = ?", "1:/a").Scan(&modified))
	assert.Equal(t, int64(4), modified)
}

func TestUpdateManyBatchesAppends(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{ChunkSize: 2})
	createDocs(t, s, document.Nodes, "1:/a", "1:/b", "1:/c")

	// Evict "1:/b", leaving the others cached.
	s.cache.remove("1:/b")

	var op = document.NewUpdateOp("", false).
		Increment("n", 1).
		Max(document.Modified, 500).
		SetMapEntry(document.Collisions, "r1", "c")

	// "1:/missing" fails its chunk's batch, which falls back to individual
	// updates without applying the op twice.
	var err = s.Update(ctx, document.Nodes, []string{"1:/a", "1:/b", "1:/c", "1:/missing"}, op)
	require.NoError(t, err)

	for _, id := range []string{"1:/a", "1:/b", "1:/c"} {
		var doc, err = s.Find(ctx, document.Nodes, id, Forever)
		require.NoError(t, err)

		var n, _ = doc.Int("n")
		var mod, _ = doc.Int(document.Modified)
		var cmod, _ = doc.Int(document.CollisionsModCount)
		assert.Equal(t, int64(1), n, id)
		assert.Equal(t, int64(500), mod, id)
		assert.Equal(t, int64(1), cmod, id)
		assert.Equal(t, int64(2), doc.ModCount(), id)
		assert.Equal(t, "c", doc.Map()[document.Collisions].(map[string]interface{})["r1"], id)
	}
	doc, err := s.Find(ctx, document.Nodes, "1:/missing", 0)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// Conditional updates are applied individually.
	require.NoError(t, s.Update(ctx, document.Nodes, []string{"1:/a", "1:/b"},
		document.NewUpdateOp("", false).Equals("n", 1).Set("p", "v")))

	docs, err := s.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
	require.NoError(t, err)
	for _, doc := range docs {
		assert.Equal(t, doc.ID() != "1:/c", doc.Map()["p"] == "v", doc.ID())
	}
}

func TestUpdateManyColumnChanges(t *testing.T) {
	var ctx = context.Background()

	for _, tc := range []struct {
		name        string
		op          *document.UpdateOp
		batched     bool
		deletedOnce bool
		binary      bool
		modified    interface{}
	}{
		{
			name: "flags",
			op: document.NewUpdateOp("", false).
				Set(document.DeletedOnce, true).
				Set(document.HasBinaryFlag, document.HasBinaryVal),
			deletedOnce: true,
			binary:      true,
			modified:    int64(300),
		},
		{
			name:     "set modified below current",
			op:       document.NewUpdateOp("", false).Set(document.Modified, int64(100)),
			modified: int64(100),
		},
		{
			name: "unset modified",
			op:   document.NewUpdateOp("", false).Unset(document.Modified),
		},
		{
			name:     "max modified",
			op:       document.NewUpdateOp("", false).Max(document.Modified, 500).Increment("n", 1),
			batched:  true,
			modified: int64(500),
		},
		{
			name:     "max modified below current",
			op:       document.NewUpdateOp("", false).Max(document.Modified, 100).Increment("n", 1),
			batched:  true,
			modified: int64(300),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var db = newTestDB(t)
			var s = newTestStore(t, db, Options{})
			var fresh = newTestStore(t, db, Options{})

			var ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
				document.NewUpdateOp("1:/a", true).Set(document.Modified, int64(300)),
				document.NewUpdateOp("1:/b", true).Set(document.Modified, int64(300)),
			})
			require.NoError(t, err)
			require.True(t, ok)

			var batches = testutil.ToFloat64(metrics.WritesTotal.WithLabelValues(metrics.BatchAppend, metrics.Ok))
			require.NoError(t, s.Update(ctx, document.Nodes, []string{"1:/a", "1:/b"}, tc.op))

			var expectBatches float64
			if tc.batched {
				expectBatches = 2
			}
			assert.Equal(t, batches+expectBatches,
				testutil.ToFloat64(metrics.WritesTotal.WithLabelValues(metrics.BatchAppend, metrics.Ok)))

			for _, id := range []string{"1:/a", "1:/b"} {
				// The cached result agrees with storage, as read by another Store.
				var cached = s.GetIfCached(document.Nodes, id)
				require.NotNil(t, cached, id)
				stored, err := fresh.Find(ctx, document.Nodes, id, 0)
				require.NoError(t, err)
				require.NotNil(t, stored, id)

				assert.Equal(t, stored.Map(), cached.Map(), id)
				assert.Equal(t, int64(2), stored.ModCount(), id)
				assert.Equal(t, tc.deletedOnce, stored.IsDeletedOnce(), id)
				assert.Equal(t, tc.binary, stored.HasBinary(), id)
				assert.Equal(t, tc.modified, stored.Map()[document.Modified], id)

				revalidated, err := s.Find(ctx, document.Nodes, id, Forever)
				require.NoError(t, err)
				assert.Equal(t, stored.Map(), revalidated.Map(), id)
			}

			var expectFlagged []string
			if tc.deletedOnce {
				expectFlagged = []string{"1:/a", "1:/b"}
			}
			docs, err := fresh.Query(ctx, document.Nodes, "1:/", "1:/z", document.DeletedOnce, 1, NoLimit)
			require.NoError(t, err)
			assert.Equal(t, expectFlagged, ids(docs))

			docs, err = fresh.Query(ctx, document.Nodes, "1:/", "1:/z", document.HasBinaryFlag, document.HasBinaryVal, NoLimit)
			require.NoError(t, err)
			assert.Equal(t, expectFlagged, ids(docs))
		})
	}
}

func TestRepeatedConditionalWriteAdvancesModCountOnce(t *testing.T) {
	var ctx = context.Background()

	for _, tc := range []struct {
		name string
		opts Options
		kind string
	}{
		{name: "append", opts: Options{}, kind: metrics.Append},
		{name: "full rewrite", opts: Options{FullRewriteInterval: 2}, kind: metrics.Rewrite},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var s = newTestStore(t, newTestDB(t), tc.opts)
			createDocs(t, s, document.Nodes, "1:/a")

			var base, err = s.Find(ctx, document.Nodes, "1:/a", 0)
			require.NoError(t, err)

			var up = prepareUpdate(document.NewUpdateOp("1:/a", false).Increment("n", 1))
			var doc = applyUpdate(base, up, false)
			var writes = testutil.ToFloat64(metrics.WritesTotal.WithLabelValues(tc.kind, metrics.Ok))

			// Writing the same update of the same base again matches no row.
			for _, expect := range []bool{true, false} {
				ok, err := s.updateDocument(ctx, document.Nodes, doc, up, base.ModCount())
				require.NoError(t, err)
				assert.Equal(t, expect, ok)
			}
			assert.Equal(t, writes+1, testutil.ToFloat64(metrics.WritesTotal.WithLabelValues(tc.kind, metrics.Ok)))

			stored, err := s.Find(ctx, document.Nodes, "1:/a", 0)
			require.NoError(t, err)
			var n, _ = stored.Int("n")
			assert.Equal(t, int64(1), n)
			assert.Equal(t, base.ModCount()+1, stored.ModCount())
		})
	}
}

func TestRemove(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)
	var a = newTestStore(t, db, Options{})
	var b = newTestStore(t, db, Options{})
	createDocs(t, a, document.Nodes, "1:/a", "1:/b", "1:/c", "1:/d")

	var _, err = a.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	require.NoError(t, a.Remove(ctx, document.Nodes, "1:/a"))
	doc, err := a.Find(ctx, document.Nodes, "1:/a", Forever)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// |b| removes a document cached by |a|. |a|'s own remove then deletes
	// nothing, but still invalidates its stale entry.
	_, err = a.Find(ctx, document.Nodes, "1:/b", Forever)
	require.NoError(t, err)
	require.NoError(t, b.Remove(ctx, document.Nodes, "1:/b"))
	require.NotNil(t, a.GetIfCached(document.Nodes, "1:/b"))

	n, err := a.RemoveIDs(ctx, document.Nodes, []string{"1:/b"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Nil(t, a.GetIfCached(document.Nodes, "1:/b"))

	n, err = a.RemoveIDs(ctx, document.Nodes, []string{"1:/c", "1:/d", "1:/e"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRemoveIDsInChunks(t *testing.T) {
	var ctx = context.Background()

	for _, tc := range []struct {
		name    string
		created int
		removed int
	}{
		{name: "within a chunk", created: 10, removed: 10},
		{name: "exactly a chunk", created: deleteBatchSize, removed: deleteBatchSize},
		{name: "several chunks", created: 2*deleteBatchSize + 22, removed: 2*deleteBatchSize + 22},
		{name: "several chunks with missing ids", created: deleteBatchSize + 36, removed: 2*deleteBatchSize + 22},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var s = newTestStore(t, newTestDB(t), Options{})

			var all []string
			for i := 0; i != tc.removed; i++ {
				all = append(all, fmt.Sprintf("1:/%04d", i))
			}
			createDocs(t, s, document.Nodes, all[:tc.created]...)

			var n, err = s.RemoveIDs(ctx, document.Nodes, all)
			require.NoError(t, err)
			assert.Equal(t, tc.created, n)

			for _, id := range all {
				assert.Nil(t, s.GetIfCached(document.Nodes, id), id)
			}
			docs, err := s.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestRemoveIf(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})

	var ok, err = s.Create(ctx, document.Nodes, []*document.UpdateOp{
		document.NewUpdateOp("1:/a", true).Set(document.Modified, 100),
		document.NewUpdateOp("1:/b", true).Set(document.Modified, 200),
		document.NewUpdateOp("1:/c", true).Set(document.Modified, 300),
		document.NewUpdateOp("1:/d", true),
	})
	require.NoError(t, err)
	require.True(t, ok)

	var modKey = document.Key{Name: document.Modified}
	n, err := s.RemoveIf(ctx, document.Nodes, map[string]map[document.Key]document.Condition{
		"1:/a": {modKey: {Type: document.Equals, Value: int64(100)}},
		"1:/b": {modKey: {Type: document.Exists, Value: true}},
		"1:/c": {modKey: {Type: document.Equals, Value: int64(999)}},
		"1:/d": {modKey: {Type: document.Exists, Value: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := s.Query(ctx, document.Nodes, "1:/", "1:/z", "", 0, NoLimit)
	require.NoError(t, err)
	assert.Equal(t, []string{"1:/c", "1:/d"}, ids(docs))

	_, err = s.RemoveIf(ctx, document.Nodes, map[string]map[document.Key]document.Condition{
		"1:/c": {document.Key{Name: "other"}: {Type: document.Equals, Value: int64(1)}},
	})
	assert.True(t, errors.Is(err, ErrUnsupportedQuery))
	_, err = s.RemoveIf(ctx, document.Nodes, map[string]map[document.Key]document.Condition{
		"1:/c": {modKey: {Type: document.NotEquals, Value: int64(1)}},
	})
	assert.True(t, errors.Is(err, ErrUnsupportedQuery))
}

func TestUncachedCollections(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t, newTestDB(t), Options{})

	for _, c := range []document.Collection{document.Settings, document.ClusterNodes} {
		var prev, err = s.CreateOrUpdate(ctx, c, document.NewUpdateOp("0", true).Set("p", "v"))
		require.NoError(t, err)
		assert.Nil(t, prev)

		prev, err = s.CreateOrUpdate(ctx, c, document.NewUpdateOp("0", true).Set("p", "w"))
		require.NoError(t, err)
		assert.Equal(t, "v", prev.Map()["p"])

		doc, err := s.Find(ctx, c, "0", Forever)
		require.NoError(t, err)
		assert.Equal(t, "w", doc.Map()["p"])
		assert.Nil(t, s.GetIfCached(c, "0"))

		require.NoError(t, s.Remove(ctx, c, "0"))
		doc, err = s.Find(ctx, c, "0", Forever)
		require.NoError(t, err)
		assert.Nil(t, doc)
	}
	assert.Equal(t, 0, s.CacheStats().Entries)
}

func TestTablesMetadataAndClose(t *testing.T) {
	var ctx = context.Background()
	var db = newTestDB(t)

	var _, err = New(ctx, db, Options{TablePrefix: "bad-prefix"})
	assert.EqualError(t, err, `invalid TablePrefix "bad-prefix" (expected an SQL identifier)`)
	_, err = New(ctx, db, Options{OverflowCodec: "lz4"})
	assert.Error(t, err)

	s, err := New(ctx, db, Options{TablePrefix: "T1", DropTablesOnClose: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1_CLUSTERNODES", "T1_NODES", "T1_SETTINGS"}, s.TablesCreated())
	assert.Equal(t, "rdb", s.Metadata()["type"])
	assert.Equal(t, "SQLite", s.Metadata()["db"])
	assert.NotEmpty(t, s.Metadata()["version"])
	assert.Equal(t, "SQLite", s.Dialect().Name)

	// A second Store finds existing tables, and doesn't drop them.
	require.NoError(t, WithStore(ctx, db, Options{TablePrefix: "T1", DropTablesOnClose: true}, func(s2 *Store) error {
		assert.Empty(t, s2.TablesCreated())
		assert.Equal(t, []string{"T1_CLUSTERNODES", "T1_NODES", "T1_SETTINGS"}, s2.tablesPresent)
		return nil
	}))

	s.Close(ctx)
	assert.Equal(t, []string{"T1_CLUSTERNODES", "T1_NODES", "T1_SETTINGS"}, s.DroppedTables())

	_, err = s.Find(ctx, document.Nodes, "1:/a", Forever)
	assert.Equal(t, ErrClosed, err)
	_, err = db.ExecContext(ctx, "select 1 from T1_NODES")
	assert.Error(t, err)
}

func TestDataCapacityIsDiscovered(t *testing.T) {
	var db = newTestDB(t)
	var a = newTestStore(t, db, Options{DataOctets: 600})
	assert.Equal(t, 600, a.dataOctets)

	var b = newTestStore(t, db, Options{})
	assert.Equal(t, 600, b.dataOctets)
	assert.Equal(t, 200, b.inlineLimit())
}

func newTestDB(t *testing.T) *sql.DB {
	var db, err = sql.Open("sqlite3", filepath.Join(t.TempDir(), "store.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, db *sql.DB, opts Options) *Store {
	var s, err = New(context.Background(), db, opts)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func createDocs(t *testing.T, s *Store, c document.Collection, ids ...string) {
	var ops []*document.UpdateOp
	for _, id := range ids {
		ops = append(ops, document.NewUpdateOp(id, true))
	}
	var ok, err = s.Create(context.Background(), c, ops)
	require.NoError(t, err)
	require.True(t, ok)
}

func ids(docs []*document.Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d.ID())
	}
	return out
}
