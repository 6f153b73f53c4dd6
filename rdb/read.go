package rdb

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/metrics"
	"go.rdbstore.dev/core/rowcodec"
)

// readCached reads the document |id| of Collection |c|, using cached Nodes
// documents validated within |maxAge|. A zero |maxAge| discards any cached
// document and reads from storage.
func (s *Store) readCached(ctx context.Context, c document.Collection, id string, maxAge time.Duration) (*document.Document, error) {
	if c != document.Nodes {
		return s.readUncached(ctx, c, id, nil)
	}
	// Fast path: use a fresh entry without acquiring its lock.
	if maxAge > 0 {
		if e, ok := s.cache.get(id); ok && e.freshWithin(maxAge, nowMillis()) {
			s.cache.hit(e)
			return e.doc, nil
		}
	}

	var mu = s.locks.lock(id)
	defer mu.Unlock()

	return s.readCachedLocked(ctx, id, maxAge)
}

// readCachedLocked is readCached of a Nodes document, where the caller holds
// the lock of |id|.
func (s *Store) readCachedLocked(ctx context.Context, id string, maxAge time.Duration) (*document.Document, error) {
	if maxAge == 0 {
		s.cache.remove(id)
	}

	var e, ok = s.cache.get(id)
	if !ok {
		s.cache.miss(metrics.Miss)

		var doc, err = s.readUncached(ctx, document.Nodes, id, nil)
		if err != nil {
			return nil, err
		}
		s.cache.put(id, newCacheEntry(doc, nowMillis()))
		return doc, nil
	}

	if e.freshWithin(maxAge, nowMillis()) {
		s.cache.hit(e)
		return e.doc, nil
	}
	// The entry must be revalidated. Where the stored modCount is unchanged,
	// the cached snapshot is re-used.
	s.cache.miss(metrics.Stale)

	var doc, err = s.readUncached(ctx, document.Nodes, id, e.doc)
	if err != nil {
		return nil, err
	}
	if doc != nil && doc == e.doc {
		e.checked.Store(nowMillis())
	} else {
		s.cache.put(id, newCacheEntry(doc, nowMillis()))
	}
	return doc, nil
}

// readUncached reads the document |id| of Collection |c| from storage. If
// |cached| is non-nil and the stored modCount matches its own, the body of
// the row isn't transferred and |cached| is returned.
func (s *Store) readUncached(ctx context.Context, c document.Collection, id string, cached *document.Document) (*document.Document, error) {
	var lastModCount int64 = -1
	if cached != nil {
		lastModCount = cached.ModCount()
	}

	var conn, err = s.handler.readOnly(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	if c == document.Nodes {
		s.cache.loads.Add(1)
	}
	row, err := s.selectRow(ctx, conn, s.tables[c], id, lastModCount)
	if err != nil || row == nil {
		return nil, err
	} else if cached != nil && row.ModCount == lastModCount {
		return cached, nil
	}
	return s.parseRow(c, *row)
}

func (s *Store) parseRow(c document.Collection, row rowcodec.Row) (*document.Document, error) {
	var doc, err = s.serializer.FromRow(row)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %s/%s", c, row.ID)
	}
	doc.Seal()
	return doc, nil
}

// indexedCondition returns the WHERE clause and arguments of a query over
// |property| with |startValue|.
func indexedCondition(property string, startValue int64) (string, []interface{}, error) {
	switch property {
	case "":
		return "", nil, nil
	case document.Modified:
		return " and MODIFIED >= ?", []interface{}{startValue}, nil
	case document.HasBinaryFlag:
		if startValue != document.HasBinaryVal {
			return "", nil, errors.WithMessagef(ErrUnsupportedQuery,
				"unsupported value %d for property %s", startValue, property)
		}
		return " and HASBINARY = 1", nil, nil
	case document.DeletedOnce:
		if startValue != 1 {
			return "", nil, errors.WithMessagef(ErrUnsupportedQuery,
				"unsupported value %d for property %s", startValue, property)
		}
		return " and DELETEDONCE = 1", nil, nil
	default:
		return "", nil, errors.WithMessagef(ErrUnsupportedQuery,
			"indexed property %s not supported (supported are %s, %s, %s)",
			property, document.Modified, document.HasBinaryFlag, document.DeletedOnce)
	}
}

func (s *Store) internalQuery(ctx context.Context, c document.Collection, from, to, property string, startValue int64, limit int) ([]*document.Document, error) {
	var cond, condArgs, err = indexedCondition(property, startValue)
	if err != nil {
		log.WithFields(log.Fields{"property": property, "startValue": startValue}).
			Info("rejected query of unsupported indexed property")
		return nil, err
	}

	var now = nowMillis()
	var rows []*rowcodec.Row

	// Release the connection before rows are run through the cache, which
	// may acquire locks.
	if err = func() error {
		var conn, err = s.handler.readOnly(ctx)
		if err != nil {
			return err
		}
		defer conn.close()

		rows, err = s.selectRange(ctx, conn, s.tables[c], from, to, cond, condArgs, limit)
		return err
	}(); err != nil {
		return nil, err
	}

	var out = make([]*document.Document, 0, len(rows))
	for _, row := range rows {
		var doc, err = s.runThroughCache(c, *row, now)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// runThroughCache returns the document of |row|, preferring a cached
// document having the same or a newer modCount. Otherwise the parsed row is
// cached, if no newer document was cached in the interim.
func (s *Store) runThroughCache(c document.Collection, row rowcodec.Row, now int64) (*document.Document, error) {
	if c != document.Nodes {
		return s.parseRow(c, row)
	}

	if doc := s.revalidateByRow(row, now); doc != nil {
		return doc, nil
	}
	// Parse without holding the lock, and then re-check.
	var fresh, err = s.parseRow(c, row)
	if err != nil {
		return nil, err
	}

	var mu = s.locks.lock(row.ID)
	defer mu.Unlock()

	if e, ok := s.cache.get(row.ID); ok && e.doc != nil && row.ModCount <= e.doc.ModCount() {
		e.checked.Store(now)
		return e.doc, nil
	}
	s.cache.put(row.ID, newCacheEntry(fresh, now))
	return fresh, nil
}

// revalidateByRow returns the cached document of |row| if its modCount is
// the same or newer, marking it as checked at |now|. Entries are stamped
// only under their lock, as apply may concurrently replace them.
func (s *Store) revalidateByRow(row rowcodec.Row, now int64) *document.Document {
	var mu = s.locks.lock(row.ID)
	defer mu.Unlock()

	if e, ok := s.cache.get(row.ID); ok && e.doc != nil && row.ModCount <= e.doc.ModCount() {
		e.checked.Store(now)
		return e.doc
	}
	return nil
}
