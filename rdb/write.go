package rdb

import (
	"context"
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/dialect"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/metrics"
)

// prepareUpdate returns a copy of |op| which also increments the document's
// modCount and, if |op| sets an entry of the collisions map, its
// collisionsModCount.
func prepareUpdate(op *document.UpdateOp) *document.UpdateOp {
	var up = op.Copy()
	if op.ChangesMapEntryOf(document.Collisions) {
		up.Increment(document.CollisionsModCount, 1)
	}
	return up.Increment(document.ModCount, 1)
}

// applyUpdate returns a sealed copy of |prev| with prepared update |up|
// applied. If |checkConditions| and the conditions of |up| don't hold, it
// returns nil.
func applyUpdate(prev *document.Document, up *document.UpdateOp, checkConditions bool) *document.Document {
	var doc = prev.Copy()
	if checkConditions && !document.CheckConditions(doc, up.Conditions()) {
		return nil
	}
	document.ApplyChanges(doc, up)
	doc.Seal()
	return doc
}

func (s *Store) internalCreate(ctx context.Context, c document.Collection, ops []*document.UpdateOp) (bool, error) {
	for len(ops) != 0 {
		var chunk = ops
		if len(chunk) > s.opts.ChunkSize {
			chunk = chunk[:s.opts.ChunkSize]
		}
		ops = ops[len(chunk):]

		var docs = make([]*document.Document, 0, len(chunk))
		for _, op := range chunk {
			var doc = document.New()
			document.ApplyChanges(doc, prepareUpdate(op))

			if doc.ID() != op.ID() {
				return false, errors.WithMessagef(ErrIntegrity,
					"ID mismatch (UpdateOp: %q, ID property: %q)", op.ID(), doc.ID())
			}
			doc.Seal()
			docs = append(docs, doc)
		}

		if err := s.insertDocuments(ctx, c, docs); err != nil {
			log.WithFields(log.Fields{"collection": c, "count": len(docs), "err": err}).
				Debug("create failed")
			return false, nil
		}
		for _, doc := range docs {
			s.addToCache(c, doc)
		}
	}
	return true, nil
}

// insertDocuments inserts all |docs| within a single transaction.
func (s *Store) insertDocuments(ctx context.Context, c document.Collection, docs []*document.Document) error {
	var conn, err = s.handler.readWrite(ctx)
	if err != nil {
		return err
	}
	defer conn.close()

	for _, doc := range docs {
		if err = s.insertRow(ctx, conn, s.tables[c], doc); err != nil {
			metrics.WritesTotal.WithLabelValues(metrics.Insert, metrics.Fail).Inc()
			return errors.WithMessagef(err, "inserting %s/%s", c, doc.ID())
		}
	}
	if err = conn.commit(); err != nil {
		metrics.WritesTotal.WithLabelValues(metrics.Insert, metrics.Fail).Inc()
		return errors.WithMessagef(err, "committing insert into %s", c)
	}
	metrics.WritesTotal.WithLabelValues(metrics.Insert, metrics.Ok).Add(float64(len(docs)))
	return nil
}

// addToCache caches a created Nodes document, unless a concurrent reader
// already cached one.
func (s *Store) addToCache(c document.Collection, doc *document.Document) {
	if c != document.Nodes {
		return
	}
	var mu = s.locks.lock(doc.ID())
	s.cache.addIfAbsent(doc, nowMillis())
	mu.Unlock()
}

// internalCreateOrUpdate applies |op| to its current document, creating it
// if |allowCreate| and it doesn't exist. It returns the prior document, or
// nil if there was none or if |checkConditions| and conditions didn't hold.
func (s *Store) internalCreateOrUpdate(ctx context.Context, c document.Collection, op *document.UpdateOp,
	allowCreate, checkConditions bool) (*document.Document, error) {

	var prev, err = s.readCached(ctx, c, op.ID(), Forever)
	if err != nil {
		return nil, err
	}

	if prev == nil {
		if !allowCreate {
			return nil, nil
		} else if !op.IsNew() {
			return nil, errors.WithMessagef(ErrNotFound, "%s/%s", c, op.ID())
		}
		var doc = document.New()
		if checkConditions && !document.CheckConditions(doc, op.Conditions()) {
			return nil, nil
		}
		document.ApplyChanges(doc, prepareUpdate(op))
		doc.Seal()

		var insertErr = s.insertDocuments(ctx, c, []*document.Document{doc})
		if insertErr == nil {
			s.addToCache(c, doc)
			return nil, nil
		}

		// The insert may have raced a concurrent create. Read around the
		// cache, which may not yet reflect the winning document.
		if prev, err = s.readUncached(ctx, c, op.ID(), nil); err != nil {
			return nil, err
		} else if prev == nil {
			log.WithFields(log.Fields{"id": op.ID(), "err": insertErr}).
				Error("insert failed, but document is not present, aborting")
			return nil, insertErr
		}
		return s.internalUpdate(ctx, c, op, prev, checkConditions)
	}

	result, err := s.internalUpdate(ctx, c, op, prev, checkConditions)
	if err == nil && allowCreate && result == nil {
		log.WithField("id", op.ID()).Error("update failed, race condition?")
		return nil, errors.WithMessagef(ErrConflict, "update of %s/%s failed", c, op.ID())
	}
	return result, err
}

// internalUpdate is the optimistic update loop. It applies |op| to |prev|
// and conditionally writes the result, re-reading |prev| and retrying if the
// stored document was concurrently modified. It returns the prior document,
// or nil if conditions didn't hold or the document was removed.
func (s *Store) internalUpdate(ctx context.Context, c document.Collection, op *document.UpdateOp,
	prev *document.Document, checkConditions bool) (*document.Document, error) {

	var up = prepareUpdate(op)
	var doc = applyUpdate(prev, up, checkConditions)
	if doc == nil {
		return nil, nil
	}

	var mu = s.locks.lock(op.ID())
	defer mu.Unlock()

	for attempt := 0; attempt != maxRetries; attempt++ {
		var lastModCount = prev.ModCount()

		if ok, err := s.updateDocument(ctx, c, doc, up, lastModCount); err != nil {
			return nil, err
		} else if ok {
			if c == document.Nodes {
				s.cache.apply(prev, doc, nowMillis())
			}
			return prev, nil
		}
		metrics.UpdateRetriesTotal.Inc()

		// Prefer the cached document, unless it's the version we just
		// failed against, in which case it was likely modified by another
		// Store and must be read from storage.
		var err error
		if c == document.Nodes {
			prev, err = s.readCachedLocked(ctx, op.ID(), Forever)
		} else {
			prev, err = s.readUncached(ctx, c, op.ID(), nil)
		}
		if err == nil && prev != nil && prev.ModCount() == lastModCount {
			if c == document.Nodes {
				// Replace the stale entry, so that a further retry doesn't
				// fall back to it.
				s.cache.remove(op.ID())
				prev, err = s.readCachedLocked(ctx, op.ID(), Forever)
			} else {
				prev, err = s.readUncached(ctx, c, op.ID(), nil)
			}
		}
		if err != nil {
			return nil, err
		} else if prev == nil {
			log.WithFields(log.Fields{"collection": c, "id": op.ID()}).
				Debug("failed to apply update because document is gone in the meantime")
			return nil, nil
		}

		if doc = applyUpdate(prev, up, checkConditions); doc == nil {
			return nil, nil
		}
	}

	metrics.UpdateConflictsTotal.Inc()
	return nil, errors.WithMessagef(ErrConflict, "failed update of %s/%s (race?) after %d retries",
		c, op.ID(), maxRetries)
}

// updateDocument conditionally writes |doc|, produced by prepared update
// |up|, if its stored modCount is |oldModCount|. Where possible, the delta
// of |up| is appended to the stored row rather than rewriting it in full.
func (s *Store) updateDocument(ctx context.Context, c document.Collection, doc *document.Document,
	up *document.UpdateOp, oldModCount int64) (bool, error) {

	var conn, err = s.handler.readWrite(ctx)
	if err != nil {
		return false, err
	}
	defer conn.close()

	var table = s.tables[c]

	if doc.ModCount()%s.opts.FullRewriteInterval == 0 {
		metrics.RewriteFallbacksTotal.WithLabelValues(metrics.Periodic).Inc()
	} else if delta, err := s.serializer.DeltaString(up); err != nil {
		return false, err
	} else if utf8.RuneCountInString(delta) >= s.inlineLimit() {
		metrics.RewriteFallbacksTotal.WithLabelValues(metrics.DeltaSize).Inc()
	} else if ok, err := s.appendRow(ctx, conn, table, doc, oldModCount, delta); err == nil {
		if err = conn.commit(); err != nil {
			return false, errors.WithMessagef(err, "committing update of %s/%s", c, doc.ID())
		}
		metrics.WritesTotal.WithLabelValues(metrics.Append, status(ok)).Inc()
		return ok, nil
	} else if dialect.IsStringOverflow(err) {
		log.WithFields(log.Fields{"collection": c, "id": doc.ID(), "err": err}).
			Debug("append overflowed DATA, falling back to full rewrite")
		conn.rollback()
		metrics.RewriteFallbacksTotal.WithLabelValues(metrics.Overflow).Inc()
	} else {
		return false, errors.WithMessagef(err, "updating %s/%s", c, doc.ID())
	}

	ok, err := s.updateRow(ctx, conn, table, doc, oldModCount)
	if err != nil {
		return false, errors.WithMessagef(err, "updating %s/%s", c, doc.ID())
	} else if err = conn.commit(); err != nil {
		return false, errors.WithMessagef(err, "committing update of %s/%s", c, doc.ID())
	}
	metrics.WritesTotal.WithLabelValues(metrics.Rewrite, status(ok)).Inc()
	return ok, nil
}

// internalUpdateMany applies |op| to each existing document of |ids|.
// Unconditional updates are appended to chunks of rows by a single
// statement, falling back to individual updates if any row couldn't be.
func (s *Store) internalUpdateMany(ctx context.Context, c document.Collection, ids []string, op *document.UpdateOp) error {
	var perID = func(ids []string) error {
		for _, id := range ids {
			if _, err := s.internalCreateOrUpdate(ctx, c, op.ShallowCopy(id), false, true); err != nil {
				return err
			}
		}
		return nil
	}

	if !batchable(op) {
		return perID(ids)
	}
	var delta, err = s.serializer.DeltaString(op)
	if err != nil {
		return err
	} else if utf8.RuneCountInString(delta) >= s.inlineLimit() {
		return perID(ids)
	}
	var modified = modifiedOf(op)
	var up = prepareUpdate(op)

	for len(ids) != 0 {
		var chunk = ids
		if len(chunk) > s.opts.ChunkSize {
			chunk = chunk[:s.opts.ChunkSize]
		}
		ids = ids[len(chunk):]

		// Snapshot cached documents before the update, to which it's applied.
		var cached = make(map[string]*document.Document, len(chunk))
		if c == document.Nodes {
			for _, id := range chunk {
				if e, ok := s.cache.get(id); ok {
					cached[id] = e.doc
				}
			}
		}

		if !s.batchAppend(ctx, c, chunk, modified, op.ChangesMapEntryOf(document.Collisions), delta) {
			if err = perID(chunk); err != nil {
				return err
			}
			continue
		}
		if c != document.Nodes {
			continue
		}
		for _, id := range chunk {
			var mu = s.locks.lock(id)
			if prev := cached[id]; prev == nil {
				s.cache.remove(id)
			} else {
				// |prev| may be stale with respect to the updated row, so the
				// result must be revalidated before its use.
				s.cache.apply(prev, applyUpdate(prev, up, false), 0)
			}
			mu.Unlock()
		}
	}
	return nil
}

// batchAppend appends |delta| to the rows of all |ids| in one transaction,
// returning whether every row was updated. Otherwise, nothing is updated.
func (s *Store) batchAppend(ctx context.Context, c document.Collection, ids []string,
	modified *int64, touchesCollisions bool, delta string) bool {

	var conn, err = s.handler.readWrite(ctx)
	if err != nil {
		log.WithFields(log.Fields{"collection": c, "err": err}).Debug("batch append failed")
		return false
	}
	defer conn.close()

	n, err := s.batchAppendRows(ctx, conn, s.tables[c], ids, modified, touchesCollisions, delta)
	if err == nil && n == int64(len(ids)) {
		err = conn.commit()
	} else if err == nil {
		log.WithFields(log.Fields{"collection": c, "ids": ids, "updated": n}).
			Debug("batch append matched fewer rows than ids, rolling back")
		conn.rollback()
		metrics.WritesTotal.WithLabelValues(metrics.BatchAppend, metrics.Fail).Inc()
		return false
	}
	if err != nil {
		log.WithFields(log.Fields{"collection": c, "ids": ids, "err": err}).Debug("batch append failed")
		metrics.WritesTotal.WithLabelValues(metrics.BatchAppend, metrics.Fail).Inc()
		return false
	}
	metrics.WritesTotal.WithLabelValues(metrics.BatchAppend, metrics.Ok).Add(float64(n))
	return true
}

// batchable returns whether |op| may be appended to many rows by a single
// statement. It must be unconditional, and its changes to column properties
// limited to a Max of the modified property and entries of the collisions
// map, which a batch statement can reproduce exactly.
func batchable(op *document.UpdateOp) bool {
	if len(op.Conditions()) != 0 {
		return false
	}
	for k, o := range op.Changes() {
		if k.Revision != "" {
			continue
		}
		switch k.Name {
		case document.Modified:
			if o.Type != document.Max {
				return false
			}
		case document.ID, document.ModCount, document.CollisionsModCount,
			document.HasBinaryFlag, document.DeletedOnce:
			return false
		}
	}
	return true
}

// modifiedOf returns the value of a Max of the modified property by |op|,
// or nil if it has none.
func modifiedOf(op *document.UpdateOp) *int64 {
	var o, ok = op.Changes()[document.Key{Name: document.Modified}]
	if !ok || o.Type != document.Max {
		return nil
	}
	if n, ok := o.Value.(int64); ok {
		return &n
	}
	return nil
}

func (s *Store) delete(ctx context.Context, c document.Collection, ids []string) (int64, error) {
	var total int64

	for len(ids) != 0 {
		var chunk = ids
		if len(chunk) > deleteBatchSize {
			chunk = chunk[:deleteBatchSize]
		}
		ids = ids[len(chunk):]

		var n, err = func() (int64, error) {
			var conn, err = s.handler.readWrite(ctx)
			if err != nil {
				return 0, err
			}
			defer conn.close()

			n, err := s.deleteRows(ctx, conn, s.tables[c], chunk)
			if err == nil {
				err = conn.commit()
			}
			return n, err
		}()
		if err != nil {
			return total, errors.WithMessagef(err, "deleting from %s", c)
		}
		total += n
	}
	return total, nil
}

// conditionalDeletes builds deletes of |toRemove|, which may only have
// conditions over the modified property. Returned deletes are ordered on id.
func conditionalDeletes(toRemove map[string]map[document.Key]document.Condition) ([]conditionalDelete, error) {
	var out = make([]conditionalDelete, 0, len(toRemove))

	for id, conds := range toRemove {
		var d = conditionalDelete{id: id}

		// Order conditions for a deterministic statement.
		var keys = make([]document.Key, 0, len(conds))
		for k := range conds {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

		for _, k := range keys {
			var cond = conds[k]
			if k.Name != document.Modified || k.Revision != "" {
				return nil, errors.WithMessagef(ErrUnsupportedQuery, "unsupported condition %s %s", k, cond)
			}
			switch cond.Type {
			case document.Equals:
				var n, ok = cond.Value.(int64)
				if !ok {
					return nil, errors.WithMessagef(ErrUnsupportedQuery, "unsupported condition %s %s", k, cond)
				}
				d.where += " and MODIFIED = ?"
				d.args = append(d.args, n)
			case document.Exists:
				if exists, _ := cond.Value.(bool); exists {
					d.where += " and MODIFIED is not null"
				} else {
					d.where += " and MODIFIED is null"
				}
			default:
				return nil, errors.WithMessagef(ErrUnsupportedQuery, "unsupported condition %s %s", k, cond)
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func (s *Store) deleteIf(ctx context.Context, c document.Collection, deletes []conditionalDelete) (int64, error) {
	var total int64

	for len(deletes) != 0 {
		var chunk = deletes
		if len(chunk) > deleteBatchSize {
			chunk = chunk[:deleteBatchSize]
		}
		deletes = deletes[len(chunk):]

		var n, err = func() (int64, error) {
			var conn, err = s.handler.readWrite(ctx)
			if err != nil {
				return 0, err
			}
			defer conn.close()

			n, err := s.deleteRowsIf(ctx, conn, s.tables[c], chunk)
			if err == nil {
				err = conn.commit()
			}
			return n, err
		}()
		if err != nil {
			return total, errors.WithMessagef(err, "deleting from %s", c)
		}
		total += n
	}
	return total, nil
}

func status(ok bool) string {
	if ok {
		return metrics.Ok
	}
	return metrics.Fail
}
