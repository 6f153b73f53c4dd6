// Package rdb implements a document store persisting Documents in a
// relational database, with optimistic per-document concurrency control.
//
// Each document.Collection maps to a table having a row per Document. A
// row's MODCOUNT column is a version counter which is compared and advanced
// by every conditional write, and a writer which loses a race re-reads the
// document and retries. Most updates append a small delta to the row's
// serialized DATA rather than rewriting it, and documents too large for DATA
// are stored compressed in the BDATA column.
//
// Nodes documents are cached. Read-modify-write sequences of a document are
// serialized within a Store by a lock striped over document ids, while
// concurrent Stores (or processes) sharing a database rely on the version
// counter alone.
package rdb

import (
	"context"
	"database/sql"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/codecs"
	"go.rdbstore.dev/core/dialect"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/rowcodec"
)

// Store is a relational database document store. It's safe for concurrent use.
type Store struct {
	id         uuid.UUID
	opts       Options
	dialect    *dialect.Dialect
	handler    *connectionHandler
	serializer *rowcodec.Serializer
	tables     map[document.Collection]string
	cache      *nodesCache
	locks      stripedLocks
	metadata   map[string]string

	// Declared DATA capacity, in octets, of the Nodes table.
	dataOctets int

	tablesCreated []string
	tablesPresent []string
	tablesDropped []string

	closed    atomic.Bool
	callStack []byte // Captured at debug level, for diagnosing misuse.
}

// New returns a Store of |db| which creates its tables, if required.
// |db| remains owned by the caller, and must outlive the Store.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	var codec, _ = codecs.ParseCodec(opts.OverflowCodec)

	info, err := dialect.Probe(ctx, db, opts.ProductName)
	if err != nil {
		return nil, errors.WithMessage(err, "initializing rdb document store")
	}
	var d = dialect.Lookup(info.Product)
	if info.Version != "" {
		d.CheckVersion(info.Major, info.Minor)
	}

	var s = &Store{
		id:         uuid.New(),
		opts:       opts,
		dialect:    d,
		handler:    &connectionHandler{db: db, dialect: d},
		serializer: rowcodec.NewSerializer(codec),
		tables:     make(map[document.Collection]string),
		cache:      newNodesCache(opts.CacheSize),
		metadata: map[string]string{
			"type":    "rdb",
			"db":      info.Product,
			"version": info.Version,
		},
	}
	for _, c := range document.Collections {
		s.tables[c] = opts.tableName(c)
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		s.callStack = debug.Stack()
	}

	if err = s.ensureTables(ctx); err != nil {
		return nil, errors.WithMessage(err, "initializing rdb document store")
	}
	var diagnostics = d.Diagnostics.Collect(ctx, db, d, s.tables[document.Nodes])

	log.WithFields(log.Fields{
		"store":      s.id,
		"db":         strings.TrimSpace(info.Product + " " + info.Version),
		"driver":     info.Driver,
		"url":        opts.URL,
		"properties": diagnostics,
		"dataOctets": s.dataOctets,
	}).Info("rdb document store instantiated")

	if len(s.tablesPresent) != 0 {
		log.WithFields(log.Fields{"store": s.id, "tables": s.tablesPresent}).
			Info("tables present upon startup")
	}
	if len(s.tablesCreated) != 0 {
		log.WithFields(log.Fields{
			"store":       s.id,
			"tables":      s.tablesCreated,
			"dropOnClose": opts.DropTablesOnClose,
		}).Info("tables created upon startup")
	}
	return s, nil
}

// WithStore runs |fn| with a new Store, which is closed when |fn| returns.
func WithStore(ctx context.Context, db *sql.DB, opts Options, fn func(*Store) error) error {
	var s, err = New(ctx, db, opts)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	return fn(s)
}

// Find returns the Document |id| of Collection |c|, or nil if it doesn't
// exist. A cached Nodes document is returned if it was validated within
// |maxAge|. Zero |maxAge| always reads from storage, while Forever accepts
// any validated cached document.
func (s *Store) Find(ctx context.Context, c document.Collection, id string, maxAge time.Duration) (*document.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.readCached(ctx, c, id, maxAge)
}

// Query returns Documents of Collection |c| having ids strictly between
// |fromKey| and |toKey|, in id order, and at most |limit| of them (or all,
// if NoLimit). If |indexedProperty| is non-empty, documents must also match
// it: "_modified" must be at least |startValue|, while "_bin" and
// "_deletedOnce" require a |startValue| of one and match documents having
// the flag. Other properties are ErrUnsupportedQuery.
func (s *Store) Query(ctx context.Context, c document.Collection, fromKey, toKey, indexedProperty string,
	startValue int64, limit int) ([]*document.Document, error) {

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.internalQuery(ctx, c, fromKey, toKey, indexedProperty, startValue, limit)
}

// Create inserts Documents produced by each of the new UpdateOps |ops|.
// Inserts are made in chunks, each within a single transaction. It returns
// false if any chunk failed to insert (for example, because a document
// already exists), in which case preceding chunks remain committed.
func (s *Store) Create(ctx context.Context, c document.Collection, ops []*document.UpdateOp) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.internalCreate(ctx, c, ops)
}

// Update applies |op| to each existing Document of |ids|. Documents which
// don't exist, or whose conditions don't hold, are left unchanged.
func (s *Store) Update(ctx context.Context, c document.Collection, ids []string, op *document.UpdateOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.internalUpdateMany(ctx, c, ids, op)
}

// CreateOrUpdate applies |op| to its Document, creating it if it doesn't
// exist and |op| is new. |op| may not have conditions. It returns the
// Document prior to the update, or nil if it was created.
func (s *Store) CreateOrUpdate(ctx context.Context, c document.Collection, op *document.UpdateOp) (*document.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	} else if len(op.Conditions()) != 0 {
		return nil, errors.WithMessagef(ErrConditional, "CreateOrUpdate of %s/%s", c, op.ID())
	}
	return s.internalCreateOrUpdate(ctx, c, op, true, false)
}

// FindAndUpdate applies |op| to its existing Document, if its conditions
// hold. It returns the Document prior to the update, or nil if the document
// doesn't exist or conditions didn't hold.
func (s *Store) FindAndUpdate(ctx context.Context, c document.Collection, op *document.UpdateOp) (*document.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.internalCreateOrUpdate(ctx, c, op, false, true)
}

// Remove deletes the Document |id|, if it exists.
func (s *Store) Remove(ctx context.Context, c document.Collection, id string) error {
	var _, err = s.RemoveIDs(ctx, c, []string{id})
	return err
}

// RemoveIDs deletes Documents of |ids|, returning the number deleted.
func (s *Store) RemoveIDs(ctx context.Context, c document.Collection, ids []string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	defer s.invalidateRemoved(c, ids)

	var n, err = s.delete(ctx, c, ids)
	return int(n), err
}

// RemoveIf deletes each Document of |toRemove| whose conditions hold,
// returning the number deleted. Conditions may only test the "_modified"
// property for equality with an int64, or for existence.
func (s *Store) RemoveIf(ctx context.Context, c document.Collection,
	toRemove map[string]map[document.Key]document.Condition) (int, error) {

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var deletes, err = conditionalDeletes(toRemove)
	if err != nil {
		return 0, err
	}
	var ids = make([]string, len(deletes))
	for i, d := range deletes {
		ids[i] = d.id
	}
	defer s.invalidateRemoved(c, ids)

	n, err := s.deleteIf(ctx, c, deletes)
	return int(n), err
}

// invalidateRemoved removes cache entries of |ids|, whether or not they
// were actually deleted.
func (s *Store) invalidateRemoved(c document.Collection, ids []string) {
	if c != document.Nodes {
		return
	}
	for _, id := range ids {
		var mu = s.locks.lock(id)
		s.cache.remove(id)
		mu.Unlock()
	}
}

// InvalidateCache requires that every cached Document be revalidated before
// its next use. It returns the number of invalidated entries.
func (s *Store) InvalidateCache() int {
	return s.cache.markAllStale()
}

// InvalidateCacheEntry requires that the cached Document |id| be
// revalidated before its next use.
func (s *Store) InvalidateCacheEntry(c document.Collection, id string) {
	if c != document.Nodes {
		return
	}
	var mu = s.locks.lock(id)
	s.cache.markStale(id)
	mu.Unlock()
}

// GetIfCached returns the cached Document |id|, or nil if it's not cached
// or is cached as absent. It doesn't consult storage.
func (s *Store) GetIfCached(c document.Collection, id string) *document.Document {
	if c != document.Nodes {
		return nil
	}
	if e, ok := s.cache.get(id); ok {
		return e.doc
	}
	return nil
}

// CacheStats returns statistics of the Nodes document cache.
func (s *Store) CacheStats() CacheStats { return s.cache.stats() }

// Metadata describes the Store's backend, with keys "type", "db", and "version".
func (s *Store) Metadata() map[string]string {
	var out = make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Dialect returns the Dialect of the Store's backend.
func (s *Store) Dialect() *dialect.Dialect { return s.dialect }

// TableName returns the table of Collection |c|.
func (s *Store) TableName(c document.Collection) string { return s.tables[c] }

// TablesCreated returns tables created by this Store upon startup.
func (s *Store) TablesCreated() []string { return append([]string(nil), s.tablesCreated...) }

// DroppedTables returns tables dropped by Close.
func (s *Store) DroppedTables() []string {
	var out = append([]string(nil), s.tablesDropped...)
	sort.Strings(out)
	return out
}

// Close the Store, dropping its created tables if so configured. The
// *sql.DB of the Store is not closed.
func (s *Store) Close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.opts.DropTablesOnClose && len(s.tablesCreated) != 0 {
		s.dropTables(ctx)
	}
	log.WithFields(log.Fields{"store": s.id, "dropped": s.tablesDropped}).Debug("closed rdb document store")
}

func (s *Store) checkOpen() error {
	if !s.closed.Load() {
		return nil
	}
	if s.callStack != nil {
		log.WithFields(log.Fields{"store": s.id, "created": string(s.callStack)}).
			Debug("use of closed rdb document store")
	}
	return ErrClosed
}
