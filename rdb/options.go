package rdb

import (
	"math"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"go.rdbstore.dev/core/codecs"
	"go.rdbstore.dev/core/document"
)

const (
	// Forever is a maxAge which accepts any validated cached Document.
	Forever time.Duration = math.MaxInt64
	// NoLimit is a Query limit which doesn't bound returned Documents.
	NoLimit = -1

	// DefaultCacheSize is the default number of cached Nodes documents.
	DefaultCacheSize = 16384
	// DefaultChunkSize is the default number of documents per insert
	// transaction, and of ids per batched append.
	DefaultChunkSize = 64
	// DefaultFullRewriteInterval forces a full rewrite of a document's row
	// whenever its modCount is a multiple of the interval.
	DefaultFullRewriteInterval = 16

	// maxRetries of a conditional update which observed a modCount mismatch.
	maxRetries = 10
	// deleteBatchSize bounds the ids of a single DELETE statement.
	deleteBatchSize = 64
	// charToOctetRatio is the assumed worst-case number of encoded octets of
	// a single character. The inline capacity of DATA is its declared octet
	// capacity divided by this ratio.
	charToOctetRatio = 3
)

// Options of a Store.
type Options struct {
	// TablePrefix is prepended (with an underscore) to the names of tables.
	// It must be a valid SQL identifier.
	TablePrefix string
	// DropTablesOnClose drops tables created by this Store when it's closed.
	// It's intended for tests.
	DropTablesOnClose bool
	// CacheSize is the number of Nodes documents which are cached.
	CacheSize int
	// ChunkSize is the number of documents inserted per transaction.
	ChunkSize int
	// FullRewriteInterval of appending updates. An interval of one disables
	// appends altogether.
	FullRewriteInterval int64
	// OverflowCodec names the codec (gzip, snappy, zstd, none) used to
	// compress documents which overflow the DATA column.
	OverflowCodec string
	// DataOctets is the DATA capacity of created tables, and the capacity
	// assumed where it can't be discovered from an existing table.
	// If zero, the dialect's default is used.
	DataOctets int
	// ProductName of the database. If empty, it's inferred from the driver.
	ProductName string
	// URL of the database, used only for diagnostic logging.
	URL string
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate returns an error if the Options are invalid.
func (o Options) Validate() error {
	if o.TablePrefix != "" && !identifierRe.MatchString(o.TablePrefix) {
		return errors.Errorf("invalid TablePrefix %q (expected an SQL identifier)", o.TablePrefix)
	} else if o.CacheSize < 0 {
		return errors.Errorf("invalid CacheSize (%d; expected >= 0)", o.CacheSize)
	} else if o.ChunkSize < 0 {
		return errors.Errorf("invalid ChunkSize (%d; expected >= 0)", o.ChunkSize)
	} else if o.FullRewriteInterval < 0 {
		return errors.Errorf("invalid FullRewriteInterval (%d; expected >= 0)", o.FullRewriteInterval)
	} else if o.DataOctets < 0 {
		return errors.Errorf("invalid DataOctets (%d; expected >= 0)", o.DataOctets)
	} else if _, err := codecs.ParseCodec(o.OverflowCodec); err != nil {
		return errors.WithMessage(err, "OverflowCodec")
	}
	return nil
}

// withDefaults returns Options having zero-valued fields set to defaults.
func (o Options) withDefaults() Options {
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.FullRewriteInterval == 0 {
		o.FullRewriteInterval = DefaultFullRewriteInterval
	}
	return o
}

// tableName returns the prefixed table name of Collection |c|.
func (o Options) tableName(c document.Collection) string {
	if o.TablePrefix == "" {
		return c.TableBaseName()
	}
	return o.TablePrefix + "_" + c.TableBaseName()
}
