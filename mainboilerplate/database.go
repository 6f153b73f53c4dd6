package mainboilerplate

import (
	"context"
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/rdb"
)

// DatabaseConfig configures the database and document store of the application.
type DatabaseConfig struct {
	Driver            string `long:"driver" env:"DRIVER" default:"sqlite3" choice:"sqlite3" choice:"postgres" description:"database/sql driver name"`
	DSN               string `long:"dsn" env:"DSN" default:"rdbstore.db" description:"Data source name (or URL) of the database"`
	Product           string `long:"product" env:"PRODUCT" description:"Database product name. Inferred from the driver if not set"`
	TablePrefix       string `long:"table-prefix" env:"TABLE_PREFIX" description:"Prefix of document store table names"`
	DropTablesOnClose bool   `long:"drop-tables-on-close" env:"DROP_TABLES_ON_CLOSE" description:"Drop tables created by this process when it exits"`
	CacheSize         int    `long:"cache-size" env:"CACHE_SIZE" default:"16384" description:"Number of cached nodes documents"`
	OverflowCodec     string `long:"overflow-codec" env:"OVERFLOW_CODEC" default:"gzip" choice:"none" choice:"gzip" choice:"snappy" choice:"zstandard" description:"Compression codec of documents too large for the DATA column"`
	DataOctets        int    `long:"data-octets" env:"DATA_OCTETS" default:"0" description:"Capacity of the DATA column of created tables. The dialect default is used if zero"`
	MaxOpenConns      int    `long:"max-open-conns" env:"MAX_OPEN_CONNS" default:"8" description:"Maximum open database connections"`
}

// Options returns rdb.Options of the DatabaseConfig.
func (cfg DatabaseConfig) Options() rdb.Options {
	return rdb.Options{
		TablePrefix:       cfg.TablePrefix,
		DropTablesOnClose: cfg.DropTablesOnClose,
		CacheSize:         cfg.CacheSize,
		OverflowCodec:     cfg.OverflowCodec,
		DataOctets:        cfg.DataOctets,
		ProductName:       cfg.Product,
		URL:               cfg.DSN,
	}
}

// MustOpen opens and pings the configured database.
func (cfg DatabaseConfig) MustOpen(ctx context.Context) *sql.DB {
	var db, err = sql.Open(cfg.Driver, cfg.DSN)
	Must(err, "failed to open database", "driver", cfg.Driver)

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(time.Minute)

	var pingCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	Must(db.PingContext(pingCtx), "failed to ping database", "driver", cfg.Driver)

	log.WithFields(log.Fields{"driver": cfg.Driver, "product": cfg.Product}).Debug("opened database")
	return db
}

// MustStore opens the configured database, and a document store of it.
func (cfg DatabaseConfig) MustStore(ctx context.Context) (*sql.DB, *rdb.Store) {
	var db = cfg.MustOpen(ctx)

	var store, err = rdb.New(ctx, db, cfg.Options())
	Must(err, "failed to initialize document store")

	return db, store
}
