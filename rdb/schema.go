package rdb

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/document"
)

// probeID is the id of the representative point query of a table.
const probeID = "0:/"

// ensureTables creates the table of each Collection which doesn't yet exist,
// and discovers the DATA capacity of the Nodes table.
func (s *Store) ensureTables(ctx context.Context) error {
	var conn, err = s.handler.readWrite(ctx)
	if err != nil {
		return err
	}
	defer conn.close()

	for _, c := range document.Collections {
		if err = s.ensureTable(ctx, conn, c); err != nil {
			return err
		}
	}
	return conn.commit()
}

func (s *Store) ensureTable(ctx context.Context, conn *connection, c document.Collection) error {
	var table = s.tables[c]

	var err = s.probeTable(ctx, conn, c)
	if err == nil {
		s.tablesPresent = append(s.tablesPresent, table)
		return nil
	}
	log.WithFields(log.Fields{"table": table, "err": err}).Debug("table does not appear to exist")
	// The failed probe may have aborted the transaction.
	conn.rollback()

	if _, err = conn.exec(ctx, "ddl", s.dialect.TableDDL(table, s.opts.DataOctets)); err != nil {
		log.WithFields(log.Fields{"table": table, "db": s.dialect.Name, "url": s.opts.URL, "err": err}).
			Error("failed to create table")
		return errors.WithMessagef(err, "creating table %s", table)
	} else if err = conn.commit(); err != nil {
		return errors.WithMessagef(err, "creating table %s", table)
	}
	s.tablesCreated = append(s.tablesCreated, table)

	if err = s.probeTable(ctx, conn, c); err != nil {
		return errors.WithMessagef(err, "probing created table %s", table)
	}
	return nil
}

// probeTable runs a point query against the table of |c|. If |c| is Nodes,
// the capacity of its DATA column is discovered from the query's metadata.
func (s *Store) probeTable(ctx context.Context, conn *connection, c document.Collection) error {
	var rows, err = conn.query(ctx, "probe", "select DATA from "+s.tables[c]+" where ID = ?", s.dialect.IDArg(probeID))
	if err != nil {
		return err
	}
	defer rows.Close()

	if c == document.Nodes {
		s.dataOctets = s.discoverCapacity(rows)
	}
	for rows.Next() {
	}
	return rows.Err()
}

var typeLengthRe = regexp.MustCompile(`\((\d+)\)`)

// discoverCapacity returns the declared capacity of the DATA column of |rows|.
// Where the driver doesn't report it, the configured or dialect default is used.
func (s *Store) discoverCapacity(rows *sql.Rows) int {
	var fallback = s.opts.DataOctets
	if fallback == 0 {
		fallback = s.dialect.DataOctets
	}

	var types, err = rows.ColumnTypes()
	if err != nil || len(types) == 0 {
		return fallback
	}
	if n, ok := types[0].Length(); ok && n > 0 && n < 1<<31 {
		return int(n)
	}
	if m := typeLengthRe.FindStringSubmatch(types[0].DatabaseTypeName()); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// dropTables drops tables created by this Store. Failures are logged, and
// don't prevent remaining tables from being dropped.
func (s *Store) dropTables(ctx context.Context) {
	log.WithField("tables", s.tablesCreated).Debug("attempting to drop tables")

	for _, table := range s.tablesCreated {
		if err := func() error {
			var conn, err = s.handler.readWrite(ctx)
			if err != nil {
				return err
			}
			defer conn.close()

			if _, err = conn.exec(ctx, "ddl", "drop table "+table); err != nil {
				return err
			}
			return conn.commit()
		}(); err != nil {
			log.WithFields(log.Fields{"table": table, "err": err}).Debug("failed to drop table")
		} else {
			s.tablesDropped = append(s.tablesDropped, table)
		}
	}
}
