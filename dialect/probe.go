package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Info describes a connected backend.
type Info struct {
	// Product name reported by (or configured for) the backend.
	Product string
	// Version string reported by the backend.
	Version string
	// Major and Minor version, parsed from Version.
	Major, Minor int
	// Driver is a description of the database/sql driver in use.
	Driver string
}

// Queryer is the subset of *sql.DB, *sql.Conn, and *sql.Tx used for probing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Probe determines the product and version of the backend of |db|. The
// product is inferred from the registered driver, unless |product| is
// non-empty. Backends of drivers which aren't linked into this package must
// name their |product|, and report no version.
func Probe(ctx context.Context, db *sql.DB, product string) (Info, error) {
	var info = Info{Product: product, Driver: fmt.Sprintf("%T", db.Driver())}

	switch db.Driver().(type) {
	case *pq.Driver:
		if info.Product == "" {
			info.Product = PostgreSQL.Name
		}
		if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&info.Version); err != nil {
			return info, errors.WithMessage(err, "querying PostgreSQL server_version")
		}
	case *sqlite3.SQLiteDriver:
		if info.Product == "" {
			info.Product = SQLite.Name
		}
		info.Version, _, _ = sqlite3.Version()
	default:
		if info.Product == "" {
			return info, errors.Errorf("unable to infer database product of driver %s", info.Driver)
		}
	}
	info.Major, info.Minor = ParseVersion(info.Version)

	log.WithFields(log.Fields{
		"product": info.Product,
		"version": info.Version,
		"driver":  info.Driver,
	}).Debug("probed database")

	return info, nil
}

var versionRe = regexp.MustCompile(`^\D*(\d+)(?:\.(\d+))?`)

// ParseVersion extracts the leading major and minor components of |version|.
// Components which can't be parsed are zero.
func ParseVersion(version string) (major, minor int) {
	var m = versionRe.FindStringSubmatch(version)
	if m == nil {
		return 0, 0
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return
}

// Diagnostics is a query of dialect-specific properties, such as the
// encoding and collation of the database, for operational logging.
type Diagnostics struct {
	// Query to run.
	Query string
	// TableArg is true if Query takes the table name as its sole argument.
	TableArg bool
	// KeyValue is true if Query returns rows of (property, value) pairs.
	// Otherwise, Columns of each row are reported by name.
	KeyValue bool
	// Columns to report.
	Columns []string
}

// maxDiagnostics bounds the number of reported properties.
const maxDiagnostics = 20

// Collect runs the diagnostics query against |db| for |table|, returning
// reported properties. Failures are logged and return an empty result.
func (d *Diagnostics) Collect(ctx context.Context, db Queryer, dialect *Dialect, table string) map[string]string {
	var out = make(map[string]string)
	if d == nil {
		return out
	}
	var args []interface{}
	if d.TableArg {
		args = append(args, table)
	}
	var rows, err = db.QueryContext(ctx, dialect.Rebind(d.Query), args...)
	if err != nil {
		log.WithField("err", err).Debug("while getting diagnostics")
		return out
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		log.WithField("err", err).Debug("while getting diagnostics")
		return out
	}
	for rows.Next() && len(out) < maxDiagnostics {
		var values = make([]sql.NullString, len(cols))
		var dest = make([]interface{}, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err = rows.Scan(dest...); err != nil {
			log.WithField("err", err).Debug("while getting diagnostics")
			return out
		}

		if d.KeyValue && len(values) >= 2 {
			out[values[0].String] = values[1].String
			continue
		}
		for i, c := range cols {
			for _, want := range d.Columns {
				if c == want {
					out[c] = values[i].String
				}
			}
		}
	}
	if err = rows.Err(); err != nil {
		log.WithField("err", err).Debug("while getting diagnostics")
	}
	return out
}
