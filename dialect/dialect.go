// Package dialect captures the behavioral differences of the SQL backends
// supported by the rdb store. Each backend is described by a *Dialect record
// of DDL, paging, expression builders, and capability flags, and exactly one
// Dialect is selected per store from the server's reported product name.
// All statement construction which varies by backend routes through here.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Paging enumerates the syntax used to bound the rows of a SELECT.
type Paging int

const (
	// FetchFirst appends "FETCH FIRST n ROWS ONLY".
	FetchFirst Paging = iota
	// Limit appends "LIMIT n".
	Limit
	// Top prefixes the column list with "TOP n".
	Top
)

// DefaultDataOctets is the DATA column capacity of DDL which doesn't
// override it, and the assumed capacity where it can't be discovered.
const DefaultDataOctets = 16384

// Dialect is the fixed strategy record of a SQL backend.
type Dialect struct {
	// Name is the product name reported by the backend.
	Name string
	// MinMajor and MinMinor are the minimum supported server version.
	MinMajor, MinMinor int
	// PrimaryKeyByteEncoded is true if ID is stored and compared as raw
	// bytes, because the backend's default collation doesn't order text
	// byte-wise.
	PrimaryKeyByteEncoded bool
	// AllowsCaseInSelect is true if the backend supports CASE expressions
	// in a SELECT column list.
	AllowsCaseInSelect bool
	// Paging syntax of the backend.
	Paging Paging
	// InitStatement is run on each acquired connection, if non-empty.
	InitStatement string
	// DataOctets is the DATA column capacity created by TableDDL.
	DataOctets int
	// Placeholders is the bind-parameter style of the backend's driver.
	Placeholders Placeholders
	// Diagnostics describes an optional query of encoding and collation.
	Diagnostics *Diagnostics

	ddl      func(table string, dataOctets int) string
	concat   func(dataOctets, appendLen int) string
	greatest func(column string) string
}

// TableDDL returns the statement creating |table| with a DATA column of
// |dataOctets| capacity. If |dataOctets| is zero, the Dialect's default is used.
func (d *Dialect) TableDDL(table string, dataOctets int) string {
	if dataOctets <= 0 {
		dataOctets = d.DataOctets
	}
	return d.ddl(table, dataOctets)
}

// ConcatExpr returns an expression appending a bound string parameter of
// |appendLen| characters to DATA. The expression must fail, rather than
// truncate, if the result would exceed |dataOctets|.
func (d *Dialect) ConcatExpr(dataOctets, appendLen int) string {
	return d.concat(dataOctets, appendLen)
}

// GreatestExpr returns an expression of the larger of |column| and a bound parameter.
func (d *Dialect) GreatestExpr(column string) string {
	return d.greatest(column)
}

// SelectPrefix returns the paging clause which directly follows "select ",
// if any. A negative |limit| is unbounded.
func (d *Dialect) SelectPrefix(limit int) string {
	if limit >= 0 && d.Paging == Top {
		return "TOP " + strconv.Itoa(limit) + " "
	}
	return ""
}

// SelectSuffix returns the paging clause which completes a SELECT, if any.
// A negative |limit| is unbounded.
func (d *Dialect) SelectSuffix(limit int) string {
	if limit < 0 {
		return ""
	}
	switch d.Paging {
	case Limit:
		return " LIMIT " + strconv.Itoa(limit)
	case FetchFirst:
		return " FETCH FIRST " + strconv.Itoa(limit) + " ROWS ONLY"
	default:
		return ""
	}
}

// IDArg returns |id| in the form bound as an ID statement parameter.
func (d *Dialect) IDArg(id string) interface{} {
	if d.PrimaryKeyByteEncoded {
		return []byte(id)
	}
	return id
}

// Rebind rewrites the "?" placeholders of |query| into the Dialect's style.
func (d *Dialect) Rebind(query string) string {
	return d.Placeholders.Rebind(query)
}

// CheckVersion logs if |major|.|minor| is below the supported minimum.
// It returns whether the version is supported. An unsupported version is not
// an error: the store may work regardless.
func (d *Dialect) CheckVersion(major, minor int) bool {
	if d == Default {
		log.WithField("product", d.Name).Info("unknown database type")
		return false
	}
	if major < d.MinMajor || (major == d.MinMajor && minor < d.MinMinor) {
		log.WithFields(log.Fields{
			"product":  d.Name,
			"version":  fmt.Sprintf("%d.%d", major, minor),
			"expected": fmt.Sprintf("%d.%d", d.MinMajor, d.MinMinor),
		}).Info("unsupported database version")
		return false
	}
	return true
}

func (d *Dialect) String() string { return d.Name }

// Placeholders enumerates bind-parameter styles.
type Placeholders int

const (
	// Question placeholders are "?".
	Question Placeholders = iota
	// Dollar placeholders are "$1", "$2", ...
	Dollar
)

// Rebind rewrites the "?" placeholders of |query| into the style.
func (p Placeholders) Rebind(query string) string {
	if p == Question {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)

	var n int
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func columnsDDL(idType, intType, dataType, blobType string) string {
	return "(ID " + idType + " not null primary key, MODIFIED " + intType +
		", HASBINARY " + smallOr(intType) + ", DELETEDONCE " + smallOr(intType) +
		", MODCOUNT " + intType + ", CMODCOUNT " + intType + ", DSIZE " + intType +
		", DATA " + dataType + ", BDATA " + blobType + ")"
}

func smallOr(intType string) string {
	if intType == "bigint" {
		return "smallint"
	}
	return intType
}

func defaultDDL(table string, n int) string {
	return "create table " + table + " " + columnsDDL("varchar(512)", "bigint",
		fmt.Sprintf("varchar(%d)", n), fmt.Sprintf("blob(%d)", 1024*1024*1024))
}

func defaultConcat(dataOctets, _ int) string {
	return fmt.Sprintf("DATA || CAST(? AS varchar(%d))", dataOctets)
}

func defaultGreatest(column string) string {
	return "GREATEST(" + column + ", ?)"
}

var (
	// Default is used for backends which aren't otherwise recognized.
	Default = &Dialect{
		Name:               "default",
		AllowsCaseInSelect: true,
		Paging:             FetchFirst,
		DataOctets:         DefaultDataOctets,
		ddl:                defaultDDL,
		concat:             defaultConcat,
		greatest:           defaultGreatest,
	}
	// H2 database.
	H2 = &Dialect{
		Name:               "H2",
		MinMajor:           1,
		MinMinor:           4,
		AllowsCaseInSelect: true,
		Paging:             FetchFirst,
		DataOctets:         DefaultDataOctets,
		ddl:                defaultDDL,
		concat:             defaultConcat,
		greatest:           defaultGreatest,
	}
	// PostgreSQL database.
	PostgreSQL = &Dialect{
		Name:               "PostgreSQL",
		MinMajor:           9,
		MinMinor:           3,
		AllowsCaseInSelect: true,
		Paging:             FetchFirst,
		DataOctets:         DefaultDataOctets,
		Placeholders:       Dollar,
		Diagnostics: &Diagnostics{
			Query:   "SELECT pg_encoding_to_char(encoding) AS encoding, datcollate FROM pg_database WHERE datname = current_database()",
			Columns: []string{"encoding", "datcollate"},
		},
		ddl: func(table string, n int) string {
			return "create table " + table + " " + columnsDDL("varchar(512)", "bigint",
				fmt.Sprintf("varchar(%d)", n), "bytea")
		},
		concat:   defaultConcat,
		greatest: defaultGreatest,
	}
	// DB2 database. Its product name is reported as "DB2/<platform>".
	DB2 = &Dialect{
		Name:               "DB2",
		MinMajor:           10,
		MinMinor:           5,
		AllowsCaseInSelect: true,
		Paging:             FetchFirst,
		DataOctets:         DefaultDataOctets,
		Diagnostics: &Diagnostics{
			Query:    "SELECT CODEPAGE, COLLATIONSCHEMA, COLLATIONNAME, TABSCHEMA FROM SYSCAT.COLUMNS WHERE COLNAME = 'ID' AND COLNO = 0 AND UPPER(TABNAME) = UPPER(?)",
			TableArg: true,
			Columns:  []string{"CODEPAGE", "COLLATIONSCHEMA", "COLLATIONNAME", "TABSCHEMA"},
		},
		ddl:      defaultDDL,
		concat:   defaultConcat,
		greatest: defaultGreatest,
	}
	// Oracle database. Its default NLS_SORT doesn't order IDs byte-wise.
	Oracle = &Dialect{
		Name:               "Oracle",
		MinMajor:           12,
		MinMinor:           1,
		AllowsCaseInSelect: true,
		Paging:             FetchFirst,
		InitStatement:      "ALTER SESSION SET NLS_SORT='BINARY'",
		DataOctets:         4000,
		Diagnostics: &Diagnostics{
			Query:    "SELECT PARAMETER, VALUE FROM NLS_DATABASE_PARAMETERS WHERE PARAMETER IN ('NLS_COMP', 'NLS_CHARACTERSET')",
			KeyValue: true,
		},
		ddl: func(table string, n int) string {
			return "create table " + table + " " + columnsDDL("varchar(512)", "number",
				fmt.Sprintf("varchar(%d)", n), "blob")
		},
		concat:   defaultConcat,
		greatest: defaultGreatest,
	}
	// MySQL database.
	MySQL = &Dialect{
		Name:                  "MySQL",
		MinMajor:              5,
		MinMinor:              5,
		PrimaryKeyByteEncoded: true,
		AllowsCaseInSelect:    true,
		Paging:                Limit,
		DataOctets:            16000,
		Diagnostics: &Diagnostics{
			Query:    "SHOW TABLE STATUS LIKE ?",
			TableArg: true,
			Columns:  []string{"Collation"},
		},
		ddl: func(table string, n int) string {
			return "create table " + table + " " + columnsDDL("varbinary(512)", "bigint",
				fmt.Sprintf("varchar(%d)", n), "longblob")
		},
		concat:   func(int, int) string { return "CONCAT(DATA, ?)" },
		greatest: defaultGreatest,
	}
	// MSSQL is Microsoft SQL Server.
	MSSQL = &Dialect{
		Name:                  "Microsoft SQL Server",
		MinMajor:              11,
		MinMinor:              0,
		PrimaryKeyByteEncoded: true,
		AllowsCaseInSelect:    true,
		Paging:                Top,
		DataOctets:            4000,
		Diagnostics: &Diagnostics{
			Query:   "SELECT collation_name FROM sys.databases WHERE name = DB_NAME()",
			Columns: []string{"collation_name"},
		},
		ddl: func(table string, n int) string {
			return "create table " + table + " " + columnsDDL("varbinary(512)", "bigint",
				fmt.Sprintf("nvarchar(%d)", n), "varbinary(max)")
		},
		// Concatenating past the limit would silently truncate. Instead, force
		// a conversion error by casting DATA itself to nvarchar(max).
		concat: func(dataOctets, appendLen int) string {
			return fmt.Sprintf("CASE WHEN LEN(DATA) <= %d THEN (DATA + CAST(? AS nvarchar(%d))) ELSE (DATA + CAST(DATA AS nvarchar(max))) END",
				dataOctets-appendLen, dataOctets)
		},
		greatest: func(column string) string {
			return "(select MAX(mod) from (VALUES (" + column + "), (?)) AS ALLMOD(mod))"
		},
	}
	// SQLite database. SQLite doesn't enforce declared column widths, so
	// DATA carries a CHECK constraint which fails an overflowing append.
	SQLite = &Dialect{
		Name:               "SQLite",
		MinMajor:           3,
		MinMinor:           8,
		AllowsCaseInSelect: true,
		Paging:             Limit,
		DataOctets:         DefaultDataOctets,
		Diagnostics: &Diagnostics{
			Query:   "PRAGMA encoding",
			Columns: []string{"encoding"},
		},
		ddl: func(table string, n int) string {
			return "create table " + table + " " + columnsDDL("varchar(512)", "bigint",
				fmt.Sprintf("varchar(%d) CHECK(length(DATA) <= %d)", n, n), "blob")
		},
		concat: func(int, int) string { return "DATA || ?" },
		greatest: func(column string) string {
			return "MAX(IFNULL(" + column + ", 0), ?)"
		},
	}

	// Dialects enumerates all recognized Dialects.
	Dialects = []*Dialect{Default, H2, PostgreSQL, DB2, Oracle, MySQL, MSSQL, SQLite}
)

// Lookup returns the Dialect of the backend |productName|. An unrecognized
// name logs an error and returns Default.
func Lookup(productName string) *Dialect {
	for _, d := range Dialects {
		if d.Name == productName {
			return d
		} else if d == DB2 && strings.HasPrefix(productName, "DB2/") {
			return d
		}
	}
	log.WithField("product", productName).Error("database type unknown, trying default settings")
	return Default
}
