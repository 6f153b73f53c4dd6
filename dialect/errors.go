package dialect

import (
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// sqlStateStringTruncation is the SQLSTATE "string data, right truncation".
const sqlStateStringTruncation = "22001"

// Oracle reports a concatenation exceeding VARCHAR2 capacity as ORA-01489,
// under the generic SQLSTATE 72000.
const (
	sqlStateOracle         = "72000"
	oracleStringConcatCode = 1489
)

// IsStringOverflow returns whether |err| reports that a string value
// exceeded the capacity of its column.
func IsStringOverflow(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == sqlStateStringTruncation
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrTooBig ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintCheck
	}

	// Other drivers commonly expose SQLSTATE through this method.
	var stateErr interface{ SQLState() string }
	if errors.As(err, &stateErr) {
		switch stateErr.SQLState() {
		case sqlStateStringTruncation:
			return true
		case sqlStateOracle:
			return isOracleConcatTooLong(err)
		}
		return false
	}
	// Oracle drivers which don't expose SQLSTATE still carry the ORA code.
	return strings.Contains(err.Error(), "ORA-01489")
}

func isOracleConcatTooLong(err error) bool {
	var codeErr interface{ Code() int }
	if errors.As(err, &codeErr) {
		return codeErr.Code() == oracleStringConcatCode
	}
	return strings.Contains(err.Error(), "ORA-01489")
}
