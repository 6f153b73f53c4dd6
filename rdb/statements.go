package rdb

import (
	"context"
	"database/sql"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/dialect"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/metrics"
	"go.rdbstore.dev/core/rowcodec"
)

const rowColumns = "MODIFIED, MODCOUNT, CMODCOUNT, HASBINARY, DELETEDONCE, DATA, BDATA"

// selectRow reads the row of |id|, or returns nil if there is none. If
// |lastModCount| isn't -1 and the dialect allows, the DATA and BDATA of a
// row having that modCount are not transferred, and are returned empty.
func (s *Store) selectRow(ctx context.Context, conn *connection, table, id string, lastModCount int64) (*rowcodec.Row, error) {
	var query, kind = "", metrics.Select
	var args []interface{}

	if lastModCount != -1 && s.dialect.AllowsCaseInSelect {
		kind = metrics.Revalidate
		query = "select MODIFIED, MODCOUNT, CMODCOUNT, HASBINARY, DELETEDONCE, " +
			"case MODCOUNT when ? then null else DATA end as DATA, " +
			"case MODCOUNT when ? then null else BDATA end as BDATA from " + table + " where ID = ?"
		args = []interface{}{lastModCount, lastModCount, s.dialect.IDArg(id)}
	} else {
		query = "select " + rowColumns + " from " + table + " where ID = ?"
		args = []interface{}{s.dialect.IDArg(id)}
	}

	var rows, err = conn.query(ctx, kind, query, args...)
	if err != nil {
		if dialect.IsStringOverflow(err) {
			// Some backends reject ids longer than the ID column.
			// No such document can exist.
			log.WithFields(log.Fields{"id": id, "len": len(id), "err": err}).
				Error("attempting to read document")
			conn.rollback()
			return nil, nil
		}
		return nil, errors.WithMessagef(err, "reading %s/%s", table, id)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.WithMessagef(rows.Err(), "reading %s/%s", table, id)
	}
	var row = &rowcodec.Row{ID: id}
	if err = scanRow(rows, row, false); err != nil {
		return nil, errors.WithMessagef(err, "reading %s/%s", table, id)
	}
	return row, nil
}

// selectRange reads rows having ids strictly between |from| and |to|, in id
// order, and matching an optional |cond| over indexed columns.
func (s *Store) selectRange(ctx context.Context, conn *connection, table, from, to, cond string, condArgs []interface{}, limit int) ([]*rowcodec.Row, error) {
	var query = "select " + s.dialect.SelectPrefix(limit) + "ID, " + rowColumns +
		" from " + table + " where ID > ? and ID < ?" + cond +
		" order by ID" + s.dialect.SelectSuffix(limit)
	var args = append([]interface{}{s.dialect.IDArg(from), s.dialect.IDArg(to)}, condArgs...)

	var rows, err = conn.query(ctx, metrics.Select, query, args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "querying %s", table)
	}
	defer rows.Close()

	var out []*rowcodec.Row
	for (limit < 0 || len(out) < limit) && rows.Next() {
		var row = new(rowcodec.Row)
		if err = scanRow(rows, row, true); err != nil {
			return nil, errors.WithMessagef(err, "querying %s", table)
		}
		if row.ID <= from || row.ID >= to {
			return nil, errors.WithMessagef(ErrIntegrity,
				"unexpected query result: %q < %q < %q (broken database collation?)", from, row.ID, to)
		}
		out = append(out, row)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.WithMessagef(err, "querying %s", table)
	}
	return out, nil
}

func scanRow(rows *sql.Rows, row *rowcodec.Row, withID bool) error {
	var hasBinary, deletedOnce sql.NullInt64
	var modCount sql.NullInt64
	var data sql.NullString
	var idBytes []byte

	var dest = []interface{}{
		&row.Modified, &modCount, &row.CollisionsModCount,
		&hasBinary, &deletedOnce, &data, &row.BData,
	}
	if withID {
		dest = append([]interface{}{&idBytes}, dest...)
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	if withID {
		row.ID = string(idBytes)
	}
	row.ModCount = modCount.Int64
	row.HasBinary = hasBinary.Int64 == 1
	row.DeletedOnce = deletedOnce.Int64 == 1
	row.Data = data.String
	return nil
}

// insertRow inserts |doc|.
func (s *Store) insertRow(ctx context.Context, conn *connection, table string, doc *document.Document) error {
	var data, err = s.serializer.AsString(doc)
	if err != nil {
		return err
	}
	inline, blob, err := s.bodyArgs(data)
	if err != nil {
		return err
	}
	_, err = conn.exec(ctx, metrics.Insert, "insert into "+table+
		" (ID, MODIFIED, HASBINARY, DELETEDONCE, MODCOUNT, CMODCOUNT, DSIZE, DATA, BDATA)"+
		" values (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		s.dialect.IDArg(doc.ID()),
		nullableInt(doc, document.Modified),
		flag(doc.HasBinary()),
		flag(doc.IsDeletedOnce()),
		doc.ModCount(),
		nullableInt(doc, document.CollisionsModCount),
		utf8.RuneCountInString(data),
		inline,
		blob,
	)
	return err
}

// updateRow rewrites the row of |doc|, if its modCount is |oldModCount|.
func (s *Store) updateRow(ctx context.Context, conn *connection, table string, doc *document.Document, oldModCount int64) (bool, error) {
	var data, err = s.serializer.AsString(doc)
	if err != nil {
		return false, err
	}
	inline, blob, err := s.bodyArgs(data)
	if err != nil {
		return false, err
	}
	result, err := conn.exec(ctx, metrics.Rewrite, "update "+table+
		" set MODIFIED = ?, HASBINARY = ?, DELETEDONCE = ?, MODCOUNT = ?, CMODCOUNT = ?,"+
		" DSIZE = ?, DATA = ?, BDATA = ? where ID = ? and MODCOUNT = ?",
		nullableInt(doc, document.Modified),
		flag(doc.HasBinary()),
		flag(doc.IsDeletedOnce()),
		doc.ModCount(),
		nullableInt(doc, document.CollisionsModCount),
		utf8.RuneCountInString(data),
		inline,
		blob,
		s.dialect.IDArg(doc.ID()),
		oldModCount,
	)
	return affectedOne(result, err, table, doc.ID(), oldModCount)
}

// appendRow appends |delta| to the DATA of the row of |doc|, and updates its
// columns, if its modCount is |oldModCount|.
func (s *Store) appendRow(ctx context.Context, conn *connection, table string, doc *document.Document, oldModCount int64, delta string) (bool, error) {
	var set []string
	var args []interface{}

	// The row is guarded by |oldModCount|, so |doc| holds its exact columns.
	set = append(set, "MODIFIED = ?", "HASBINARY = ?", "DELETEDONCE = ?", "MODCOUNT = ?", "CMODCOUNT = ?",
		"DSIZE = DSIZE + ?", "DATA = "+s.dialect.ConcatExpr(s.dataOctets, utf8.RuneCountInString(delta)+1))
	args = append(args,
		nullableInt(doc, document.Modified),
		flag(doc.HasBinary()),
		flag(doc.IsDeletedOnce()),
		doc.ModCount(),
		nullableInt(doc, document.CollisionsModCount),
		1+utf8.RuneCountInString(delta),
		","+delta,
		s.dialect.IDArg(doc.ID()),
		oldModCount,
	)

	var result, err = conn.exec(ctx, metrics.Append, "update "+table+" set "+
		strings.Join(set, ", ")+" where ID = ? and MODCOUNT = ?", args...)
	return affectedOne(result, err, table, doc.ID(), oldModCount)
}

// batchAppendRows appends |delta| to the rows of all |ids|, incrementing
// each row's modCount. It returns the number of affected rows.
func (s *Store) batchAppendRows(ctx context.Context, conn *connection, table string, ids []string,
	modified *int64, touchesCollisions bool, delta string) (int64, error) {

	var set []string
	var args []interface{}

	if modified != nil {
		set = append(set, "MODIFIED = "+s.dialect.GreatestExpr("MODIFIED"))
		args = append(args, *modified)
	}
	set = append(set, "MODCOUNT = MODCOUNT + 1")
	if touchesCollisions {
		set = append(set, "CMODCOUNT = COALESCE(CMODCOUNT, 0) + 1")
	}
	set = append(set, "DSIZE = DSIZE + ?",
		"DATA = "+s.dialect.ConcatExpr(s.dataOctets, utf8.RuneCountInString(delta)+1))
	args = append(args, 1+utf8.RuneCountInString(delta), ","+delta)

	for _, id := range ids {
		args = append(args, s.dialect.IDArg(id))
	}
	var result, err = conn.exec(ctx, metrics.BatchAppend, "update "+table+" set "+
		strings.Join(set, ", ")+" where ID in ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// deleteRows deletes the rows of |ids|, returning the number deleted.
func (s *Store) deleteRows(ctx context.Context, conn *connection, table string, ids []string) (int64, error) {
	var query string
	if len(ids) == 1 {
		query = "delete from " + table + " where ID = ?"
	} else {
		query = "delete from " + table + " where ID in (" + placeholders(len(ids)) + ")"
	}
	var args = make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = s.dialect.IDArg(id)
	}

	var result, err = conn.exec(ctx, metrics.Delete, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err == nil && n != int64(len(ids)) {
		log.WithFields(log.Fields{"table": table, "ids": ids, "deleted": n}).
			Debug("delete matched fewer rows than ids")
	}
	return n, err
}

// conditionalDelete is a delete of an id, subject to conditions over MODIFIED.
type conditionalDelete struct {
	id    string
	where string
	args  []interface{}
}

// deleteRowsIf deletes rows matching any of |deletes|.
func (s *Store) deleteRowsIf(ctx context.Context, conn *connection, table string, deletes []conditionalDelete) (int64, error) {
	var where []string
	var args []interface{}

	for _, d := range deletes {
		where = append(where, "ID = ?"+d.where)
		args = append(args, s.dialect.IDArg(d.id))
		args = append(args, d.args...)
	}
	var result, err = conn.exec(ctx, metrics.Delete, "delete from "+table+" where "+strings.Join(where, " or "), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// bodyArgs returns DATA and BDATA arguments of serialized document |data|.
// Documents which don't fit inline are compressed into BDATA.
func (s *Store) bodyArgs(data string) (string, interface{}, error) {
	if utf8.RuneCountInString(data) < s.inlineLimit() {
		return data, nil, nil
	}
	var b, err = s.serializer.EncodeBlob(data)
	if err != nil {
		return "", nil, errors.WithMessage(err, "compressing overflowing document")
	}
	metrics.OverflowWritesTotal.WithLabelValues(s.serializer.Codec.String()).Inc()
	metrics.OverflowBytesTotal.Add(float64(len(b)))

	return rowcodec.BlobMarker, b, nil
}

// inlineLimit is the exclusive bound on the characters of inline DATA.
func (s *Store) inlineLimit() int { return s.dataOctets / charToOctetRatio }

func affectedOne(result sql.Result, err error, table, id string, oldModCount int64) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	} else if n != 1 {
		log.WithFields(log.Fields{"table": table, "id": id, "oldModCount": oldModCount}).
			Debug("conditional update matched no row")
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableInt(doc *document.Document, name string) interface{} {
	if v, ok := doc.Int(name); ok {
		return v
	}
	return nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
