// Package rowcodec translates Documents to and from the textual and binary
// row representation of the rdb store.
//
// A row's DATA column holds a JSON serialization of the document, optionally
// followed by a comma-separated sequence of appended deltas, each a JSON array
// of operations which are re-applied in order when the row is parsed:
//
//	{"prop":"a","m":{"r1":"x"}},[["=","prop","b"]],[["*","m","r1"]]
//
// Documents which are too large to be held inline are stored compressed in
// the BDATA column, and DATA then begins with the BlobMarker:
//
//	"blob",[["=","prop","c"]]
package rowcodec

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.rdbstore.dev/core/codecs"
	"go.rdbstore.dev/core/document"
)

// BlobMarker is the DATA content of a row whose document body is in BDATA.
const BlobMarker = `"blob"`

// Row is a raw, materialized table row.
type Row struct {
	ID                 string
	Modified           sql.NullInt64
	ModCount           int64
	CollisionsModCount sql.NullInt64
	HasBinary          bool
	DeletedOnce        bool
	Data               string
	BData              []byte
}

// Serializer translates Documents and UpdateOps into row text, and Rows into
// Documents. Properties held in dedicated columns are not serialized.
type Serializer struct {
	// Codec used to compress bodies stored as BDATA.
	Codec codecs.Codec

	columns map[string]struct{}
}

// ColumnProperties are the Document properties represented as row columns.
var ColumnProperties = []string{
	document.ID,
	document.HasBinaryFlag,
	document.DeletedOnce,
	document.CollisionsModCount,
	document.Modified,
	document.ModCount,
}

// NewSerializer returns a Serializer which compresses with |codec|.
func NewSerializer(codec codecs.Codec) *Serializer {
	var s = &Serializer{Codec: codec, columns: make(map[string]struct{})}
	for _, p := range ColumnProperties {
		s.columns[p] = struct{}{}
	}
	return s
}

// AsString serializes the non-column properties of |doc| as a JSON object.
func (s *Serializer) AsString(doc *document.Document) (string, error) {
	var m = doc.Map()
	for p := range s.columns {
		delete(m, p)
	}
	var b, err = json.Marshal(m)
	if err != nil {
		return "", errors.WithMessagef(err, "serializing document %q", doc.ID())
	}
	return string(b), nil
}

// DeltaString serializes the non-column changes of |op| as a JSON array of
// operations, suitable for appending to a row's DATA.
func (s *Serializer) DeltaString(op *document.UpdateOp) (string, error) {
	var ops = make([][]interface{}, 0, len(op.Changes()))

	for _, k := range op.SortedKeys() {
		if _, ok := s.columns[k.Name]; ok {
			continue
		}
		var o = op.Changes()[k]

		switch o.Type {
		case document.Set:
			ops = append(ops, []interface{}{"=", k.Name, o.Value})
		case document.Max:
			ops = append(ops, []interface{}{"M", k.Name, o.Value})
		case document.Increment:
			ops = append(ops, []interface{}{"+", k.Name, o.Value})
		case document.SetMapEntry:
			ops = append(ops, []interface{}{"=", k.Name, k.Revision, o.Value})
		case document.RemoveMapEntry:
			ops = append(ops, []interface{}{"*", k.Name, k.Revision})
		case document.Unset:
			ops = append(ops, []interface{}{"*", k.Name})
		}
	}
	var b, err = json.Marshal(ops)
	if err != nil {
		return "", errors.WithMessagef(err, "serializing update of %q", op.ID())
	}
	return string(b), nil
}

// EncodeBlob compresses the serialized document |data| for storage as BDATA.
func (s *Serializer) EncodeBlob(data string) ([]byte, error) {
	return codecs.Encode([]byte(data), s.Codec)
}

// FromRow parses a Row into a Document, applying any appended deltas.
func (s *Serializer) FromRow(row Row) (*document.Document, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte("["+row.Data+"]"), &elems); err != nil {
		return nil, errors.WithMessagef(err, "parsing DATA of %q", row.ID)
	} else if len(elems) == 0 {
		return nil, errors.Errorf("row %q has empty DATA", row.ID)
	}

	var body = []byte(elems[0])
	if string(body) == BlobMarker {
		if len(row.BData) == 0 {
			return nil, errors.Errorf("row %q references missing BDATA", row.ID)
		}
		var err error
		if body, err = codecs.Decode(row.BData); err != nil {
			return nil, errors.WithMessagef(err, "decoding BDATA of %q", row.ID)
		}
	}

	var props map[string]interface{}
	if err := decode(body, &props); err != nil {
		return nil, errors.WithMessagef(err, "parsing body of %q", row.ID)
	}
	var doc = document.New()
	for k, v := range props {
		doc.Put(k, normalize(v))
	}

	for i, elem := range elems[1:] {
		var ops [][]interface{}
		if err := decode(elem, &ops); err != nil {
			return nil, errors.WithMessagef(err, "parsing delta %d of %q", i, row.ID)
		}
		var op, err = s.parseDelta(row.ID, ops)
		if err != nil {
			return nil, errors.WithMessagef(err, "delta %d of %q", i, row.ID)
		}
		document.ApplyChanges(doc, op)
	}

	doc.Put(document.ID, row.ID)
	doc.Put(document.ModCount, row.ModCount)
	if row.Modified.Valid {
		doc.Put(document.Modified, row.Modified.Int64)
	}
	if row.CollisionsModCount.Valid {
		doc.Put(document.CollisionsModCount, row.CollisionsModCount.Int64)
	}
	if row.HasBinary {
		doc.Put(document.HasBinaryFlag, document.HasBinaryVal)
	}
	if row.DeletedOnce {
		doc.Put(document.DeletedOnce, true)
	}
	return doc, nil
}

func (s *Serializer) parseDelta(id string, ops [][]interface{}) (*document.UpdateOp, error) {
	var op = document.NewUpdateOp(id, false)

	for _, o := range ops {
		if len(o) < 2 {
			return nil, fmt.Errorf("malformed operation %v", o)
		}
		var kind, _ = o[0].(string)
		var name, _ = o[1].(string)

		switch {
		case kind == "=" && len(o) == 3:
			op.Set(name, normalize(o[2]))
		case kind == "=" && len(o) == 4:
			op.SetMapEntry(name, asString(o[2]), normalize(o[3]))
		case kind == "M" && len(o) == 3:
			var n, _ = normalize(o[2]).(int64)
			op.Max(name, n)
		case kind == "+" && len(o) == 3:
			var n, _ = normalize(o[2]).(int64)
			op.Increment(name, n)
		case kind == "*" && len(o) == 3:
			op.RemoveMapEntry(name, asString(o[2]))
		case kind == "*" && len(o) == 2:
			op.Unset(name)
		default:
			return nil, fmt.Errorf("malformed operation %v", o)
		}
	}
	return op, nil
}

func decode(b []byte, into interface{}) error {
	var dec = json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(into)
}

// normalize maps decoded json.Numbers onto int64 (or float64, if fractional).
func normalize(v interface{}) interface{} {
	switch vv := v.(type) {
	case json.Number:
		if n, err := vv.Int64(); err == nil {
			return n
		}
		var f, _ = vv.Float64()
		return f
	case map[string]interface{}:
		for k, e := range vv {
			vv[k] = normalize(e)
		}
		return vv
	case []interface{}:
		for i, e := range vv {
			vv[i] = normalize(e)
		}
		return vv
	default:
		return v
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.Trim(fmt.Sprint(v), `"`)
}
