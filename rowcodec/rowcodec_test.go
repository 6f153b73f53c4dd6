package rowcodec

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.rdbstore.dev/core/codecs"
	"go.rdbstore.dev/core/document"
)

func TestAsStringOmitsColumnProperties(t *testing.T) {
	var s = NewSerializer(codecs.Gzip)
	var doc = document.New()
	doc.Put(document.ID, "1:/a")
	doc.Put(document.ModCount, int64(3))
	doc.Put(document.Modified, int64(100))
	doc.Put(document.HasBinaryFlag, document.HasBinaryVal)
	doc.Put("prop", "value")
	doc.Put("m", map[string]interface{}{"r1": int64(1)})

	var str, err = s.AsString(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"m":{"r1":1},"prop":"value"}`, str)
}

func TestDeltaEncoding(t *testing.T) {
	var s = NewSerializer(codecs.Gzip)
	var op = document.NewUpdateOp("1:/a", false).
		Set("a", "x").
		Max("b", 5).
		Increment("c", 2).
		SetMapEntry("d", "r1", "y").
		RemoveMapEntry("e", "r2").
		Unset("f").
		Max(document.Modified, 10)

	var str, err = s.DeltaString(op)
	require.NoError(t, err)
	assert.Equal(t, `[["=","a","x"],["M","b",5],["+","c",2],["=","d","r1","y"],["*","e","r2"],["*","f"]]`, str)
}

func TestFromRowAppliesAppendedDeltas(t *testing.T) {
	var s = NewSerializer(codecs.Gzip)

	var row = Row{
		ID:                 "1:/a",
		Modified:           sql.NullInt64{Int64: 100, Valid: true},
		ModCount:           3,
		CollisionsModCount: sql.NullInt64{Int64: 1, Valid: true},
		HasBinary:          true,
		Data: `{"a":"x","n":1,"m":{"r1":"one"}}` +
			`,[["=","a","y"],["+","n",4]]` +
			`,[["=","m","r2","two"],["*","m","r1"],["M","hi",7]]`,
	}
	var doc, err = s.FromRow(row)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		document.ID:                 "1:/a",
		document.ModCount:           int64(3),
		document.Modified:           int64(100),
		document.CollisionsModCount: int64(1),
		document.HasBinaryFlag:      document.HasBinaryVal,
		"a":                         "y",
		"n":                         int64(5),
		"m":                         map[string]interface{}{"r2": "two"},
		"hi":                        int64(7),
	}, doc.Map())
	assert.False(t, doc.IsDeletedOnce())
}

func TestFromRowWithBlobBody(t *testing.T) {
	for _, codec := range []codecs.Codec{codecs.None, codecs.Gzip, codecs.Snappy} {
		var s = NewSerializer(codec)
		var body = `{"big":"` + strings.Repeat("z", 1000) + `"}`

		var bdata, err = s.EncodeBlob(body)
		require.NoError(t, err)

		doc, err := s.FromRow(Row{
			ID:          "1:/b",
			ModCount:    17,
			DeletedOnce: true,
			Data:        BlobMarker + `,[["=","small","s"]]`,
			BData:       bdata,
		})
		require.NoError(t, err)

		var big, _ = doc.Get("big")
		assert.Len(t, big, 1000)
		var small, _ = doc.Get("small")
		assert.Equal(t, "s", small)
		assert.True(t, doc.IsDeletedOnce())
		_, ok := doc.Get(document.Modified)
		assert.False(t, ok)
	}
}

func TestRoundTripThroughSerializedForms(t *testing.T) {
	var s = NewSerializer(codecs.Gzip)
	var doc = document.New()
	doc.Put(document.ID, "2:/a/b")
	doc.Put("f", 1.5)
	doc.Put("nested", map[string]interface{}{"r": map[string]interface{}{"k": int64(9)}})

	var data, err = s.AsString(doc)
	require.NoError(t, err)
	delta, err := s.DeltaString(document.NewUpdateOp("2:/a/b", false).Set("g", true))
	require.NoError(t, err)

	out, err := s.FromRow(Row{ID: "2:/a/b", ModCount: 2, Data: data + "," + delta})
	require.NoError(t, err)

	assert.Equal(t, 1.5, out.Map()["f"])
	assert.Equal(t, true, out.Map()["g"])
	assert.Equal(t, map[string]interface{}{"r": map[string]interface{}{"k": int64(9)}}, out.Map()["nested"])
	assert.Equal(t, int64(2), out.ModCount())
}

func TestFromRowErrors(t *testing.T) {
	var s = NewSerializer(codecs.Gzip)

	var _, err = s.FromRow(Row{ID: "x", Data: ""})
	assert.EqualError(t, err, `row "x" has empty DATA`)

	_, err = s.FromRow(Row{ID: "x", Data: BlobMarker})
	assert.EqualError(t, err, `row "x" references missing BDATA`)

	_, err = s.FromRow(Row{ID: "x", Data: `{},[["?","a"]]`})
	assert.Error(t, err)

	_, err = s.FromRow(Row{ID: "x", Data: `{"a":`})
	assert.Error(t, err)
}
