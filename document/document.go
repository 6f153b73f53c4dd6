// Package document models the semi-structured records persisted by the
// rdb store: a Document is an identified bag of named properties, and an
// UpdateOp is a named set of changes (and preconditions) which produces a new
// Document from a prior one.
package document

import (
	"fmt"
	"sort"
)

// Reserved property names which the store maps onto dedicated table columns.
const (
	ID                 = "_id"
	Modified           = "_modified"
	ModCount           = "_modCount"
	CollisionsModCount = "_collisionsModCount"
	HasBinaryFlag      = "_bin"
	DeletedOnce        = "_deletedOnce"
	Collisions         = "_collisions"

	// HasBinaryVal is the value of HasBinaryFlag on documents having binaries.
	HasBinaryVal int64 = 1
)

// Collection is a logical collection of Documents, each stored in its own table.
type Collection int

const (
	// Nodes is the primary, heavily read and written collection. Only Nodes
	// documents are cached.
	Nodes Collection = iota
	// ClusterNodes holds cluster metadata documents.
	ClusterNodes
	// Settings holds settings documents.
	Settings
)

// Collections enumerates all Collections, in table-creation order.
var Collections = []Collection{ClusterNodes, Nodes, Settings}

// String returns the lower-case collection name.
func (c Collection) String() string {
	switch c {
	case Nodes:
		return "nodes"
	case ClusterNodes:
		return "clusterNodes"
	case Settings:
		return "settings"
	default:
		return fmt.Sprintf("collection(%d)", int(c))
	}
}

// TableBaseName returns the unprefixed table name of the Collection.
func (c Collection) TableBaseName() string {
	switch c {
	case Nodes:
		return "NODES"
	case ClusterNodes:
		return "CLUSTERNODES"
	case Settings:
		return "SETTINGS"
	default:
		panic(fmt.Sprintf("unknown collection %d", int(c)))
	}
}

// Document is an identified bag of named properties. Property values are one
// of: string, int64, float64, bool, nil, or map[string]interface{} (a "map
// property", keyed by revision). Once sealed, a Document must not be modified.
type Document struct {
	data   map[string]interface{}
	sealed bool
}

// New returns an empty, unsealed Document.
func New() *Document {
	return &Document{data: make(map[string]interface{})}
}

// FromMap returns an unsealed Document holding a deep copy of |m|.
func FromMap(m map[string]interface{}) *Document {
	var d = New()
	for k, v := range m {
		d.data[k] = copyValue(v)
	}
	return d
}

// ID returns the "_id" property, or "" if unset.
func (d *Document) ID() string {
	var s, _ = d.data[ID].(string)
	return s
}

// Get returns the named property value and whether it's present.
func (d *Document) Get(name string) (interface{}, bool) {
	var v, ok = d.data[name]
	return v, ok
}

// Put sets the named property. It panics if the Document is sealed.
func (d *Document) Put(name string, value interface{}) {
	d.mustNotBeSealed()
	d.data[name] = value
}

// Remove deletes the named property. It panics if the Document is sealed.
func (d *Document) Remove(name string) {
	d.mustNotBeSealed()
	delete(d.data, name)
}

// Keys returns sorted property names of the Document.
func (d *Document) Keys() []string {
	var out = make([]string, 0, len(d.data))
	for k := range d.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Int returns the named property as an int64, if it's present and numeric.
func (d *Document) Int(name string) (int64, bool) {
	return asInt(d.data[name])
}

// ModCount returns the version counter of the Document, or -1 if it has none.
func (d *Document) ModCount() int64 {
	if n, ok := d.Int(ModCount); ok {
		return n
	}
	return -1
}

// HasBinary returns whether the Document is flagged as having binaries.
func (d *Document) HasBinary() bool {
	var n, ok = d.Int(HasBinaryFlag)
	return ok && n == HasBinaryVal
}

// IsDeletedOnce returns whether the Document is flagged as deleted once.
func (d *Document) IsDeletedOnce() bool {
	var b, _ = d.data[DeletedOnce].(bool)
	return b
}

// Seal marks the Document as immutable.
func (d *Document) Seal() { d.sealed = true }

// IsSealed returns whether the Document is sealed.
func (d *Document) IsSealed() bool { return d.sealed }

// Copy returns an unsealed, deep copy of the Document.
func (d *Document) Copy() *Document { return FromMap(d.data) }

// Map returns a deep copy of the Document's properties.
func (d *Document) Map() map[string]interface{} {
	var out = make(map[string]interface{}, len(d.data))
	for k, v := range d.data {
		out[k] = copyValue(v)
	}
	return out
}

// MapEntry returns the |rev| entry of map property |name|.
func (d *Document) MapEntry(name, rev string) (interface{}, bool) {
	var m, _ = d.data[name].(map[string]interface{})
	var v, ok = m[rev]
	return v, ok
}

func (d *Document) mustNotBeSealed() {
	if d.sealed {
		panic(fmt.Sprintf("document %q is sealed", d.ID()))
	}
}

func copyValue(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		var out = make(map[string]interface{}, len(m))
		for k, vv := range m {
			out[k] = copyValue(vv)
		}
		return out
	}
	return v
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	default:
		return 0, false
	}
}
