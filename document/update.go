package document

import (
	"fmt"
	"reflect"
	"sort"
)

// OperationType enumerates the kinds of change an UpdateOp may carry.
type OperationType int

const (
	// Set the property to the given value.
	Set OperationType = iota
	// Max sets the property to the given value, if larger than the current one.
	Max
	// Increment a numeric property by the given amount.
	Increment
	// SetMapEntry sets a revision entry of a map property.
	SetMapEntry
	// RemoveMapEntry removes a revision entry of a map property.
	RemoveMapEntry
	// Unset removes the property.
	Unset
)

func (t OperationType) String() string {
	switch t {
	case Set:
		return "SET"
	case Max:
		return "MAX"
	case Increment:
		return "INCREMENT"
	case SetMapEntry:
		return "SET_MAP_ENTRY"
	case RemoveMapEntry:
		return "REMOVE_MAP_ENTRY"
	case Unset:
		return "UNSET"
	default:
		return fmt.Sprintf("OperationType(%d)", int(t))
	}
}

// Key names a property, or (where Revision is non-empty) an entry of a map property.
type Key struct {
	Name     string
	Revision string
}

func (k Key) String() string {
	if k.Revision == "" {
		return k.Name
	}
	return k.Name + "." + k.Revision
}

// Operation is a single change applied to a Key.
type Operation struct {
	Type  OperationType
	Value interface{}
}

// ConditionType enumerates precondition kinds.
type ConditionType int

const (
	// Equals requires the property to equal Value.
	Equals ConditionType = iota
	// NotEquals requires the property to not equal Value.
	NotEquals
	// Exists requires the property be present (Value true) or absent (Value false).
	Exists
)

// Condition is a precondition over a Key of the current Document.
type Condition struct {
	Type  ConditionType
	Value interface{}
}

func (c Condition) String() string {
	switch c.Type {
	case Equals:
		return fmt.Sprintf("== %v", c.Value)
	case NotEquals:
		return fmt.Sprintf("!= %v", c.Value)
	default:
		return fmt.Sprintf("exists(%v)", c.Value)
	}
}

// UpdateOp is an identified set of changes and preconditions over a Document.
type UpdateOp struct {
	id         string
	isNew      bool
	changes    map[Key]Operation
	conditions map[Key]Condition
}

// NewUpdateOp returns an UpdateOp of document |id|. If |isNew|, the op may
// create the document, and it sets the "_id" property.
func NewUpdateOp(id string, isNew bool) *UpdateOp {
	var op = &UpdateOp{
		id:         id,
		isNew:      isNew,
		changes:    make(map[Key]Operation),
		conditions: make(map[Key]Condition),
	}
	if isNew {
		op.Set(ID, id)
	}
	return op
}

// ID of the target document.
func (op *UpdateOp) ID() string { return op.id }

// IsNew returns whether the op may create its document.
func (op *UpdateOp) IsNew() bool { return op.isNew }

// Set |name| to |value|.
func (op *UpdateOp) Set(name string, value interface{}) *UpdateOp {
	op.changes[Key{Name: name}] = Operation{Type: Set, Value: normalize(value)}
	return op
}

// Max sets |name| to |value| if larger than its current value.
func (op *UpdateOp) Max(name string, value int64) *UpdateOp {
	op.changes[Key{Name: name}] = Operation{Type: Max, Value: value}
	return op
}

// Increment |name| by |delta|.
func (op *UpdateOp) Increment(name string, delta int64) *UpdateOp {
	op.changes[Key{Name: name}] = Operation{Type: Increment, Value: delta}
	return op
}

// SetMapEntry sets entry |rev| of map property |name| to |value|.
func (op *UpdateOp) SetMapEntry(name, rev string, value interface{}) *UpdateOp {
	op.changes[Key{Name: name, Revision: rev}] = Operation{Type: SetMapEntry, Value: normalize(value)}
	return op
}

// RemoveMapEntry removes entry |rev| of map property |name|.
func (op *UpdateOp) RemoveMapEntry(name, rev string) *UpdateOp {
	op.changes[Key{Name: name, Revision: rev}] = Operation{Type: RemoveMapEntry}
	return op
}

// Unset removes property |name|.
func (op *UpdateOp) Unset(name string) *UpdateOp {
	op.changes[Key{Name: name}] = Operation{Type: Unset}
	return op
}

// Equals adds a precondition that |name| equals |value|.
func (op *UpdateOp) Equals(name string, value interface{}) *UpdateOp {
	op.conditions[Key{Name: name}] = Condition{Type: Equals, Value: normalize(value)}
	return op
}

// NotEquals adds a precondition that |name| does not equal |value|.
func (op *UpdateOp) NotEquals(name string, value interface{}) *UpdateOp {
	op.conditions[Key{Name: name}] = Condition{Type: NotEquals, Value: normalize(value)}
	return op
}

// ContainsMapEntry adds a precondition that entry |rev| of map |name| is (or isn't) present.
func (op *UpdateOp) ContainsMapEntry(name, rev string, exists bool) *UpdateOp {
	op.conditions[Key{Name: name, Revision: rev}] = Condition{Type: Exists, Value: exists}
	return op
}

// Exists adds a precondition that |name| is (or isn't) present.
func (op *UpdateOp) Exists(name string, exists bool) *UpdateOp {
	op.conditions[Key{Name: name}] = Condition{Type: Exists, Value: exists}
	return op
}

// Changes returns the op's changes. The returned map must not be modified.
func (op *UpdateOp) Changes() map[Key]Operation { return op.changes }

// Conditions returns the op's preconditions. The returned map must not be modified.
func (op *UpdateOp) Conditions() map[Key]Condition { return op.conditions }

// SortedKeys returns the keys of Changes in a stable order.
func (op *UpdateOp) SortedKeys() []Key {
	var keys = make([]Key, 0, len(op.changes))
	for k := range op.changes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Revision < keys[j].Revision
	})
	return keys
}

// Copy returns a deep copy of the UpdateOp.
func (op *UpdateOp) Copy() *UpdateOp {
	return op.ShallowCopy(op.id)
}

// ShallowCopy returns a copy of the op which targets document |id|. If the
// op sets "_id", the copy sets it to |id|.
func (op *UpdateOp) ShallowCopy(id string) *UpdateOp {
	var out = &UpdateOp{
		id:         id,
		isNew:      op.isNew,
		changes:    make(map[Key]Operation, len(op.changes)),
		conditions: make(map[Key]Condition, len(op.conditions)),
	}
	for k, v := range op.changes {
		out.changes[k] = v
	}
	for k, v := range op.conditions {
		out.conditions[k] = v
	}
	if _, ok := out.changes[Key{Name: ID}]; ok {
		out.changes[Key{Name: ID}] = Operation{Type: Set, Value: id}
	}
	return out
}

// ChangesMapEntryOf returns whether the op sets an entry of map property |name|.
func (op *UpdateOp) ChangesMapEntryOf(name string) bool {
	for k, o := range op.changes {
		if o.Type == SetMapEntry && k.Name == name {
			return true
		}
	}
	return false
}

// ApplyChanges applies the changes of |op| to |doc|, in a stable key order.
func ApplyChanges(doc *Document, op *UpdateOp) {
	for _, k := range op.SortedKeys() {
		var o = op.changes[k]

		switch o.Type {
		case Set:
			doc.Put(k.Name, o.Value)
		case Max:
			var cur, ok = doc.Int(k.Name)
			var next, _ = asInt(o.Value)
			if !ok || next > cur {
				doc.Put(k.Name, next)
			}
		case Increment:
			var cur, _ = doc.Int(k.Name)
			var delta, _ = asInt(o.Value)
			doc.Put(k.Name, cur+delta)
		case SetMapEntry:
			var m = mapOf(doc, k.Name)
			m[k.Revision] = o.Value
			doc.Put(k.Name, m)
		case RemoveMapEntry:
			var m = mapOf(doc, k.Name)
			delete(m, k.Revision)
			doc.Put(k.Name, m)
		case Unset:
			doc.Remove(k.Name)
		}
	}
}

// CheckConditions returns whether all |conditions| hold against |doc|.
func CheckConditions(doc *Document, conditions map[Key]Condition) bool {
	for k, c := range conditions {
		var v interface{}
		var ok bool

		if k.Revision != "" {
			v, ok = doc.MapEntry(k.Name, k.Revision)
		} else {
			v, ok = doc.Get(k.Name)
		}

		switch c.Type {
		case Equals:
			if !ok || !valuesEqual(v, c.Value) {
				return false
			}
		case NotEquals:
			if ok && valuesEqual(v, c.Value) {
				return false
			}
		case Exists:
			if want, _ := c.Value.(bool); want != ok {
				return false
			}
		}
	}
	return true
}

func mapOf(doc *Document, name string) map[string]interface{} {
	var out = make(map[string]interface{})
	if v, ok := doc.Get(name); ok {
		if m, ok := v.(map[string]interface{}); ok {
			for k, vv := range m {
				out[k] = vv
			}
		}
	}
	return out
}

func valuesEqual(a, b interface{}) bool {
	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return ai == bi
		}
	}
	return reflect.DeepEqual(a, b)
}

// normalize maps Go integer kinds onto int64, the property representation.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return v
	}
}
