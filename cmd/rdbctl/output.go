package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.rdbstore.dev/core/document"
	"gopkg.in/yaml.v2"
)

// CollectionConfig selects a document.Collection.
type CollectionConfig struct {
	Collection string `long:"collection" short:"c" default:"nodes" choice:"nodes" choice:"clusterNodes" choice:"settings" description:"Document collection"`
}

func (cfg CollectionConfig) collection() document.Collection {
	for _, c := range document.Collections {
		if c.String() == cfg.Collection {
			return c
		}
	}
	panic("unexpected collection " + cfg.Collection) // Guarded by flag choices.
}

// writeDocuments writes |docs| in |format|: "json" writes a document per
// line, and "yaml" writes a YAML sequence.
func writeDocuments(w io.Writer, format string, docs []*document.Document) error {
	var maps = make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		maps[i] = d.Map()
	}

	switch format {
	case "json":
		var enc = json.NewEncoder(w)
		for _, m := range maps {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		var b, err = yaml.Marshal(maps)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	default:
		return errors.Errorf("unsupported format %q", format)
	}
}

// writeDocumentsTable writes a summary table of |docs|.
func writeDocumentsTable(w io.Writer, docs []*document.Document) {
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "ModCount", "Modified", "Flags", "Properties", "Size"})

	for _, d := range docs {
		var modified = "<none>"
		if v, ok := d.Int(document.Modified); ok {
			modified = humanize.Time(time.Unix(v, 0))
		}
		var flags []string
		if d.HasBinary() {
			flags = append(flags, "binary")
		}
		if d.IsDeletedOnce() {
			flags = append(flags, "deletedOnce")
		}
		var size string
		if b, err := json.Marshal(d.Map()); err == nil {
			size = humanize.IBytes(uint64(len(b)))
		}

		table.Append([]string{
			d.ID(),
			strconv.FormatInt(d.ModCount(), 10),
			modified,
			strings.Join(flags, ","),
			strconv.Itoa(len(d.Keys())),
			size,
		})
	}
	table.Render()
}

// parseAssignments parses "name=value" |args|. Values are YAML scalars, so
// that "42" is an integer and "true" a boolean.
func parseAssignments(args []string) (map[string]interface{}, error) {
	var out = make(map[string]interface{}, len(args))

	for _, arg := range args {
		var ind = strings.IndexByte(arg, '=')
		if ind <= 0 {
			return nil, errors.Errorf("expected name=value (got %q)", arg)
		}
		var name, raw = arg[:ind], arg[ind+1:]

		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, errors.WithMessagef(err, "parsing value of %s", name)
		}
		switch v := value.(type) {
		case nil:
			value = raw
		case int, int64, float64, bool, string:
		case uint64:
			return nil, errors.Errorf("value of %s overflows an int64", name)
		default:
			return nil, errors.Errorf("value of %s must be a scalar (got %T)", name, v)
		}
		out[name] = value
	}
	return out, nil
}

// sortedNames returns the names of |m|, in order.
func sortedNames(m map[string]interface{}) []string {
	var out = make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func describeOp(op *document.UpdateOp) string {
	var parts []string
	for _, k := range op.SortedKeys() {
		var o = op.Changes()[k]
		parts = append(parts, fmt.Sprintf("%s %s %v", k, o.Type, o.Value))
	}
	return strings.Join(parts, "; ")
}
