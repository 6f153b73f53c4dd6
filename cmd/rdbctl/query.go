package main

import (
	"context"
	"os"

	"go.rdbstore.dev/core/rdb"
)

type cmdQuery struct {
	CollectionConfig
	From       string `long:"from" default:"" description:"Exclusive lower bound of returned document ids"`
	To         string `long:"to" default:"\U0010FFFF" default-mask:"<max>" description:"Exclusive upper bound of returned document ids"`
	Property   string `long:"property" choice:"_modified" choice:"_bin" choice:"_deletedOnce" description:"Indexed property which documents must match"`
	StartValue int64  `long:"start" default:"1" description:"Minimum value of --property"`
	Limit      int    `long:"limit" short:"n" default:"100" description:"Maximum number of returned documents. Unbounded if negative"`
	Format     string `long:"format" short:"o" choice:"table" choice:"json" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("", "query", "Query a range of documents", `
Query documents having ids strictly between --from and --to, in id order.

Documents may be further filtered on an indexed --property. Documents having
a "_modified" timestamp of at least --start are matched by:
>    rdbctl query --from "1:/" --to "1:0" --property _modified --start 1700000000

while "_bin" and "_deletedOnce" match documents having the flag (and require
a --start of one).

Results can be output in a variety of --format options:
table: Prints a summary table of matched documents.
json:  Prints documents encoded as JSON, one per line.
yaml:  Prints a YAML sequence of documents.
`, &cmdQuery{})
}

func (cmd *cmdQuery) Execute([]string) error {
	var limit = cmd.Limit
	if limit < 0 {
		limit = rdb.NoLimit
	}
	var start = cmd.StartValue
	if cmd.Property == "" {
		start = 0
	}

	return withStore(func(ctx context.Context, store *rdb.Store) error {
		var docs, err = store.Query(ctx, cmd.collection(), cmd.From, cmd.To, cmd.Property, start, limit)
		if err != nil {
			return err
		}
		if cmd.Format == "table" {
			writeDocumentsTable(os.Stdout, docs)
			return nil
		}
		return writeDocuments(os.Stdout, cmd.Format, docs)
	})
}
