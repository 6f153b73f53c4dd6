package main

import (
	"context"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/rdb"
)

type cmdInit struct{}

func init() {
	CommandRegistry.AddCommand("", "init", "Create document store tables", `
Create tables of the document store which don't already exist, and report
each table and whether it was created or was already present.

Tables are named by their collection and the configured --db.table-prefix:
>    rdbctl init --db.driver=postgres --db.dsn=postgres://... --db.table-prefix=TEST
`, &cmdInit{})
}

func (cmd *cmdInit) Execute([]string) error {
	return withStore(func(_ context.Context, store *rdb.Store) error {
		writeTablesTable(os.Stdout, store)
		return nil
	})
}

func writeTablesTable(w io.Writer, store *rdb.Store) {
	var created = make(map[string]bool)
	for _, t := range store.TablesCreated() {
		created[t] = true
	}
	var meta = store.Metadata()

	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Collection", "Table", "Status", "Database"})

	for _, c := range document.Collections {
		var name = store.TableName(c)
		var status = "present"
		if created[name] {
			status = "created"
		}
		table.Append([]string{c.String(), name, status, meta["db"] + " " + meta["version"]})
	}
	table.Render()
}
