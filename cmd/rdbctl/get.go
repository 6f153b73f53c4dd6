package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/rdb"
)

type cmdGet struct {
	CollectionConfig
	Format string `long:"format" short:"o" choice:"json" choice:"yaml" default:"json" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("", "get", "Get documents by id", `
Read documents by id from storage, and write them in the --format.

Get a nodes document as YAML:
>    rdbctl get -o yaml "1:/foo"

Documents which don't exist are an error.
`, &cmdGet{})
}

func (cmd *cmdGet) Execute(ids []string) error {
	if len(ids) == 0 {
		return errors.New("expected at least one document id")
	}
	return withStore(func(ctx context.Context, store *rdb.Store) error {
		var docs []*document.Document

		for _, id := range ids {
			var doc, err = store.Find(ctx, cmd.collection(), id, 0)
			if err != nil {
				return err
			} else if doc == nil {
				return errors.Errorf("document %s/%s not found", cmd.collection(), id)
			}
			docs = append(docs, doc)
		}
		return writeDocuments(os.Stdout, cmd.Format, docs)
	})
}
