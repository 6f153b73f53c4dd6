package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.rdbstore.dev/core/rdb"
)

type cmdRm struct {
	CollectionConfig
}

func init() {
	CommandRegistry.AddCommand("", "rm", "Remove documents by id", `
Remove documents by id. Ids which don't exist are ignored, and the number of
removed documents is reported.

>    rdbctl rm "1:/foo" "1:/bar"
`, &cmdRm{})
}

func (cmd *cmdRm) Execute(ids []string) error {
	if len(ids) == 0 {
		return errors.New("expected at least one document id")
	}
	return withStore(func(ctx context.Context, store *rdb.Store) error {
		var n, err = store.RemoveIDs(ctx, cmd.collection(), ids)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(os.Stdout, "removed %d of %d documents\n", n, len(ids))
		return err
	})
}
