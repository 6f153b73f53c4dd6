package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/rdb"
)

type cmdSet struct {
	CollectionConfig
	ID             string   `long:"id" required:"true" description:"Document id"`
	Create         bool     `long:"create" description:"Create the document if it doesn't exist"`
	Unset          []string `long:"unset" description:"Property to remove. May be repeated"`
	ExpectModCount int64    `long:"expect-mod-count" default:"-1" description:"Update only if the document has this modCount. Ignored if negative"`
	Format         string   `long:"format" short:"o" choice:"json" choice:"yaml" default:"json" description:"Output format of the updated document"`
}

func init() {
	CommandRegistry.AddCommand("", "set", "Set properties of a document", `
Set properties of a document, given as name=value arguments. Values are
parsed as YAML scalars, so "n=42" sets an integer and "s='42'" a string.

Create or update a settings document:
>    rdbctl set -c settings --id version --create major=1 label=release

Update a nodes document only if it's unchanged since it was read:
>    rdbctl set --id "1:/foo" --expect-mod-count 3 --unset stale prop=value

The updated document is written in the --format.
`, &cmdSet{})
}

func (cmd *cmdSet) Execute(args []string) error {
	var op, err = cmd.buildOp(args)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"id": cmd.ID, "op": describeOp(op)}).Info("applying update")

	return withStore(func(ctx context.Context, store *rdb.Store) error {
		var c = cmd.collection()

		var prev *document.Document
		if cmd.Create && cmd.ExpectModCount < 0 {
			_, err = store.CreateOrUpdate(ctx, c, op)
		} else if prev, err = store.FindAndUpdate(ctx, c, op); err == nil && prev == nil {
			err = errors.Errorf("document %s/%s doesn't exist or has changed", c, cmd.ID)
		}
		if err != nil {
			return err
		}

		doc, err := store.Find(ctx, c, cmd.ID, rdb.Forever)
		if err != nil {
			return err
		}
		return writeDocuments(os.Stdout, cmd.Format, []*document.Document{doc})
	})
}

func (cmd *cmdSet) buildOp(args []string) (*document.UpdateOp, error) {
	var values, err = parseAssignments(args)
	if err != nil {
		return nil, err
	} else if len(values) == 0 && len(cmd.Unset) == 0 {
		return nil, errors.New("expected name=value arguments or --unset")
	}

	var op = document.NewUpdateOp(cmd.ID, cmd.Create)
	for _, name := range sortedNames(values) {
		if isReserved(name) {
			return nil, errors.Errorf("property %s is reserved", name)
		}
		op.Set(name, values[name])
	}
	for _, name := range cmd.Unset {
		if isReserved(name) {
			return nil, errors.Errorf("property %s is reserved", name)
		}
		op.Unset(name)
	}
	if cmd.ExpectModCount >= 0 {
		op.Equals(document.ModCount, cmd.ExpectModCount)
	}
	return op, nil
}

func isReserved(name string) bool {
	switch name {
	case document.ID, document.ModCount, document.CollisionsModCount:
		return true
	}
	return false
}
