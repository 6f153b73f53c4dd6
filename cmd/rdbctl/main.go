package main

import (
	"context"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	mbp "go.rdbstore.dev/core/mainboilerplate"
	"go.rdbstore.dev/core/rdb"
)

const iniFilename = "rdbctl.ini"

var (
	baseCfg = new(struct {
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
		Database    mbp.DatabaseConfig    `group:"Database" namespace:"db" env-namespace:"DB"`
	})

	// CommandRegistry of rdbctl sub-commands, populated by init().
	CommandRegistry = mbp.NewCommandRegistry()
)

func main() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `rdbctl is a tool for inspecting and modifying documents of a relational document store.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure rdbctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/rdbstore/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}

// withStore initializes logging and diagnostics, and invokes |fn| with a
// Store of the configured database, which is closed when |fn| returns.
func withStore(fn func(context.Context, *rdb.Store) error) error {
	mbp.InitLog(baseCfg.Log, baseCfg.Database)
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()

	var ctx = context.Background()
	var db, store = baseCfg.Database.MustStore(ctx)
	defer db.Close()
	defer store.Close(ctx)

	return fn(ctx, store)
}
