package mainboilerplate

import "github.com/jessevdk/go-flags"

// AddCommandFunc are used to register sub-commands with a parent
type AddCommandFunc func(*flags.Command) error

// CommandRegistry is a simple tool for building a tree of github.com/jessevdk/go-flags.AddCommand functions
// that you can use to register sub-commands under a github.com/jessevdk/go-flags.Command
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry creates a new registry
func NewCommandRegistry() CommandRegistry {
	return make(CommandRegistry)
}

// AddCommand registers a command under |parentName|, which separates a tree
// of commands with dots. For example:
//
//	AddCommand("", "level1", ....)
//	AddCommand("level1", "level2", ....)
func (cr CommandRegistry) AddCommand(parentName string, command string, shortDescription string, longDescription string, data interface{}) {
	cr[parentName] = append(cr[parentName], func(cmd *flags.Command) error {
		_, err := cmd.AddCommand(command, shortDescription, longDescription, data)
		return err
	})
}

// AddCommands adds commands registered under |rootName| to |rootCmd|. If
// |recursive|, commands of added commands are added in turn.
func (cr CommandRegistry) AddCommands(rootName string, rootCmd *flags.Command, recursive bool) error {
	for _, addCommandFunc := range cr[rootName] {
		if err := addCommandFunc(rootCmd); err != nil {
			return err
		}
	}
	if !recursive {
		return nil
	}

	for _, cmd := range rootCmd.Commands() {
		var cmdName = cmd.Name
		if rootName != "" {
			cmdName = rootName + "." + cmdName
		}
		if err := cr.AddCommands(cmdName, cmd, recursive); err != nil {
			return err
		}
	}
	return nil
}
