package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/claude-batch/batchd/clicommand"
	"github.com/claude-batch/batchd/version"
)

var appHelpTemplate = `Usage:

  {{.Name}} <command> [options...]

Available commands are:

  {{range .Commands}}{{.Name}}{{ "\t" }}{{.Usage}}
  {{end}}
Use "{{.Name}} <command> --help" for more information about a command.
`

var commandHelpTemplate = `{{.Description}}

Options:

   {{range .Flags}}{{.}}
   {{end}}
`

func main() {
	cli.AppHelpTemplate = appHelpTemplate
	cli.CommandHelpTemplate = commandHelpTemplate

	app := cli.NewApp()
	app.Name = "batchd"
	app.Usage = "Multi-tenant batch execution service for assistant CLI jobs"
	app.Version = version.FullVersion()
	app.Commands = clicommand.BatchdCommands

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
