package clicommand

import "github.com/urfave/cli"

var BatchdCommands = []cli.Command{
	ServeCommand,
}
