// Command taskflow runs the task orchestration engine.
package main

import (
	"context"
	"fmt"
	"os"

	_ "time/tzdata"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "taskflow",
		Usage:                 "Orchestrate project tasks run by external agents",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunCommand(),
			TickCommand(),
			CheckConfigCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
