package main

import (
	"context"
	"fmt"
	"os"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
