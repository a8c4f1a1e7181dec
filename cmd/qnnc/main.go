package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/qnnc/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	// Commands report their own failures; anything else is a usage error
	// cobra was told not to print.
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
