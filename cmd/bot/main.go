// Command straddle-bot runs intraday short straddles on Indian index options.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code: 0 on a normal
// finish, 1 when entry was rejected, 2 on an unrecoverable broker or state fault.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCLI()
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		if c.app != nil {
			log := c.logger()
			log.Error().Err(err).Int("exit_code", code).Msg("bot stopped with error")
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	if cerr := c.close(); cerr != nil {
		fmt.Fprintf(stderr, "close: %v\n", cerr)
	}
	return code
}
