// Palantir is a reverse proxy that fronts the Anthropic API with a pool of
// authenticated accounts, spreading traffic by tier with session stickiness
// and failover.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 config error, 2 migration failure,
// 64 invalid argument.
const (
	exitConfig    = 1
	exitMigration = 2
	exitUsage     = 64
)

func main() {
	configPath := flag.String("config", "configs/palantir.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir", version)
		os.Exit(0)
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", flag.Arg(0))
		os.Exit(exitUsage)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
