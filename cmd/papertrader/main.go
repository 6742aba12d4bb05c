// Command papertrader is the backend entry point for the paper trading
// service. It loads configuration, validates it, sets up logging and signal
// handling, and runs the requested subcommand.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
