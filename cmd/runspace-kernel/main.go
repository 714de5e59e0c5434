// Package main provides the per-session kernel process. It speaks JSON
// frames over stdin/stdout with the host; logs go to stderr so they
// never corrupt the frame stream.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/runspace/runspace/internal/kernel"
	"github.com/runspace/runspace/internal/logging"
)

const Version = "0.1.0"

var (
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warning, error, critical)")
	version  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("runspace-kernel %s\n", Version)
		os.Exit(0)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(*logLevel)
	logCfg.Output = os.Stderr
	logging.Init(logCfg)

	runner := kernel.NewRunner(os.Stdin, os.Stdout)
	if err := runner.Run(); err != nil {
		logging.Error().Err(err).Msg("kernel runner failed")
		os.Exit(1)
	}
}
