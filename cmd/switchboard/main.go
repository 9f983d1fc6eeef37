// Switchboard is a local LLM dialect-routing daemon: it accepts
// requests in any supported vendor dialect and bridges them to any
// configured upstream, with passthrough mounts, an OAuth account pool,
// and an optional public tunnel.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("switchboard", version)
		os.Exit(0)
	}

	if err := run(*configPath, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
