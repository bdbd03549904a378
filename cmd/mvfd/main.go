// MVF fork-aware node daemon.
//
// Usage:
//
//	mvfd [--regtest --forkheight=N --generate=N]  Run node
//	mvfd --help                                   Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/node"
)

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if flags.MockTime != 0 {
		n.SetMockTime(flags.MockTime)
	}
	if flags.Generate > 0 {
		generate := n.Generate
		if flags.MockTime != 0 {
			generate = n.GenerateSpaced
		}
		if _, err := generate(flags.Generate); err != nil {
			fmt.Fprintf(os.Stderr, "Error: generate: %v\n", err)
			n.Stop()
			os.Exit(1)
		}
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-n.Done():
	}

	n.Stop()
	if n.Halted() {
		os.Exit(1)
	}
}
