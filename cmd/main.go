package main

import (
	"fmt"
	"os"

	"github.com/groupledger/tabbot/cmd/run"
)

func main() {
	if err := run.Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error running ledger engine: %v", err)
		os.Exit(1)
	}
}
