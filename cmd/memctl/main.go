package main

import (
	"fmt"
	"os"

	"github.com/Harshitk-cp/memtier/internal/cli"
	"github.com/Harshitk-cp/memtier/internal/config"
)

func main() {
	_ = config.Load()
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
