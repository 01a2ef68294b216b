package main

import (
	"fmt"
	"log"
	"os"

	"github.com/courierhq/courier/console"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := console.NewRootCommand(console.DefaultLoader, os.Stdout)
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
