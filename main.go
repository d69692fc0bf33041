package main

import (
	"log"
	"os"

	"github.com/d1nch8g/ptt/cli"
	"github.com/d1nch8g/ptt/config"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := cli.SetupRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}
