package main

import (
	"fmt"
	"log"
	"os"

	"open-mer/app"
	"open-mer/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <role> [args]\nroles: %v\n", os.Args[0], app.Roles)
		os.Exit(1)
	}

	// Load config from .env file and the optional overlay
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal(err)
	}

	// Create and run the selected role
	application := app.New(cfg)
	if err := application.Run(os.Args[1], os.Args[2:]); err != nil {
		log.Fatal(err)
	}
}
