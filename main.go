package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"live-detect/utils"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Expected 'serve' or 'worker' subcommand")
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		protocol := serveCmd.String("proto", "http", "Protocol to use (http or https)")
		port := serveCmd.String("p", utils.GetEnv("PORT", "5000"), "Port to use")
		serveCmd.Parse(os.Args[2:])
		if err := serve(*protocol, *port); err != nil {
			log.Fatalf("serve: %v", err)
		}
	case "worker":
		os.Exit(runWorker(os.Args[2:]))
	default:
		fmt.Println("Expected 'serve' or 'worker' subcommand")
		os.Exit(1)
	}
}
