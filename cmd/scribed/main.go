// Package main is the scribed command: the transcription job service and
// its maintenance subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "scribed",
	Short:         "Video transcription and summarization service",
	Long:          "scribed downloads media, transcribes and summarizes it with external tools, and streams job progress over HTTP.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: ./scribed.yaml or ~/.config/scribed/scribed.yaml)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
