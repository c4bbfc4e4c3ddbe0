package main

import (
	"fmt"
	"os"

	"github.com/VitalyOstanin/flowcraft/internal/cli"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "flowcraft"}

func main() {
	// Load .env if present; flags still win.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("db", os.Getenv("DB_CONN"), "Database connection string (in-memory store when empty)")
	rootCmd.PersistentFlags().String("workflows", "workflows", "Directory holding workflow definition YAML files")
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
