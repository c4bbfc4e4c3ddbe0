package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "flowcraft-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the checkpoint and trust-rule schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			connStr = connFromEnv()
		}
		if connStr == "" {
			fmt.Println("Error: --db flag, DB_CONN, or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			os.Exit(1)
		}

		dir, _ := cmd.Flags().GetString("migrations")
		m, err := migrate.New("file://"+dir, connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

// connFromEnv resolves the connection string the same way the flowcraft
// root command does: DB_CONN first, then the discrete DB_* variables.
func connFromEnv() string {
	if conn := os.Getenv("DB_CONN"); conn != "" {
		return conn
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func main() {
	// Load .env if present; flags still win.
	_ = godotenv.Load()

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (falls back to DB_CONN or DB_* env vars)")
	migrateCmd.Flags().String("migrations", "migrations", "Directory holding the SQL migration files")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
