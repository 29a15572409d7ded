package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"relay-api/internal/shared"

	_ "github.com/go-sql-driver/mysql"
)

// statements splits a migration file on semicolons and drops comment lines
func statements(migrationSQL string) []string {
	var out []string
	for stmt := range strings.SplitSeq(migrationSQL, ";") {
		var cleanLines []string
		for line := range strings.SplitSeq(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "--") && trimmed != "" {
				cleanLines = append(cleanLines, line)
			}
		}
		if stmt = strings.Join(cleanLines, "\n"); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func main() {
	// Get DSN from environment
	DSN, err := shared.SafeEnv("DSN")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: DSN environment variable is required: %v\n", err)
		os.Exit(1)
	}

	// Every .sql file in the directory runs in name order
	migrationDir := shared.GetEnv("MIGRATIONS_DIR", "migrations")
	files := os.Args[1:]
	if len(files) == 0 {
		files, err = filepath.Glob(filepath.Join(migrationDir, "*.sql"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing migrations in %s: %v\n", migrationDir, err)
			os.Exit(1)
		}
		slices.Sort(files)
	}

	// Connect to database
	db, err := sql.Open("mysql", DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Test connection
	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging database: %v\n", err)
		os.Exit(1)
	}

	for _, path := range files {
		migrationSQL, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading migration file %s: %v\n", path, err)
			os.Exit(1)
		}
		for _, stmt := range statements(string(migrationSQL)) {
			if _, err := db.Exec(stmt); err != nil {
				fmt.Fprintf(os.Stderr, "Error executing statement: %v\n", err)
				fmt.Fprintf(os.Stderr, "Statement: %s\n", stmt)
				os.Exit(1)
			}
		}
		fmt.Printf("Applied %s\n", path)
	}

	fmt.Println("Migration completed successfully!")
}
