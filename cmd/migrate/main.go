// Command migrate runs the embedded database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up            # Apply all pending migrations
//	go run ./cmd/migrate down          # Roll back the last migration
//	go run ./cmd/migrate status        # Show migration status
//	go run ./cmd/migrate version       # Show current schema version
//	go run ./cmd/migrate up-to <v>     # Apply migrations up to version v
//	go run ./cmd/migrate down-to <v>   # Roll back to version v
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/nexuscrm/usagewatch/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	if err := run(ctx, provider, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("Migration %s failed: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, p *goose.Provider, command string, args []string) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		printResults(results)
		return err
	case "down":
		result, err := p.Down(ctx)
		if result != nil {
			printResults([]*goose.MigrationResult{result})
		}
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s requires a version argument", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = p.UpTo(ctx, version)
		} else {
			results, err = p.DownTo(ctx, version)
		}
		printResults(results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-24s %s\n", applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("version %d\n", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printResults(results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range results {
		fmt.Printf("%-5s %s (%s)\n", r.Direction, r.Source.Path, r.Duration)
	}
}
