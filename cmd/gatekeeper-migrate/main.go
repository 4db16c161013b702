package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/fluxgate-ai/gatekeeper/internal/platform/config"
	"github.com/fluxgate-ai/gatekeeper/internal/platform/migrations"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	command := flag.String("command", "up", "up | down | version")
	flag.Parse()

	cfg := config.New()
	if loaded, err := config.Load(); err == nil {
		cfg = loaded
	}

	dsnVal := *dsn
	if dsnVal == "" {
		dsnVal = cfg.Database.DSN
	}
	if dsnVal == "" && cfg.Database.Host != "" && cfg.Database.Name != "" {
		dsnVal = cfg.Database.ConnectionString()
	}
	if dsnVal == "" {
		log.Fatal("gatekeeper-migrate: no DSN configured (pass -dsn or set DATABASE_* env vars)")
	}

	db, err := sql.Open("postgres", dsnVal)
	if err != nil {
		log.Fatalf("gatekeeper-migrate: open database: %v", err)
	}
	defer db.Close()

	switch *command {
	case "up":
		if err := migrations.Apply(db); err != nil {
			log.Fatalf("gatekeeper-migrate: apply: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := migrations.Rollback(db); err != nil {
			log.Fatalf("gatekeeper-migrate: rollback: %v", err)
		}
		fmt.Println("last migration rolled back")
	case "version":
		version, dirty, err := migrations.Version(db)
		if err != nil {
			log.Fatalf("gatekeeper-migrate: version: %v", err)
		}
		fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
	default:
		log.Fatalf("gatekeeper-migrate: unknown command %q (want up|down|version)", *command)
	}
}
