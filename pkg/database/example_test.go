package database_test

import (
	"context"
	"fmt"
	"log"

	"github.com/wonny/aegis-macro/backend/pkg/config"
	"github.com/wonny/aegis-macro/backend/pkg/database"
)

// Example demonstrates opening the store from config.
// STORE_URL=postgres://... selects PostgreSQL; a path selects SQLite.
func Example() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	status, err := db.HealthCheck(context.Background())
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	fmt.Printf("dialect=%s healthy=%v\n", status.Dialect, status.Healthy)
}
