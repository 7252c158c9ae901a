package main

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/hackgods/telemed-scheduling/internal/db"
)

// Usage: migrate            apply pending migrations
//
//	migrate force <n>  mark the schema as version n after a failed run
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	_ = godotenv.Load()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	force := -1
	if len(os.Args) >= 3 && os.Args[1] == "force" {
		v, err := strconv.Atoi(os.Args[2])
		if err != nil || v < 0 {
			log.Fatalf("invalid version %q", os.Args[2])
		}
		force = v
	}

	if err := db.Migrate(dsn, force); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if force >= 0 {
		log.Printf("forced schema version to %d", force)
		return
	}
	log.Println("migrations complete")
}
