// seeder applies the schema migration and loads demo accounts for
// local development. It is not meant to run against production.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

var demoAccounts = []struct {
	userID  string
	balance int64
}{
	{"demo_user", 10000},
	{"demo_low_balance", 250},
	{"demo_empty", 0},
}

func main() {
	_ = godotenv.Load(".env")

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		log.Fatal("POSTGRES_URL not set")
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed:", err)
	}

	fmt.Println("Connected to DB")

	fmt.Println("Running migrations...")
	migration, err := os.ReadFile("migrations/001_initial_schema.up.sql")
	if err != nil {
		// Try relative path when running from cmd/seeder
		migration, err = os.ReadFile("../../migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("Could not find migration file:", err)
		}
	}

	// lib/pq supports multiple statements in a single Exec
	if _, err := db.Exec(string(migration)); err != nil {
		log.Printf("Migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	fmt.Println("Seeding demo accounts...")
	for _, a := range demoAccounts {
		_, err := db.Exec(`
			INSERT INTO accounts (user_id, balance)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = EXCLUDED.balance, updated_at = NOW()
		`, a.userID, a.balance)
		if err != nil {
			fmt.Printf("Error seeding %s: %v\n", a.userID, err)
			continue
		}
		fmt.Printf("  %s: %d credits\n", a.userID, a.balance)
	}

	fmt.Println("Seeding complete")
}
