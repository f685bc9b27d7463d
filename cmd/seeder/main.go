package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
	"github.com/mescon/contentguardian/internal/rules"
)

var (
	spaces = []string{"ENG", "OPS", "HR", "SALES", "DOCS", ""}
	topics = []string{"Onboarding", "Runbook", "Architecture", "Release notes", "Meeting notes", "Roadmap", "Postmortem", "How-to"}
)

func main() {
	path := flag.String("db", "./guardian.db", "Database file to seed")
	count := flag.Int("count", 200, "Number of detected pages to create")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	// Opening through the repository creates the schema.
	repo, err := db.NewRepository(*path)
	if err != nil {
		log.Fatalf("Failed to prepare database: %v", err)
	}
	repo.Close()

	conn, err := sql.Open("sqlite3", *path)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	fmt.Printf("Seeding %d detected pages into %s...\n", *count, *path)

	rng := rand.New(rand.NewSource(*seed))
	now := time.Now().UTC()

	tx, err := conn.Begin()
	if err != nil {
		log.Fatal(err)
	}
	for i := 0; i < *count; i++ {
		id := fmt.Sprintf("%d", 100000+i)
		space := spaces[rng.Intn(len(spaces))]
		title := fmt.Sprintf("%s %d", topics[rng.Intn(len(topics))], i)

		flags := domain.Flags{
			Stale:      rng.Intn(3) > 0,
			Inactive:   rng.Intn(4) == 0,
			Orphaned:   rng.Intn(5) == 0,
			Incomplete: rng.Intn(6) == 0,
		}
		if !flags.Any() {
			flags.Stale = true
		}

		status := domain.StatusDetected
		var statusAt interface{}
		if r := rng.Intn(10); r < 3 {
			status = []domain.Status{domain.StatusArchived, domain.StatusWhitelisted, domain.StatusTagged}[r]
			statusAt = now.Add(-time.Duration(rng.Intn(72)) * time.Hour).Format(time.RFC3339Nano)
		}

		created := now.AddDate(0, 0, -rng.Intn(84))
		updated := now.AddDate(0, 0, -30-rng.Intn(700))

		var spaceKey interface{}
		if space != "" {
			spaceKey = space
		}

		_, err := tx.Exec(`INSERT OR REPLACE INTO detected_items
			(page_id, title, space_key, created_at, last_updated, stale, inactive, orphaned, incomplete, impact_score, status, status_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, title, spaceKey, created.Format(time.RFC3339Nano), updated.Format(time.RFC3339Nano),
			flags.Stale, flags.Inactive, flags.Orphaned, flags.Incomplete,
			rules.ImpactScore(flags), string(status), statusAt)
		if err != nil {
			log.Printf("Failed to insert page %s: %v", id, err)
			continue
		}
		if _, err := tx.Exec("INSERT OR REPLACE INTO detected_index (page_id, position) VALUES (?, ?)", id, i); err != nil {
			log.Printf("Failed to index page %s: %v", id, err)
		}

		if status != domain.StatusDetected {
			details, _ := json.Marshal(map[string]interface{}{"seeded": true})
			_, err := tx.Exec(`INSERT INTO audit_log (id, ts, action, status, user_id, page_id, title, space_key, reason, details)
				VALUES (?, ?, ?, 'success', 'seeder', ?, ?, ?, 'demo data', ?)`,
				uuid.New().String(), statusAt, actionFor(status), id, title, spaceKey, string(details))
			if err != nil {
				log.Printf("Failed to insert audit entry: %v", err)
			}
		}
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO app_state (key, value) VALUES ('scan:lastRun', ?)", now.Format(time.RFC3339Nano)); err != nil {
		log.Printf("Failed to record last scan: %v", err)
	}
	if err := tx.Commit(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Seeding complete.")
}

func actionFor(s domain.Status) string {
	switch s {
	case domain.StatusArchived:
		return "archive"
	case domain.StatusWhitelisted:
		return "whitelist"
	default:
		return "tag"
	}
}
