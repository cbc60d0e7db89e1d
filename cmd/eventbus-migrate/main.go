package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/eventbus", "Event bus data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/eventbus.db.backup)")
	retention  = flag.Int64("retention-seconds", 604800, "Retention to record in the rebuilt log")
)

// legacyRetentionSeconds marks the pre-sequence log format (24h TTL, no
// sequence numbers).
const legacyRetentionSeconds = 86400

var (
	bucketEvents = []byte("events")
	bucketMeta   = []byte("eventmeta")
	keyRetention = []byte("retention_seconds")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Event Bus Migration Tool - Legacy Event Log Rebuild")
	log.Println("===================================================")

	dbPath := filepath.Join(*dataDir, "eventbus.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := rebuildLegacyLog(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\nMigration completed successfully.")
	}
}

func rebuildLegacyLog(db *bolt.DB, dryRun bool) error {
	var eventCount int
	legacy := false

	err := db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if events == nil {
			log.Println("No event log found - nothing to migrate")
			return nil
		}
		events.ForEach(func(k, v []byte) error {
			eventCount++
			return nil
		})

		legacy = true
		if meta := tx.Bucket(bucketMeta); meta != nil {
			if raw := meta.Get(keyRetention); len(raw) == 8 {
				legacy = binary.BigEndian.Uint64(raw) == legacyRetentionSeconds
			}
		}

		if legacy {
			log.Printf("Legacy event log detected: %d events, 24h retention, no sequence numbers", eventCount)
		} else {
			log.Printf("Event log already uses the current format (%d events)", eventCount)
		}
		return nil
	})
	if err != nil || !legacy || eventCount == 0 {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		if dryRun {
			log.Println("\n[DRY RUN] Would perform the following operations:")
			log.Printf("1. Drop the legacy events bucket (%d events, bounded by the 24h legacy retention)", eventCount)
			log.Println("2. Recreate an empty events bucket")
			log.Printf("3. Record retention metadata: %d seconds", *retention)
			return nil
		}

		if err := tx.DeleteBucket(bucketEvents); err != nil {
			return fmt.Errorf("failed to drop legacy events: %w", err)
		}
		if _, err := tx.CreateBucket(bucketEvents); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(*retention))
		if err := meta.Put(keyRetention, buf); err != nil {
			return err
		}
		log.Printf("Dropped %d legacy events and recorded %ds retention", eventCount, *retention)
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
