package dht

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PersistInterval is how often the dirty routing table is flushed to disk,
// per spec.md 4.8.
const PersistInterval = 10 * time.Minute

// currentSchemaVersion is the schema this build expects. OpenPersister
// refuses to run against a newer version and upgrades an older one in
// place via applyMigration.
const currentSchemaVersion = 1

// Persister owns the embedded database holding the node's secret and
// routing table neighbors, grounded on storage.go's database/sql +
// mattn/go-sqlite3 pattern, trimmed to the two tables spec.md 4.8 and
// node/mod.rs's persistence actually need instead of the teacher's much
// larger stellar-system schema.
type Persister struct {
	db *sql.DB
}

// OpenPersister opens (creating if necessary) the embedded database under
// dir and ensures its schema exists.
func OpenPersister(dir string) (*Persister, error) {
	if dir == "" {
		return &Persister{}, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create persistent dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "node.db"))
	if err != nil {
		return nil, fmt.Errorf("open node database: %w", err)
	}
	p := &Persister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Persister) migrate() error {
	if p.db == nil {
		return nil
	}
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS secret (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			private_key TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS neighbors (
			identity TEXT NOT NULL PRIMARY KEY,
			address TEXT NOT NULL,
			unresponsive INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return err
	}
	return p.migrateSchema()
}

// migrateSchema reads the persisted schema version, rejects a database
// written by a newer build, and applies any pending upgrade steps to reach
// currentSchemaVersion. A fresh database is stamped at currentSchemaVersion
// directly.
func (p *Persister) migrateSchema() error {
	var version int
	switch err := p.db.QueryRow(`SELECT version FROM schema_version WHERE id = 0`).Scan(&version); {
	case err == sql.ErrNoRows:
		_, err := p.db.Exec(`INSERT INTO schema_version (id, version) VALUES (0, ?)`, currentSchemaVersion)
		if err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("node database schema version %d is newer than this build supports (%d)", version, currentSchemaVersion)
	}
	for version < currentSchemaVersion {
		if err := p.applyMigration(version); err != nil {
			return fmt.Errorf("migrate schema from version %d: %w", version, err)
		}
		version++
		if _, err := p.db.Exec(`UPDATE schema_version SET version = ? WHERE id = 0`, version); err != nil {
			return fmt.Errorf("advance schema version to %d: %w", version, err)
		}
	}
	return nil
}

// applyMigration upgrades the database from fromVersion to fromVersion+1.
// No steps exist yet: version 1 is the only schema this exercise has ever
// shipped.
func (p *Persister) applyMigration(fromVersion int) error {
	return fmt.Errorf("no migration defined from schema version %d", fromVersion)
}

// Load reconstructs a persisted NodeSecret and neighbor list, if present.
// Returns a nil secret when no row exists (first start). Neighbor loading
// deduplicates by address, as spec.md 4.8 requires.
func (p *Persister) Load() (*NodeSecret, []PeerSlot, error) {
	if p.db == nil {
		return nil, nil, nil
	}

	var secret *NodeSecret
	var privB64 string
	switch err := p.db.QueryRow(`SELECT private_key FROM secret WHERE id = 0`).Scan(&privB64); {
	case err == sql.ErrNoRows:
		// no persisted identity yet
	case err != nil:
		return nil, nil, fmt.Errorf("load node secret: %w", err)
	default:
		privBytes, decodeErr := base64.StdEncoding.DecodeString(privB64)
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("decode node secret: %w", decodeErr)
		}
		s, unmarshalErr := UnmarshalNodeSecret(privBytes)
		if unmarshalErr != nil {
			return nil, nil, unmarshalErr
		}
		secret = &s
	}

	rows, err := p.db.Query(`SELECT identity, address, unresponsive FROM neighbors`)
	if err != nil {
		return nil, nil, fmt.Errorf("load neighbors: %w", err)
	}
	defer rows.Close()

	seenAddr := make(map[string]bool)
	var neighbors []PeerSlot
	for rows.Next() {
		var identB64, addr string
		var unresponsive int
		if err := rows.Scan(&identB64, &addr, &unresponsive); err != nil {
			return nil, nil, fmt.Errorf("scan neighbor row: %w", err)
		}
		if seenAddr[addr] {
			continue
		}
		seenAddr[addr] = true

		identBytes, err := base64.StdEncoding.DecodeString(identB64)
		if err != nil {
			continue
		}
		var id NodeIdentity
		if err := unmarshalIdentity(identBytes, &id); err != nil {
			continue
		}
		neighbors = append(neighbors, PeerSlot{
			Node:         NodeInfo{Ident: id, Address: addr},
			Unresponsive: unresponsive != 0,
		})
	}
	return secret, neighbors, rows.Err()
}

// Save atomically writes the node's secret and current routing table
// contents, replacing whatever neighbor rows existed before.
func (p *Persister) Save(self NodeSecret, buckets map[int][]PeerSlot) error {
	if p.db == nil {
		return nil
	}
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin persist transaction: %w", err)
	}
	defer tx.Rollback()

	privBytes, _ := self.MarshalBinary()
	if _, err := tx.Exec(
		`INSERT INTO secret (id, private_key) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET private_key = excluded.private_key`,
		base64.StdEncoding.EncodeToString(privBytes),
	); err != nil {
		return fmt.Errorf("persist node secret: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM neighbors`); err != nil {
		return fmt.Errorf("clear neighbors: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO neighbors (identity, address, unresponsive) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare neighbor insert: %w", err)
	}
	defer stmt.Close()

	for _, entries := range buckets {
		for _, slot := range entries {
			unresponsive := 0
			if slot.Unresponsive {
				unresponsive = 1
			}
			if _, err := stmt.Exec(base64.StdEncoding.EncodeToString(slot.Node.Ident.Bytes()), slot.Node.Address, unresponsive); err != nil {
				return fmt.Errorf("persist neighbor: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (p *Persister) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func unmarshalIdentity(data []byte, out *NodeIdentity) error {
	return json.Unmarshal(data, out)
}
