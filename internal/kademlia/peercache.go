package kademlia

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// PeerCache persists known contacts across restarts, so a node doesn't have
// to re-discover its neighborhood after every join. This is a warm-start
// convenience, not part of the overlay protocol (the routing table itself
// is always rebuilt from live traffic), backed by the same sqlite
// persistence idiom used elsewhere in this codebase.
type PeerCache struct {
	db  *sql.DB
	log *logging.Logger
}

// OpenPeerCache opens (creating if needed) a sqlite-backed peer cache at
// path.
func OpenPeerCache(path string) (*PeerCache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open peer cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		public_key BLOB NOT NULL,
		last_seen INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init peer cache schema: %w", err)
	}

	return &PeerCache{db: db, log: logging.GetDefault().Component("peer-cache")}, nil
}

// Close closes the underlying database handle.
func (c *PeerCache) Close() error { return c.db.Close() }

// Save upserts a contact's last-seen timestamp.
func (c *PeerCache) Save(contact Contact) error {
	_, err := c.db.Exec(`
		INSERT INTO peers (id, address, public_key, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address, last_seen = excluded.last_seen`,
		contact.ID.String(), contact.Address, contact.PublicKey, time.Now().Unix())
	return err
}

// Load returns every cached contact, most-recently-seen last, used to seed
// the routing table on startup before the node has heard from anyone.
func (c *PeerCache) Load() ([]Contact, error) {
	rows, err := c.db.Query(`SELECT id, address, public_key FROM peers ORDER BY last_seen ASC`)
	if err != nil {
		return nil, fmt.Errorf("load peer cache: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var idHex, address string
		var pub []byte
		if err := rows.Scan(&idHex, &address, &pub); err != nil {
			return nil, fmt.Errorf("scan peer cache row: %w", err)
		}
		idBytes, err := hex.DecodeString(idHex)
		if err != nil || len(idBytes) != IDLength {
			c.log.Warn("dropping corrupt peer cache row", "id", idHex, "error", err)
			continue
		}
		out = append(out, Contact{ID: IDFromBytes(idBytes), Address: address, PublicKey: pub})
	}
	return out, rows.Err()
}
