package stamp

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS stamps (
	path     TEXT PRIMARY KEY,
	mtime_ns INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	inode    INTEGER NOT NULL,
	mode     INTEGER NOT NULL,
	uid      INTEGER NOT NULL,
	gid      INTEGER NOT NULL,
	digest   TEXT NOT NULL
);
`

// Cache is a persistent, path-keyed store of (stamp, digest) pairs. It
// allows skipping content hashing when a file's metadata has not
// changed since the digest was last computed.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the stamp database at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create stamp cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stamp cache: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stamp cache schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the cached digest for path if the file's current
// stamp matches the stored one. Returns ("", false) on miss.
func (c *Cache) Lookup(path string) (string, bool) {
	var (
		stored Stamp
		digest string
	)
	row := c.db.QueryRow(
		`SELECT mtime_ns, size, inode, mode, uid, gid, digest FROM stamps WHERE path = ?`, path,
	)
	var inode, mode, uid, gid int64
	if err := row.Scan(&stored.MTimeUnixNano, &stored.Size, &inode, &mode, &uid, &gid, &digest); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			// Unreadable row – treat as a miss and let Update repair it.
			return "", false
		}
		return "", false
	}
	stored.Inode = uint64(inode)
	stored.Mode = uint32(mode)
	stored.UID = uint32(uid)
	stored.GID = uint32(gid)

	current, err := Stat(path)
	if err != nil {
		return "", false
	}
	if !stored.Equal(current) {
		return "", false
	}
	return digest, true
}

// Update records a new (stamp, digest) pair for path. Failures are
// ignored; the worst outcome is re-hashing the file next run.
func (c *Cache) Update(path, digest string) {
	s, err := Stat(path)
	if err != nil {
		return
	}

	_, _ = c.db.Exec(
		`INSERT INTO stamps (path, mtime_ns, size, inode, mode, uid, gid, digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			mtime_ns = excluded.mtime_ns,
			size     = excluded.size,
			inode    = excluded.inode,
			mode     = excluded.mode,
			uid      = excluded.uid,
			gid      = excluded.gid,
			digest   = excluded.digest`,
		path, s.MTimeUnixNano, s.Size, int64(s.Inode), int64(s.Mode), int64(s.UID), int64(s.GID), digest,
	)
}
