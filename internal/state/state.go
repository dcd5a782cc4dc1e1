// Package state persists the sync engine's durable metadata: the file
// identifier pair allocated by the server and the last confirmed
// synchronization progress for each local database.
//
// Entries are keyed by the absolute path of the local database file
// (path-as-identity): moving a database file means it is treated as a
// new file and receives a fresh identifier allocation.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	identBucket    = []byte("idents")
	progressBucket = []byte("progress")
)

// FileIdent is the server/client file identifier pair allocated during
// the handshake. Both fields are zero until allocation completes; once
// non-zero they never change for the lifetime of the database file.
type FileIdent struct {
	Server uint64 `json:"server"`
	Client uint64 `json:"client"`
}

// IsZero reports whether no identifier pair has been allocated yet.
func (fi FileIdent) IsZero() bool {
	return fi.Server == 0 && fi.Client == 0
}

// Progress is the last (server version, client version) pair the server
// confirmed as integrated.
type Progress struct {
	ServerVersion uint64 `json:"server_version"`
	ClientVersion uint64 `json:"client_version"`
}

// Store wraps a bbolt database holding all persistent sync metadata.
type Store struct {
	db *bolt.DB
}

// Load opens the state database under dir (created if missing), e.g.
// ~/.histsync/state.db.
func Load(dir string) (*Store, error) {
	return LoadAt(filepath.Join(dir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(identBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(progressBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FileIdent returns the persisted identifier pair for a database path,
// or the zero pair if none has been allocated.
func (s *Store) FileIdent(dbPath string) (FileIdent, error) {
	var fi FileIdent

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(identBucket).Get([]byte(dbPath))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &fi)
	})

	return fi, err
}

// SetFileIdent persists the identifier pair for a database path.
func (s *Store) SetFileIdent(dbPath string, fi FileIdent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fi)
		if err != nil {
			return err
		}

		return tx.Bucket(identBucket).Put([]byte(dbPath), data)
	})
}

// Progress returns the persisted progress marker for a database path,
// defaulting to (0, 0) for a database that has never synchronized.
func (s *Store) Progress(dbPath string) (Progress, error) {
	var p Progress

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(progressBucket).Get([]byte(dbPath))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &p)
	})

	return p, err
}

// SetProgress persists the progress marker for a database path.
func (s *Store) SetProgress(dbPath string, p Progress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}

		return tx.Bucket(progressBucket).Put([]byte(dbPath), data)
	})
}
