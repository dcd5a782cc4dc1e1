// Package history defines the view of the local storage engine the sync
// engine consumes, and provides a bbolt-backed append-only change log
// implementing it.
//
// The sync engine treats changeset payloads as opaque bytes; the only
// structure it relies on is the monotonically increasing local version
// counter and the per-commit origin metadata.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Entry is one commit in the local change history.
type Entry struct {
	// Version is the local commit version, starting at 1.
	Version uint64 `json:"version"`

	// OriginFileIdent identifies the file the change originated from.
	// Zero means local user activity; non-zero means the commit resulted
	// from integrating a remote change and must never be re-uploaded.
	OriginFileIdent uint64 `json:"origin_file_ident"`

	// OriginTimestamp is the commit's origin wall-clock time in
	// milliseconds since the Unix epoch.
	OriginTimestamp uint64 `json:"origin_timestamp"`

	// RemoteVersion is the server version associated with this commit:
	// for foreign commits, the server version the integrated changeset
	// was produced at; for local commits, the last server version already
	// integrated when the commit was made.
	RemoteVersion uint64 `json:"remote_version"`

	// Changeset is the opaque change payload.
	Changeset []byte `json:"changeset"`
}

// Store is the subset of the local storage engine the sync engine needs.
//
// CurrentVersion and Entry are called from the connection control
// goroutine; Integrate is called only from the background applier worker.
// Implementations must tolerate that split.
type Store interface {
	// CurrentVersion returns the highest committed local version, zero
	// for an empty history.
	CurrentVersion() (uint64, error)

	// Entry returns the commit record for a version.
	Entry(version uint64) (Entry, error)

	// LastIntegratedServerVersion returns the highest server version
	// reflected anywhere in the local history. Used once at session
	// startup to derive the retransmission threshold.
	LastIntegratedServerVersion() (uint64, error)

	// Integrate applies a remote changeset to the local history: the
	// merge operation. It is given the opaque payload, the local version
	// the server last integrated, the server version the changeset was
	// produced at, and the origin metadata from the wire. It returns the
	// new local commit version, or an error if the changeset cannot be
	// merged. Merge errors are not retryable.
	Integrate(changeset []byte, lastIntegrated, serverVersion, originTimestamp, originFileIdent uint64) (uint64, error)
}

// ErrMalformedChangeset is returned by Integrate for payloads the merge
// step cannot interpret.
var ErrMalformedChangeset = errors.New("malformed changeset payload")

const logFilePerm = fs.FileMode(0o600)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
)

var (
	versionKey    = []byte("version")
	lastServerKey = []byte("last_server")
	fileIdentKey  = []byte("file_ident")
)

// Log is a bbolt-backed append-only change log. It is the reference
// Store implementation used by the daemon and the tests; a real embedded
// database engine satisfies Store through its own transaction log.
type Log struct {
	db *bolt.DB
}

// Open opens (or creates) a change log at path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, logFilePerm, nil)
	if err != nil {
		return nil, fmt.Errorf("opening history log: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history log: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// CurrentVersion returns the highest committed version.
func (l *Log) CurrentVersion() (uint64, error) {
	var v uint64

	err := l.db.View(func(tx *bolt.Tx) error {
		v = getUint(tx.Bucket(metaBucket), versionKey)
		return nil
	})

	return v, err
}

// Entry returns the commit record at a version.
func (l *Log) Entry(version uint64) (Entry, error) {
	var e Entry

	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(versionBytes(version))
		if v == nil {
			return fmt.Errorf("no history entry at version %d", version)
		}

		return json.Unmarshal(v, &e)
	})

	return e, err
}

// LastIntegratedServerVersion returns the highest server version any
// commit in the log reflects.
func (l *Log) LastIntegratedServerVersion() (uint64, error) {
	var v uint64

	err := l.db.View(func(tx *bolt.Tx) error {
		v = getUint(tx.Bucket(metaBucket), lastServerKey)
		return nil
	})

	return v, err
}

// SetFileIdent records the identifier pair the server allocated for
// this file, so the storage engine can stamp it onto future commits.
func (l *Log) SetFileIdent(server, client uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := make([]byte, 16)
		binary.BigEndian.PutUint64(b, server)
		binary.BigEndian.PutUint64(b[8:], client)

		return tx.Bucket(metaBucket).Put(fileIdentKey, b)
	})
}

// FileIdent returns the recorded identifier pair, zeroes if none.
func (l *Log) FileIdent() (server, client uint64, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(fileIdentKey)
		if len(v) != 16 {
			return nil
		}

		server = binary.BigEndian.Uint64(v)
		client = binary.BigEndian.Uint64(v[8:])

		return nil
	})

	return server, client, err
}

// Append commits a local-origin change and returns its version. This is
// the entry point local writers use; the sync engine itself never calls
// it.
func (l *Log) Append(changeset []byte) (uint64, error) {
	var version uint64

	err := l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		version = getUint(meta, versionKey) + 1

		e := Entry{
			Version:         version,
			OriginTimestamp: uint64(time.Now().UnixMilli()),
			RemoteVersion:   getUint(meta, lastServerKey),
			Changeset:       changeset,
		}

		return l.putEntry(tx, e)
	})
	if err != nil {
		return 0, fmt.Errorf("appending local commit: %w", err)
	}

	return version, nil
}

// Integrate implements the merge operation by appending a foreign-origin
// commit. An empty payload is rejected as malformed.
func (l *Log) Integrate(changeset []byte, lastIntegrated, serverVersion, originTimestamp, originFileIdent uint64) (uint64, error) {
	if len(changeset) == 0 {
		return 0, ErrMalformedChangeset
	}

	var version uint64

	err := l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)

		if prev := getUint(meta, lastServerKey); serverVersion <= prev {
			return fmt.Errorf("server version %d already integrated (have %d)", serverVersion, prev)
		}

		version = getUint(meta, versionKey) + 1

		e := Entry{
			Version:         version,
			OriginFileIdent: originFileIdent,
			OriginTimestamp: originTimestamp,
			RemoteVersion:   serverVersion,
			Changeset:       changeset,
		}

		if err := l.putEntry(tx, e); err != nil {
			return err
		}

		return meta.Put(lastServerKey, uintBytes(serverVersion))
	})
	if err != nil {
		return 0, fmt.Errorf("integrating server version %d: %w", serverVersion, err)
	}

	return version, nil
}

func (l *Log) putEntry(tx *bolt.Tx, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if err := tx.Bucket(entriesBucket).Put(versionBytes(e.Version), data); err != nil {
		return err
	}

	return tx.Bucket(metaBucket).Put(versionKey, uintBytes(e.Version))
}

func versionBytes(v uint64) []byte {
	return uintBytes(v)
}

func uintBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

func getUint(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}

	return binary.BigEndian.Uint64(v)
}
