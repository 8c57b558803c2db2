// Package sqlitestore is a StorageClient persisted in a SQLite database.
// Collection frontiers and hold pins survive process restarts, which is what
// lets a coordinator resume views (including views scaled to zero replicas)
// without recomputation or loss of retained history.
package sqlitestore

import (
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3" // Register "sqlite3" driver.
	"github.com/pkg/errors"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
)

// Store is a SQLite-backed StorageClient. A table "oxbow_collections" is
// created on Open if it doesn't exist:
//
//	CREATE TABLE oxbow_collections (
//	  id             TEXT PRIMARY KEY NOT NULL,
//	  read_frontier  TEXT NOT NULL,
//	  write_frontier TEXT NOT NULL,
//	  pin            TEXT
//	);
//
// Frontiers are stored in their JSON encoding; "pin" is NULL while no hold
// is outstanding.
type Store struct {
	db *sql.DB
}

// Open opens or creates the Store at |path|.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS oxbow_collections (
			id             TEXT PRIMARY KEY NOT NULL,
			read_frontier  TEXT NOT NULL,
			write_frontier TEXT NOT NULL,
			pin            TEXT
		);`); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "creating oxbow_collections")
	}
	return &Store{db: db}, nil
}

// Close the Store.
func (s *Store) Close() error { return s.db.Close() }

// CreateCollection registers collection |id| with initial |read| and |write|
// frontiers. Registering an already-known collection is a no-op: frontiers
// persisted by a prior process are authoritative.
func (s *Store) CreateCollection(id pc.CollectionID, read, write frontier.Frontier) error {
	if write.Less(read) {
		return errors.Errorf("read frontier %s exceeds write frontier %s", read, write)
	}
	var _, err = s.db.Exec(`
		INSERT INTO oxbow_collections (id, read_frontier, write_frontier)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;`,
		id.String(), mustEncode(read), mustEncode(write))
	return errors.WithMessagef(err, "creating collection %s", id)
}

// AcquireHold pins |id|'s read frontier at or before |at|, replacing any
// prior pin. It returns holds.ErrAlreadyCompacted if |at| precedes the
// current read frontier.
func (s *Store) AcquireHold(id pc.CollectionID, at frontier.Time) error {
	var read, _, err = s.Frontiers(id)
	if err != nil {
		return err
	}
	if !read.LessEqual(frontier.At(at)) {
		return errors.WithMessagef(holds.ErrAlreadyCompacted,
			"collection %s at %s (read frontier %s)", id, at, read)
	}
	var enc, _ = json.Marshal(at)
	_, err = s.db.Exec(`UPDATE oxbow_collections SET pin = $1 WHERE id = $2;`,
		string(enc), id.String())
	return errors.WithMessagef(err, "pinning collection %s", id)
}

// ReleaseHold removes the pin of collection |id|, if any.
func (s *Store) ReleaseHold(id pc.CollectionID) {
	_, _ = s.db.Exec(`UPDATE oxbow_collections SET pin = NULL WHERE id = $1;`, id.String())
}

// Frontiers returns the current read and write frontiers of collection |id|.
func (s *Store) Frontiers(id pc.CollectionID) (read, write frontier.Frontier, err error) {
	var readEnc, writeEnc string

	err = s.db.QueryRow(`
		SELECT read_frontier, write_frontier FROM oxbow_collections WHERE id = $1;`,
		id.String()).Scan(&readEnc, &writeEnc)

	if err == sql.ErrNoRows {
		return read, write, errors.Errorf("no such collection %s", id)
	} else if err != nil {
		return read, write, errors.WithMessagef(err, "reading collection %s", id)
	}
	if err = json.Unmarshal([]byte(readEnc), &read); err == nil {
		err = json.Unmarshal([]byte(writeEnc), &write)
	}
	return read, write, errors.WithMessagef(err, "decoding frontiers of %s", id)
}

// Pin returns the current hold pin of collection |id|, if one is outstanding.
func (s *Store) Pin(id pc.CollectionID) (frontier.Time, bool, error) {
	var enc sql.NullString

	var err = s.db.QueryRow(`SELECT pin FROM oxbow_collections WHERE id = $1;`,
		id.String()).Scan(&enc)
	if err == sql.ErrNoRows {
		return 0, false, errors.Errorf("no such collection %s", id)
	} else if err != nil || !enc.Valid {
		return 0, false, errors.WithMessagef(err, "reading pin of %s", id)
	}

	var at uint64
	if err = json.Unmarshal([]byte(enc.String), &at); err != nil {
		return 0, false, errors.WithMessagef(err, "decoding pin of %s", id)
	}
	return frontier.Time(at), true, nil
}

// AdvanceWrite advances the write frontier of collection |id|. A regression
// is discarded.
func (s *Store) AdvanceWrite(id pc.CollectionID, write frontier.Frontier) error {
	var _, prior, err = s.Frontiers(id)
	if err != nil {
		return err
	}
	var next, advanced = prior.Advance(write)
	if !advanced {
		return nil
	}
	_, err = s.db.Exec(`UPDATE oxbow_collections SET write_frontier = $1 WHERE id = $2;`,
		mustEncode(next), id.String())
	return errors.WithMessagef(err, "advancing write frontier of %s", id)
}

// Compact advances the read frontier of collection |id| toward |upTo|,
// bounded by the hold pin and the write frontier.
func (s *Store) Compact(id pc.CollectionID, upTo frontier.Time) error {
	var read, write, err = s.Frontiers(id)
	if err != nil {
		return err
	}
	var bound = frontier.At(upTo).Meet(write)

	if at, pinned, pinErr := s.Pin(id); pinErr != nil {
		return pinErr
	} else if pinned {
		bound = bound.Meet(frontier.At(at))
	}

	var next, advanced = read.Advance(bound)
	if !advanced {
		return nil
	}
	_, err = s.db.Exec(`UPDATE oxbow_collections SET read_frontier = $1 WHERE id = $2;`,
		mustEncode(next), id.String())
	return errors.WithMessagef(err, "compacting %s", id)
}

func mustEncode(f frontier.Frontier) string {
	var b, err = json.Marshal(f)
	if err != nil {
		panic(err) // Cannot fail.
	}
	return string(b)
}
