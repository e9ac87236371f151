package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"

	dlog "github.com/jkaberg/mediastation/log"
	"github.com/jkaberg/mediastation/torrent"
)

const entryRootKey = "/entry/"

var ErrNotFound = errors.New("history entry not found")

// Entry records one download session: when it was added and how it ended.
type Entry struct {
	ID         string        `json:"id"`
	InfoHash   string        `json:"infoHash"`
	Title      string        `json:"title,omitempty"`
	Source     string        `json:"source"`
	TargetDir  string        `json:"targetDir"`
	State      torrent.State `json:"state"`
	TotalBytes int64         `json:"totalBytes,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
	AddedAt    time.Time     `json:"addedAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

type DB struct {
	db *badger.DB
}

func NewDB(path string) (*DB, error) {
	l := log.Logger.With().Str("component", "history-store").Logger()

	opts := badger.DefaultOptions(path).
		WithLogger(&dlog.Badger{L: l}).
		WithValueLogFileSize(1<<26 - 1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	err = db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return nil, err
	}

	return &DB{
		db: db,
	}, nil
}

func (d *DB) Put(e Entry) error {
	if e.ID == "" {
		return errors.New("history entry without id")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path.Join(entryRootKey, e.ID)), b)
	})
	if err != nil {
		return err
	}

	return d.db.Sync()
}

func (d *DB) Get(id string) (Entry, error) {
	var e Entry
	err := d.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get([]byte(path.Join(entryRootKey, id)))
		if err != nil {
			return err
		}
		return it.Value(func(v []byte) error {
			return json.Unmarshal(v, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns all entries, most recently added first.
func (d *DB) List() ([]Entry, error) {
	tx := d.db.NewTransaction(false)
	defer tx.Discard()

	it := tx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(entryRootKey)
	var out []Entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		i := it.Item()
		if err := i.Value(func(v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding %s: %w", i.Key(), err)
			}
			out = append(out, e)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out, nil
}

func (d *DB) Delete(id string) error {
	tx := d.db.NewTransaction(true)
	defer tx.Discard()

	key := []byte(path.Join(entryRootKey, id))
	if _, err := tx.Get(key); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if err := tx.Delete(key); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) Close() {
	if err := d.db.Close(); err != nil {
		log.Error().Err(err).Msg("error closing history database")
	}
}
