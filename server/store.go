package main

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/src/backend/database"
)

// Store persists the chat log.
type Store interface {
	// Load returns the newest limit messages in board order; limit <= 0
	// returns all of them.
	Load(limit int) ([]model.Message, error)
	Append(m model.Message) error
	Close() error
}

// OpenStore opens the backend named by cfg.Store.
func OpenStore(cfg *Config) (Store, error) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	switch cfg.Store {
	case StoreJSON:
		return NewJSONStore(cfg.ChatLogFile), nil
	case StoreSQLite:
		return OpenSQLiteStore(cfg.SQLitePath)
	case StorePebble:
		return OpenPebbleStore(cfg.DataPath)
	}
	return nil, errors.Errorf("unknown store %q", cfg.Store)
}

func tail(msgs []model.Message, limit int) []model.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message{}, msgs...)
}

// JSONStore keeps the whole log as one indented JSON array and rewrites
// the file on every append.
type JSONStore struct {
	mu       sync.Mutex
	path     string
	messages []model.Message
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path, messages: []model.Message{}}
}

func (s *JSONStore) Load(limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read chat log")
	}
	if len(data) == 0 {
		return []model.Message{}, nil
	}
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, errors.Wrapf(err, "parse %s", s.path)
	}
	s.messages = msgs
	return tail(msgs, limit), nil
}

func (s *JSONStore) Append(m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, m)
	data, err := json.MarshalIndent(s.messages, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal chat log")
	}
	return errors.Wrap(os.WriteFile(s.path, data, 0644), "write chat log")
}

func (s *JSONStore) Close() error { return nil }

// SQLiteStore keeps one row per message.
type SQLiteStore struct {
	db *database.Database
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := database.NewDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := db.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(limit int) ([]model.Message, error) {
	return s.db.GetMessageHistory(limit)
}

func (s *SQLiteStore) Append(m model.Message) error {
	return s.db.AddMessage(m)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PebbleStore persists messages in a PebbleDB key-value store.
// Keys are 8-byte big-endian sequence numbers increasing monotonically.
type PebbleStore struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}
	s := &PebbleStore{db: db}
	// Discover next sequence by reading the last key.
	it, err := db.NewIter(nil)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "new iterator")
	}
	defer func() { _ = it.Close() }()
	if it.Last() && len(it.Key()) >= 8 {
		s.next = binary.BigEndian.Uint64(it.Key()[:8]) + 1
	}
	return s, nil
}

func (s *PebbleStore) Append(m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, s.next)
	val, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return errors.Wrap(err, "pebble set")
	}
	s.next++
	return nil
}

// Load walks backwards from the newest key so a limit does not scan the
// whole log.
func (s *PebbleStore) Load(limit int) ([]model.Message, error) {
	it, err := s.db.NewIter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "new iterator")
	}
	defer func() { _ = it.Close() }()

	out := make([]model.Message, 0, 64)
	for valid := it.Last(); valid; valid = it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m model.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
