package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	namespacePrefix = "n:"
	entryPrefix     = "e:"
	keySeparator    = "\x00"
)

// LevelDBStorage is a Storage implementation backed by an embedded
// LevelDB database. Namespaces are registered under their own key
// prefix; entry keys combine the namespace and the entry key with a
// separator byte that cannot appear in either.
type LevelDBStorage struct {
	db *leveldb.DB
}

// NewLevelDBStorage opens (or creates) the LevelDB database at the given path.
func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStorage{db: db}, nil
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := s.db.Put([]byte(namespacePrefix+name), []byte{}, nil); err != nil {
		return nil, err
	}
	return &leveldbCache{db: s.db, namespace: name}, nil
}

func (s *LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namespacePrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(namespacePrefix))))
	}
	return names, it.Error()
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := s.db.Has([]byte(namespacePrefix+name), nil)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(namespacePrefix + name))
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySeparator)), nil)
	for it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		batch.Delete(key)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

// Close closes the underlying database.
func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

type leveldbCache struct {
	db        *leveldb.DB
	namespace string
}

// storedEntry is the gob-encoded value format.
type storedEntry struct {
	FetchedAt int64
	Bytes     []byte
}

func (c *leveldbCache) entryKey(key string) []byte {
	return []byte(entryPrefix + c.namespace + keySeparator + key)
}

func (c *leveldbCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	value, err := c.db.Get(c.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return decodeEntry(key, value)
}

func (c *leveldbCache) Put(ctx context.Context, entry Entry) error {
	value, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return c.db.Put(c.entryKey(entry.Key), value, nil)
}

func (c *leveldbCache) PutAll(ctx context.Context, entries []Entry) error {
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		value, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		batch.Put(c.entryKey(entry.Key), value)
	}
	return c.db.Write(batch, nil)
}

func (c *leveldbCache) Keys(ctx context.Context) ([]string, error) {
	prefix := []byte(entryPrefix + c.namespace + keySeparator)
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}

func (c *leveldbCache) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := c.db.Has(c.entryKey(key), nil)
	if err != nil {
		return false, err
	}
	if err := c.db.Delete(c.entryKey(key), nil); err != nil {
		return false, err
	}
	return existed, nil
}

func encodeEntry(entry Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	err := gob.NewEncoder(buf).Encode(storedEntry{
		FetchedAt: entry.FetchedAt.Unix(),
		Bytes:     entry.Bytes,
	})
	return buf.Bytes(), err
}

func decodeEntry(key string, value []byte) (Entry, bool, error) {
	var stored storedEntry
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&stored); err != nil {
		return Entry{}, false, err
	}
	return Entry{
		Key:       key,
		FetchedAt: time.Unix(stored.FetchedAt, 0),
		Bytes:     stored.Bytes,
	}, true, nil
}
