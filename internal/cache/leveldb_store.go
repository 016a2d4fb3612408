package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	g:<代际名>              代际标记，值为空
//	e:<代际名>\x00<key>     gob 编码的 Response
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	entrySeparator   = "\x00"
)

// LevelDBStore 把所有代际放进同一个 leveldb 实例，删除代际时一次性批量清理。
type LevelDBStore struct {
	db *leveldb.DB

	// mu 串行化代际删除与写入，避免删除过程中插入新条目。
	mu sync.RWMutex
}

// NewLevelDBStore 在 path 下打开（或创建）leveldb 数据库。
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, errors.New("leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// NewMemLevelDBStore 返回基于内存 storage 的 leveldb，主要用于测试。
func NewMemLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

// Close 释放底层数据库句柄。
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := []byte(generationPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.db.Put(marker, nil, nil); err != nil {
			return nil, fmt.Errorf("create generation %s: %w", name, err)
		}
	}
	return &levelGeneration{store: s, name: name}, nil
}

func (s *LevelDBStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *LevelDBStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := []byte(generationPrefix + name)
	existed, err := s.db.Has(marker, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return existed, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return existed, err
	}
	return existed, nil
}

type levelGeneration struct {
	store *LevelDBStore
	name  string
}

func (g *levelGeneration) Name() string {
	return g.name
}

func (g *levelGeneration) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	if resp == nil {
		return errors.New("response required")
	}
	encoded, err := encodeGob(resp)
	if err != nil {
		return err
	}

	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	ok, err := g.store.db.Has([]byte(generationPrefix+g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", g.name, ErrGenerationDeleted)
	}
	return g.store.db.Put(entryKey(g.name, key), encoded, nil)
}

func (g *levelGeneration) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	ok, err := g.store.db.Has([]byte(generationPrefix+g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", g.name, ErrGenerationDeleted)
	}
	return g.store.db.Delete(entryKey(g.name, key), nil)
}

func (g *levelGeneration) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	raw, err := g.store.db.Get(entryKey(g.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var resp Response
	if err := decodeGob(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &resp, nil
}

func (g *levelGeneration) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryKeyPrefix(g.name)
	it := g.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + entrySeparator)
}

func entryKey(name, key string) []byte {
	return append(entryKeyPrefix(name), key...)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
