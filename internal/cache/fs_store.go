package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	generationsDir = "generations"
	bodySuffix     = ".body"
	metaSuffix     = ".meta"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 目录布局：<basePath>/generations/<代际名>/<sha1(key)>.{body,meta}
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, generationsDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入。
type fileStore struct {
	root string

	// genMu 串行化代际删除与条目写入：删除持写锁，Put/Delete 条目持读锁，
	// 已删除的代际不会被迟到的写入重新创建。
	genMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	store *fileStore
	name  string
	dir   string
}

// entryMeta 是 .meta 文件的内容，Body 单独存放在 .body 文件中。
type entryMeta struct {
	Key      string    `json:"key"`
	Response *Response `json:"response"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)
	s.genMu.Lock()
	err := os.MkdirAll(dir, 0o755)
	s.genMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.root, name)
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Put(ctx context.Context, key string, resp *Response) error {
	if key == "" {
		return ErrInvalidKey
	}
	if resp == nil {
		return errors.New("response required")
	}
	g.store.genMu.RLock()
	defer g.store.genMu.RUnlock()
	if err := g.checkExists(); err != nil {
		return err
	}
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	base := g.entryBase(key)
	if err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body)); err != nil {
		return err
	}

	meta, err := json.Marshal(entryMeta{Key: key, Response: resp})
	if err != nil {
		return err
	}
	return writeAtomic(ctx, base+metaSuffix, bytes.NewReader(meta))
}

func (g *fileGeneration) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	base := g.entryBase(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if meta.Key != key || meta.Response == nil {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := meta.Response
	resp.Body = body
	return resp, nil
}

func (g *fileGeneration) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	g.store.genMu.RLock()
	defer g.store.genMu.RUnlock()
	if err := g.checkExists(); err != nil {
		return err
	}
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	base := g.entryBase(key)
	// 先删 meta：Keys 以 meta 为准，body 残留不会被看到。
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// checkExists 需在持有 genMu 读锁时调用。
func (g *fileGeneration) checkExists() error {
	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", g.name, ErrGenerationDeleted)
		}
		return err
	}
	return nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(g.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *fileGeneration) entryBase(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:]))
}

func readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。目标目录必须已存在。
func writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	dir := filepath.Dir(filePath)

	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(generation, key string) func() {
	lockKey := generation + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
