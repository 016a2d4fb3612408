package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Store 管理所有缓存代际。控制器只依赖 Open/List/Delete 三个操作。
type Store interface {
	// Open 返回指定名称的代际，不存在时创建一个空代际。
	Open(ctx context.Context, name string) (Generation, error)

	// List 返回当前存在的所有代际名称（按字典序）。
	List(ctx context.Context) ([]string, error)

	// Delete 删除代际及其全部条目，返回该代际此前是否存在。删除不可恢复。
	Delete(ctx context.Context, name string) (bool, error)
}

// Generation 是一个命名的缓存快照。同一 key 重复 Put 会覆盖旧条目。
type Generation interface {
	Name() string
	Put(ctx context.Context, key string, resp *Response) error
	// Match 精确匹配 key，未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)
	// Delete 移除单个条目，条目不存在时不报错。
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Response 是一次完整缓冲的上游响应。
type Response struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	StoredAt   time.Time   `json:"stored_at"`
}

// OK 表示状态码是否为 2xx。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone 返回深拷贝，避免调用方修改已缓存的 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

var (
	// ErrNotFound 表示代际内没有匹配的条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示代际名无法安全落盘。
	ErrInvalidName = errors.New("invalid generation name")
	// ErrInvalidKey 表示条目 key 为空。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrGenerationDeleted 表示代际已被删除，句柄不再可写。
	ErrGenerationDeleted = errors.New("generation deleted")
)

// ValidateName 检查代际名是否可以作为目录名或键前缀使用。
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}
