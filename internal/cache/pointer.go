package cache

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PointerFile 记录当前处于激活状态的代际名，进程重启后据此恢复。
type PointerFile struct {
	path string
}

// NewPointerFile 返回位于 <dir>/ACTIVE 的指针文件。
func NewPointerFile(dir string) *PointerFile {
	return &PointerFile{path: filepath.Join(dir, "ACTIVE")}
}

// Load 读取激活代际名；文件不存在时返回空字符串。
func (p *PointerFile) Load() (string, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Save 原子地写入激活代际名。
func (p *PointerFile) Save(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return writeAtomic(context.Background(), p.path, bytes.NewReader([]byte(name+"\n")))
}
