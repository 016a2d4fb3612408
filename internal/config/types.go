package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	StoreBackendFS      = "fs"
	StoreBackendLevelDB = "leveldb"
)

// GlobalConfig 描述网关进程级别的运行参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StoreBackend       string   `mapstructure:"StoreBackend"`
	Origin             string   `mapstructure:"Origin"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	RuntimeCaching     bool     `mapstructure:"RuntimeCaching"`
}

// ControllerConfig 描述一次部署的缓存代际：代际名、预缓存清单与排除规则。
// 修改 Generation 即可让旧代际在激活时被全部清理。
type ControllerConfig struct {
	Generation string   `mapstructure:"Generation"`
	Precache   []string `mapstructure:"Precache"`
	Exclude    []string `mapstructure:"Exclude"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig     `mapstructure:",squash"`
	Controller ControllerConfig `mapstructure:"Controller"`
}

// DefaultGeneration 是未配置时使用的缓存代际名。
const DefaultGeneration = "assembly-hub-v1"

// DefaultPrecache 返回仪表盘默认的预缓存清单。
func DefaultPrecache() []string {
	return []string{
		"/dashboard",
		"/dashboard/index.html",
		"/dashboard/manifest.json",
		"/display/manifest.json",
	}
}

// DefaultExclude 返回默认绕过缓存的地址片段：API 调用与 websocket 端点。
func DefaultExclude() []string {
	return []string{"/api/", "/ws"}
}

// SameDeployment 判断两份控制器配置是否描述同一次部署，用于热加载时决定是否重新安装。
func (c ControllerConfig) SameDeployment(other ControllerConfig) bool {
	if c.Generation != other.Generation {
		return false
	}
	return equalStrings(c.Precache, other.Precache) && equalStrings(c.Exclude, other.Exclude)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
