package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"
UpstreamTimeout = 15
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("配置文件不存在时应报错")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"

[Controller]
Generation = "assembly-hub-v1"
`)

	changes := make(chan *Config, 4)
	if err := Watch(path, func(cfg *Config, err error) {
		if err != nil {
			return
		}
		select {
		case changes <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	updated := `
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"

[Controller]
Generation = "assembly-hub-v2"
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Controller.Generation == "assembly-hub-v2" {
				return
			}
		case <-deadline:
			t.Fatalf("未收到配置变更回调")
		}
	}
}
