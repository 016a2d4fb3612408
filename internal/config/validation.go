package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StoreBackend {
	case StoreBackendFS, StoreBackendLevelDB:
	default:
		return newFieldError("Global.StoreBackend", "仅支持 fs|leveldb")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}

	return c.Controller.validate()
}

func (c ControllerConfig) validate() error {
	if err := validateGeneration(c.Generation); err != nil {
		return fmt.Errorf("%s: %w", controllerField("Generation", -1), err)
	}
	if len(c.Precache) == 0 {
		return newFieldError(controllerField("Precache", -1), "至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(c.Precache))
	for i, asset := range c.Precache {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(controllerField("Precache", i), "必须是以 / 开头的绝对路径")
		}
		if _, dup := seen[asset]; dup {
			return newFieldError(controllerField("Precache", i), "重复")
		}
		seen[asset] = struct{}{}
	}
	for i, pattern := range c.Exclude {
		if strings.TrimSpace(pattern) == "" {
			return newFieldError(controllerField("Exclude", i), "不能为空")
		}
	}
	return nil
}

// validateGeneration 保证代际名可以安全地作为目录名或 leveldb 键前缀使用。
func validateGeneration(name string) error {
	if name == "" {
		return errors.New("代际名不能为空")
	}
	if name == "." || name == ".." {
		return errors.New("代际名非法")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return errors.New("代际名不允许包含路径分隔符")
	}
	if strings.Contains(name, " ") {
		return errors.New("代际名不允许包含空格")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
