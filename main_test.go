package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/config"
	"github.com/assembly-hub/hubcache/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("HUBCACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--watch"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if !opts.watch {
		t.Fatalf("--watch 应被解析")
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应说明失败原因，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "hubcache") {
		t.Fatalf("version 输出应包含 hubcache 标识")
	}
}

func TestBootstrapInstallsAndServesStatus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer origin.Close()

	for _, backend := range []string{config.StoreBackendFS, config.StoreBackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			cfg := bootstrapConfig(t, origin.URL, backend)
			gw, err := bootstrap(context.Background(), cfg, logging.NewDiscard())
			if err != nil {
				t.Fatalf("bootstrap 失败: %v", err)
			}
			defer gw.Close()

			active := gw.registration.Active()
			if active == nil || active.Generation() != "assembly-hub-v1" {
				t.Fatalf("启动后应激活 assembly-hub-v1")
			}

			resp, err := gw.app.Test(httptest.NewRequest("GET", "/-/status", nil))
			if err != nil {
				t.Fatalf("app.Test 失败: %v", err)
			}
			var payload struct {
				Controller struct {
					Generation string `json:"generation"`
					State      string `json:"state"`
				} `json:"controller"`
				Generations []string `json:"generations"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("解析 status 失败: %v", err)
			}
			if payload.Controller.State != "active" || len(payload.Generations) != 1 {
				t.Fatalf("status 输出异常: %+v", payload)
			}

			resp, err = gw.app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
			if err != nil {
				t.Fatalf("app.Test 失败: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			if !bytes.Contains(body, []byte(`hubcache_install_total{generation="assembly-hub-v1",result="succeeded"} 1`)) {
				t.Fatalf("metrics 应记录成功安装，得到 %s", string(body))
			}
		})
	}
}

func TestBootstrapKeepsServingWhenOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	cfg := bootstrapConfig(t, origin.URL, config.StoreBackendFS)

	first, err := bootstrap(context.Background(), cfg, logging.NewDiscard())
	if err != nil {
		t.Fatalf("首次启动失败: %v", err)
	}
	_ = first.Close()
	origin.Close()

	// 源站离线时重启：安装失败，但应从指针文件恢复上次的代际。
	second, err := bootstrap(context.Background(), cfg, logging.NewDiscard())
	if err != nil {
		t.Fatalf("离线重启不应失败: %v", err)
	}
	defer second.Close()

	active := second.registration.Active()
	if active == nil || active.Generation() != "assembly-hub-v1" {
		t.Fatalf("应恢复上次激活的代际")
	}

	req := httptest.NewRequest("GET", "/dashboard/index.html", nil)
	req.Header.Set("X-Client-ID", "display-1")
	resp, err := second.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test 失败: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "asset /dashboard/index.html" {
		t.Fatalf("离线时应返回缓存内容，得到 %d %s", resp.StatusCode, string(body))
	}
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	store, closeStore, err := openStore(config.GlobalConfig{StoragePath: dir, StoreBackend: config.StoreBackendLevelDB})
	if err != nil {
		t.Fatalf("打开 leveldb 失败: %v", err)
	}
	if _, ok := store.(*cache.LevelDBStore); !ok || closeStore == nil {
		t.Fatalf("应返回 leveldb 后端")
	}
	_ = closeStore()

	store, closeStore, err = openStore(config.GlobalConfig{StoragePath: dir, StoreBackend: config.StoreBackendFS})
	if err != nil || store == nil || closeStore != nil {
		t.Fatalf("fs 后端不需要关闭函数: %v", err)
	}
}

func bootstrapConfig(t *testing.T, originURL, backend string) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StoragePath:        filepath.Join(t.TempDir(), "storage"),
			StoreBackend:       backend,
			Origin:             originURL,
			UpstreamTimeout:    config.Duration(5 * time.Second),
			InstallConcurrency: 2,
		},
		Controller: config.ControllerConfig{
			Generation: config.DefaultGeneration,
			Precache:   config.DefaultPrecache(),
			Exclude:    config.DefaultExclude(),
		},
	}
}
