package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/logging"
	"github.com/assembly-hub/hubcache/internal/metrics"
	"github.com/assembly-hub/hubcache/internal/upstream"
)

var (
	// ErrInvalidState 表示操作与控制器当前阶段不符。
	ErrInvalidState = errors.New("controller in invalid state")
	// ErrInstallFailed 表示预缓存失败，整个安装被放弃。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotActive 表示控制器尚未激活或已被取代，不能处理请求。
	ErrNotActive = errors.New("controller not active")
	// ErrUnresolved 表示网络失败且缓存未命中。
	ErrUnresolved = errors.New("request unresolved: network failed and cache missed")
)

// Fetcher 向源站发出请求。只有传输层失败才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*cache.Response, error)
}

// Claimer 在激活完成后接管已打开的客户端，返回被接管的数量。
type Claimer interface {
	Claim(ctrl *Controller) int
}

// Options 描述一次部署。
type Options struct {
	Generation     string
	Assets         []string
	Exclude        []string
	RuntimeCaching bool
	Concurrency    int
}

// Deps 是控制器的外部依赖。
type Deps struct {
	Store   cache.Store
	Fetcher Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
	Claimer Claimer
}

// Decision 描述 Route 的处理结果。
type Decision string

const (
	DecisionBypass  Decision = "bypass"
	DecisionNetwork Decision = "network"
	DecisionCache   Decision = "cache"
	DecisionMiss    Decision = "miss"
)

// Outcome 是 Route 的返回值。Bypass 时 Response 为空，调用方需自行透传。
type Outcome struct {
	Decision   Decision
	Response   *cache.Response
	NetworkErr error
}

// ActivationReport 汇总一次激活的清理与接管结果。
type ActivationReport struct {
	Deleted []string
	Failed  []string
	Claimed int
}

// Controller 持有一个缓存代际，负责安装、激活与请求路由。
type Controller struct {
	id      string
	opts    Options
	deps    Deps
	exclude Excluder

	mu          sync.RWMutex
	state       State
	gen         cache.Generation
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

// New 创建处于 uninstalled 阶段的控制器。
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := cache.ValidateName(opts.Generation); err != nil {
		return nil, fmt.Errorf("generation %q: %w", opts.Generation, err)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscard()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	opts.Assets = append([]string(nil), opts.Assets...)
	return &Controller{
		id:      uuid.NewString(),
		opts:    opts,
		deps:    deps,
		exclude: NewExcluder(opts.Exclude),
		state:   StateUninstalled,
	}, nil
}

// restore 为已经存在的代际重建一个 active 控制器（进程重启后使用）。
func restore(ctx context.Context, deps Deps, opts Options) (*Controller, error) {
	ctrl, err := New(deps, opts)
	if err != nil {
		return nil, err
	}
	gen, err := deps.Store.Open(ctx, opts.Generation)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ctrl.gen = gen
	ctrl.state = StateActive
	ctrl.installedAt = now
	ctrl.activatedAt = now
	return ctrl, nil
}

// ID 返回控制器实例标识。
func (c *Controller) ID() string {
	return c.id
}

// Generation 返回控制器持有的代际名。
func (c *Controller) Generation() string {
	return c.opts.Generation
}

// Assets 返回预缓存清单副本。
func (c *Controller) Assets() []string {
	return append([]string(nil), c.opts.Assets...)
}

// State 返回当前阶段。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SkipWaiting 表示安装成功后是否要求立即激活。
func (c *Controller) SkipWaiting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipWaiting
}

// ActivatedAt 返回激活时间，未激活时为零值。
func (c *Controller) ActivatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activatedAt
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.state, to)
	}
	c.state = to
	return nil
}

// Retire 把控制器标记为 redundant，之后的 Route 会返回 ErrNotActive。
func (c *Controller) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRedundant
}

// Install 抓取全部预缓存资源并写入代际。所有资源先在内存中抓取完毕，
// 任一资源失败（传输错误或非 2xx）都会放弃整个安装，且不写入任何条目。
// 成功后控制器进入 installed 并请求跳过等待。失败后进入 redundant，不会自动重试。
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(StateInstalling); err != nil {
		return err
	}
	started := time.Now()
	log := c.deps.Logger.WithFields(logging.LifecycleFields("install", c.opts.Generation, string(StateInstalling)))
	log.WithField("assets", len(c.opts.Assets)).Info("install_started")

	gen, err := c.precache(ctx)
	if err != nil {
		c.Retire()
		c.deps.Metrics.ObserveInstall(c.opts.Generation, metrics.InstallFailed, 0, time.Since(started))
		log.WithError(err).WithField("state", StateRedundant).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	c.mu.Lock()
	c.gen = gen
	c.state = StateInstalled
	c.skipWaiting = true
	c.installedAt = time.Now().UTC()
	c.mu.Unlock()

	c.deps.Metrics.ObserveInstall(c.opts.Generation, metrics.InstallSucceeded, len(c.opts.Assets), time.Since(started))
	log.WithFields(logrus.Fields{
		"state":      StateInstalled,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install_complete")
	return nil
}

func (c *Controller) precache(ctx context.Context) (cache.Generation, error) {
	responses := make([]*cache.Response, len(c.opts.Assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, asset := range c.opts.Assets {
		g.Go(func() error {
			resp, err := c.deps.Fetcher.Fetch(gctx, upstream.NewGet(asset))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", asset, resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	gen, err := c.deps.Store.Open(ctx, c.opts.Generation)
	if err != nil {
		return nil, fmt.Errorf("open generation: %w", err)
	}
	for i, asset := range c.opts.Assets {
		if err := gen.Put(ctx, asset, responses[i]); err != nil {
			return nil, fmt.Errorf("store %s: %w", asset, err)
		}
	}

	// 同名代际重装时，清掉不在本次清单里的旧条目。
	keys, err := gen.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	wanted := make(map[string]struct{}, len(c.opts.Assets))
	for _, asset := range c.opts.Assets {
		wanted[asset] = struct{}{}
	}
	for _, key := range keys {
		if _, ok := wanted[key]; ok {
			continue
		}
		if err := gen.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("drop %s: %w", key, err)
		}
	}
	return gen, nil
}

// Activate 删除除当前代际外的所有代际，然后接管已打开的客户端。
// 删除失败只记录日志与指标，不会中止激活。
func (c *Controller) Activate(ctx context.Context) (ActivationReport, error) {
	var report ActivationReport
	if err := c.transition(StateActivating); err != nil {
		return report, err
	}
	log := c.deps.Logger.WithFields(logging.LifecycleFields("activate", c.opts.Generation, string(StateActivating)))

	names, err := c.deps.Store.List(ctx)
	if err != nil {
		log.WithError(err).Warn("generation_list_failed")
	}
	for _, name := range names {
		if name == c.opts.Generation {
			continue
		}
		if _, err := c.deps.Store.Delete(ctx, name); err != nil {
			report.Failed = append(report.Failed, name)
			log.WithError(err).WithField("stale_generation", name).Warn("generation_delete_failed")
			continue
		}
		report.Deleted = append(report.Deleted, name)
	}
	c.deps.Metrics.ObserveEviction(len(report.Deleted), len(report.Failed))

	if err := c.transition(StateActive); err != nil {
		return report, err
	}
	c.mu.Lock()
	c.activatedAt = time.Now().UTC()
	c.mu.Unlock()

	if c.deps.Claimer != nil {
		report.Claimed = c.deps.Claimer.Claim(c)
		c.deps.Metrics.ObserveClaim(report.Claimed)
	}

	log.WithFields(logrus.Fields{
		"state":   StateActive,
		"deleted": report.Deleted,
		"claimed": report.Claimed,
	}).Info("activate_complete")
	return report, nil
}

// Route 决定一次请求的去向：
//  1. 命中排除规则 → bypass，不读不写缓存；
//  2. 否则优先走网络；
//  3. 网络失败时按请求地址精确查缓存，未命中返回 ErrUnresolved。
func (c *Controller) Route(ctx context.Context, req upstream.Request) (Outcome, error) {
	started := time.Now()
	if c.exclude.Match(req.Target) {
		c.deps.Metrics.ObserveRoute(c.opts.Generation, metrics.RouteBypass, time.Since(started))
		return Outcome{Decision: DecisionBypass}, nil
	}

	c.mu.RLock()
	state, gen := c.state, c.gen
	c.mu.RUnlock()
	if state != StateActive || gen == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotActive, state)
	}

	resp, netErr := c.deps.Fetcher.Fetch(ctx, req)
	if netErr == nil {
		if c.opts.RuntimeCaching && isCacheable(req.Method) && resp.OK() {
			if err := gen.Put(ctx, req.Target, resp.Clone()); err != nil {
				entry := c.deps.Logger.WithError(err).
					WithFields(logging.RouteFields(c.opts.Generation, "", req.Method, req.Target, string(DecisionNetwork)))
				// 代际在请求途中被新版本淘汰，写入被拒绝是预期行为。
				if errors.Is(err, cache.ErrGenerationDeleted) {
					entry.Debug("runtime_cache_put_skipped")
				} else {
					entry.Warn("runtime_cache_put_failed")
				}
			}
		}
		c.deps.Metrics.ObserveRoute(c.opts.Generation, metrics.RouteNetwork, time.Since(started))
		return Outcome{Decision: DecisionNetwork, Response: resp}, nil
	}

	if isCacheable(req.Method) {
		cached, err := gen.Match(ctx, req.Target)
		if err == nil {
			c.deps.Metrics.ObserveRoute(c.opts.Generation, metrics.RouteCache, time.Since(started))
			return Outcome{Decision: DecisionCache, Response: cached, NetworkErr: netErr}, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			c.deps.Logger.WithError(err).
				WithFields(logging.RouteFields(c.opts.Generation, "", req.Method, req.Target, string(DecisionMiss))).
				Warn("cache_match_failed")
		}
	}

	c.deps.Metrics.ObserveRoute(c.opts.Generation, metrics.RouteMiss, time.Since(started))
	return Outcome{Decision: DecisionMiss, NetworkErr: netErr}, fmt.Errorf("%w: %s: %w", ErrUnresolved, req.Target, netErr)
}

// isCacheable 与缓存匹配语义一致：只有 GET 请求能命中缓存条目。
func isCacheable(method string) bool {
	return method == "" || method == http.MethodGet
}
