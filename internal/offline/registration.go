package offline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/logging"
	"github.com/assembly-hub/hubcache/internal/metrics"
)

const (
	defaultClientTTL  = 24 * time.Hour
	defaultMaxClients = 10000
	pruneInterval     = time.Minute
)

// Pointer 持久化当前激活的代际名。
type Pointer interface {
	Load() (string, error)
	Save(name string) error
}

// RegistrationOptions 配置 Registration 的依赖。Pointer 可以为空，此时重启后不会恢复旧代际。
// MaxClients 限制同时记录的客户端数，达到上限时淘汰最久未出现的客户端。
type RegistrationOptions struct {
	Store      cache.Store
	Fetcher    Fetcher
	Logger     *logrus.Logger
	Metrics    *metrics.Recorder
	Pointer    Pointer
	ClientTTL  time.Duration
	MaxClients int
	Now        func() time.Time
}

// ClientInfo 是客户端上下文的只读快照。
type ClientInfo struct {
	ID         string    `json:"id"`
	Generation string    `json:"generation,omitempty"`
	Controlled bool      `json:"controlled"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

type clientContext struct {
	id         string
	controller *Controller
	firstSeen  time.Time
	lastSeen   time.Time
}

// Registration 托管控制器：恢复上次的代际、安装并激活新部署、
// 记录每个客户端由哪个控制器服务。
type Registration struct {
	opts RegistrationOptions

	// updateMu 保证同一时刻只有一次部署在安装/激活。
	updateMu sync.Mutex

	mu        sync.RWMutex
	active    *Controller
	clients   map[string]*clientContext
	lastPrune time.Time
}

// NewRegistration 创建空的 Registration。
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = defaultClientTTL
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registration{
		opts:    opts,
		clients: make(map[string]*clientContext),
	}, nil
}

func (r *Registration) deps() Deps {
	return Deps{
		Store:   r.opts.Store,
		Fetcher: r.opts.Fetcher,
		Logger:  r.opts.Logger,
		Metrics: r.opts.Metrics,
		Claimer: r,
	}
}

// Active 返回当前激活的控制器，可能为 nil。
func (r *Registration) Active() *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Store 返回共享的缓存存储。
func (r *Registration) Store() cache.Store {
	return r.opts.Store
}

// Restore 按指针文件恢复上次激活的代际。代际已不存在或未记录时返回 nil, nil。
// opts.Generation 会被替换为指针记录的代际名，其余字段（排除规则等）沿用。
func (r *Registration) Restore(ctx context.Context, opts Options) (*Controller, error) {
	if r.opts.Pointer == nil {
		return nil, nil
	}
	name, err := r.opts.Pointer.Load()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	names, err := r.opts.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := sort.SearchStrings(names, name)
	if idx >= len(names) || names[idx] != name {
		r.opts.Logger.WithFields(logging.LifecycleFields("restore", name, "missing")).Warn("restore_generation_missing")
		return nil, nil
	}

	opts.Generation = name
	opts.Assets = nil
	ctrl, err := restore(ctx, r.deps(), opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.active = ctrl
	r.mu.Unlock()
	r.opts.Logger.WithFields(logging.LifecycleFields("restore", name, string(StateActive))).Info("restore_complete")
	return ctrl, nil
}

// Update 安装一个新部署。安装成功后控制器请求跳过等待，因此立即激活并接管全部客户端，
// 旧控制器变为 redundant。安装失败时旧控制器保持激活并继续服务。
func (r *Registration) Update(ctx context.Context, opts Options) (*Controller, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	ctrl, err := New(r.deps(), opts)
	if err != nil {
		return nil, err
	}
	previous := r.Active()

	if err := ctrl.Install(ctx); err != nil {
		fields := logging.LifecycleFields("update", opts.Generation, string(ctrl.State()))
		if previous != nil {
			fields["serving_generation"] = previous.Generation()
		}
		r.opts.Logger.WithFields(fields).WithError(err).Warn("update_install_failed")
		return nil, err
	}

	if !ctrl.SkipWaiting() {
		return ctrl, nil
	}
	if _, err := ctrl.Activate(ctx); err != nil {
		return nil, err
	}
	if previous != nil && previous != ctrl {
		previous.Retire()
	}

	if r.opts.Pointer != nil {
		if err := r.opts.Pointer.Save(ctrl.Generation()); err != nil {
			r.opts.Logger.WithError(err).
				WithFields(logging.LifecycleFields("update", ctrl.Generation(), string(StateActive))).
				Warn("pointer_save_failed")
		}
	}
	return ctrl, nil
}

// Claim 将 ctrl 设为激活控制器，并让所有已知客户端改由它服务。
func (r *Registration) Claim(ctrl *Controller) int {
	if ctrl == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = ctrl
	claimed := 0
	for _, client := range r.clients {
		if client.controller != ctrl {
			client.controller = ctrl
			claimed++
		}
	}
	return claimed
}

// ControllerFor 返回服务该客户端的控制器。新客户端绑定当前激活控制器；
// 在没有激活控制器时打开的客户端保持不受控，直到下一次 Claim。
func (r *Registration) ControllerFor(clientID string) *Controller {
	if clientID == "" {
		return r.Active()
	}
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[clientID]; ok {
		client.lastSeen = now
		return client.controller
	}

	r.pruneLocked(now)
	if len(r.clients) >= r.opts.MaxClients {
		r.evictOldestLocked()
	}
	r.clients[clientID] = &clientContext{
		id:         clientID,
		controller: r.active,
		firstSeen:  now,
		lastSeen:   now,
	}
	r.opts.Metrics.SetClients(len(r.clients))
	return r.active
}

// Forget 移除一个客户端上下文（例如客户端显式关闭）。
func (r *Registration) Forget(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
	r.opts.Metrics.SetClients(len(r.clients))
}

// Clients 返回按 ID 排序的客户端快照。
func (r *Registration) Clients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		info := ClientInfo{
			ID:        client.id,
			FirstSeen: client.firstSeen,
			LastSeen:  client.lastSeen,
		}
		if client.controller != nil {
			info.Generation = client.controller.Generation()
			info.Controlled = true
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registration) pruneLocked(now time.Time) {
	if now.Sub(r.lastPrune) < pruneInterval {
		return
	}
	r.lastPrune = now
	for id, client := range r.clients {
		if now.Sub(client.lastSeen) > r.opts.ClientTTL {
			delete(r.clients, id)
		}
	}
}

func (r *Registration) evictOldestLocked() {
	var oldest *clientContext
	for _, client := range r.clients {
		if oldest == nil || client.lastSeen.Before(oldest.lastSeen) {
			oldest = client
		}
	}
	if oldest != nil {
		delete(r.clients, oldest.id)
	}
}
