package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/assembly-hub/hubcache/internal/logging"
	"github.com/assembly-hub/hubcache/internal/metrics"
	"github.com/assembly-hub/hubcache/internal/offline"
	"github.com/assembly-hub/hubcache/internal/server"
	"github.com/assembly-hub/hubcache/internal/upstream"
)

const (
	headerSource     = "X-Hubcache-Source"
	headerGeneration = "X-Hubcache-Generation"

	sourceNetwork     = "network"
	sourceCache       = "cache"
	sourceBypass      = "bypass"
	sourcePassthrough = "passthrough"
)

// Handler 把客户端请求交给所属的缓存控制器：
// network/cache 结果按存储的状态码与头写回；bypass、无控制器或控制器已失效时直接透传源站；
// 网络失败且缓存未命中时返回 502 offline_unavailable。
type Handler struct {
	registration *offline.Registration
	client       *upstream.Client
	logger       *logrus.Logger
	metrics      *metrics.Recorder
}

// NewHandler constructs a proxy handler sharing the registration, upstream client and logger.
func NewHandler(reg *offline.Registration, client *upstream.Client, logger *logrus.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Handler{
		registration: reg,
		client:       client,
		logger:       logger,
		metrics:      recorder,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req := buildRequest(c)
	clientID := server.ClientID(c)
	if server.IsNewClient(c) {
		// 刚分配的 ID 不登记，客户端带着 cookie 回来后才记录上下文。
		clientID = ""
	}

	ctrl := h.registration.ControllerFor(clientID)
	if ctrl == nil {
		h.metrics.ObserveRoute("", metrics.RouteBypass, time.Since(started))
		return h.passThrough(c, ctx, req, "", sourcePassthrough, started)
	}

	outcome, err := ctrl.Route(ctx, req)
	switch {
	case err == nil && outcome.Decision == offline.DecisionBypass:
		return h.passThrough(c, ctx, req, ctrl.Generation(), sourceBypass, started)
	case err == nil:
		return h.writeOutcome(c, req, ctrl.Generation(), outcome, started)
	case errors.Is(err, offline.ErrNotActive):
		return h.passThrough(c, ctx, req, ctrl.Generation(), sourcePassthrough, started)
	case errors.Is(err, offline.ErrUnresolved):
		h.logResult(c, req, ctrl.Generation(), string(offline.DecisionMiss), fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "offline_unavailable")
	default:
		h.logResult(c, req, ctrl.Generation(), string(outcome.Decision), fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
}

func (h *Handler) writeOutcome(c fiber.Ctx, req upstream.Request, generation string, outcome offline.Outcome, started time.Time) error {
	resp := outcome.Response
	source := sourceNetwork
	if outcome.Decision == offline.DecisionCache {
		source = sourceCache
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, source)
	c.Set(headerGeneration, generation)
	setRequestIDHeader(c, server.RequestID(c))
	c.Status(resp.StatusCode)

	h.logResult(c, req, generation, string(outcome.Decision), resp.StatusCode, started, outcome.NetworkErr)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// passThrough 直接把请求转发到源站并流式写回，不读写缓存。
func (h *Handler) passThrough(c fiber.Ctx, ctx context.Context, req upstream.Request, generation, source string, started time.Time) error {
	if upstream.IsUpgradeRequest(req.Header) {
		return h.tunnel(c, req, generation, source, started)
	}
	resp, err := h.client.Forward(ctx, req)
	if err != nil {
		h.logResult(c, req, generation, source, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_unreachable")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, source)
	setRequestIDHeader(c, server.RequestID(c))
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(c, req, generation, source, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, req, generation, source, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// tunnel 把协议升级请求（例如 /ws 上的 WebSocket）接管后双向转发到源站，连接关闭时返回。
func (h *Handler) tunnel(c fiber.Ctx, req upstream.Request, generation, source string, started time.Time) error {
	err := adaptor.HTTPHandler(h.client.UpgradeHandler())(c)
	status := c.Response().StatusCode()
	if err == nil && status == fiber.StatusOK {
		// 101 由源站直接写入被接管的连接，fasthttp 的响应保持默认值。
		status = fiber.StatusSwitchingProtocols
	}
	h.logResult(c, req, generation, source, status, started, err)
	return err
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	setRequestIDHeader(c, server.RequestID(c))
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	req upstream.Request,
	generation string,
	decision string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RouteFields(generation, server.ClientID(c), req.Method, req.Target, decision)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if decision == string(offline.DecisionCache) {
			// 网络失败但缓存命中，属于预期的离线路径。
			h.logger.WithFields(fields).Warn("proxy_served_from_cache")
			return
		}
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 把 Fiber 请求转换为上游请求，Target 保留原始查询串以便精确匹配缓存。
func buildRequest(c fiber.Ctx) upstream.Request {
	return upstream.Request{
		Method:   c.Method(),
		Target:   requestTarget(c),
		Header:   fiberHeadersAsHTTP(c),
		Body:     append([]byte(nil), c.Body()...),
		ClientIP: c.IP(),
		Host:     c.Hostname(),
		Proto:    c.Protocol(),
	}
}

func requestTarget(c fiber.Ctx) string {
	uri := c.Request().URI()
	target := string(uri.Path())
	if target == "" {
		target = "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	return target
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del(server.HeaderClientID)
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			// Set-Cookie 等头可能出现多次，Set 会覆盖前值。
			c.Response().Header.Add(key, value)
		}
	}
}
