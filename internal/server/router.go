package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering client
// requests through the cache controller. It allows injecting fake handlers
// during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRequestID = "_hubcache_request_id"
	contextKeyClientID  = "_hubcache_client_id"
	contextKeyNewClient = "_hubcache_client_new"

	// HeaderClientID 允许客户端（例如展示屏）显式声明自己的上下文 ID。
	HeaderClientID = "X-Client-ID"
	// ClientCookie 是浏览器标签页的客户端上下文 cookie。
	ClientCookie = "hubcache_client"
)

// NewApp builds a Fiber application with request/client context middleware
// and hands every non-diagnostics request to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(clientContextMiddleware(opts.Logger))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// clientContextMiddleware 识别客户端上下文：优先 X-Client-ID 头，其次 cookie，
// 都没有时分配新的 ID 并通过 cookie 下发，后续请求即可沿用同一个上下文。
func clientContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		clientID := strings.TrimSpace(c.Get(HeaderClientID))
		if clientID == "" {
			clientID = strings.TrimSpace(c.Cookies(ClientCookie))
		}
		if clientID == "" || len(clientID) > 128 {
			clientID = uuid.NewString()
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookie,
				Value:    clientID,
				Path:     "/",
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
			logger.WithFields(logrus.Fields{
				"action":     "client_context",
				"client_id":  clientID,
				"request_id": RequestID(c),
			}).Debug("client_context_created")
			c.Locals(contextKeyNewClient, true)
		}
		c.Locals(contextKeyClientID, clientID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the client context identifier stored by the router middleware.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if clientID, ok := value.(string); ok {
			return clientID
		}
	}
	return ""
}

// IsNewClient reports whether the client ID was minted for this request.
// 客户端可能丢弃 cookie，这类 ID 不应长期登记。
func IsNewClient(c fiber.Ctx) bool {
	minted, _ := c.Locals(contextKeyNewClient).(bool)
	return minted
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
