// Package upstream owns every request the gateway sends to the dashboard
// origin: buffered fetches used by the offline controller and streaming
// pass-through for requests the controller declines to handle.
package upstream

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"time"

	"github.com/assembly-hub/hubcache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 将相对请求目标解析到源站并发出请求。
type Client struct {
	origin  *url.URL
	http    *http.Client
	upgrade *httputil.ReverseProxy
}

// NewClient 基于配置构造源站客户端，所有请求共享同一个 http.Client。
func NewClient(cfg *config.Config) (*Client, error) {
	timeout := 30 * time.Second
	origin := ""
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		origin = cfg.Global.Origin
	}
	return NewClientWith(origin, &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	})
}

// NewClientWith 允许注入自定义 http.Client（测试中常用）。
func NewClientWith(origin string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, &url.Error{Op: "parse", URL: origin, Err: errMissingHost}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		origin:  parsed,
		http:    httpClient,
		upgrade: newUpgradeProxy(parsed, httpClient),
	}, nil
}

// Origin 返回源站地址。
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Timeout 返回底层 http.Client 的超时时间。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
