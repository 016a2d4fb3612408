package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/assembly-hub/hubcache/internal/cache"
	"github.com/assembly-hub/hubcache/internal/version"
)

var errMissingHost = errors.New("origin must include scheme and host")

// maxBufferedBody 限制缓冲抓取的响应体大小，防止异常资源撑爆内存。
const maxBufferedBody = 64 << 20

// Request 描述一次发往源站的请求。Target 为路径加查询串，例如 /dashboard?v=2。
type Request struct {
	Method string
	Target string
	Header http.Header
	Body   []byte

	// Forwarded 信息仅在透传时写入 X-Forwarded-* 头。
	ClientIP string
	Host     string
	Proto    string
}

// NewGet 构造一个无请求体的 GET 请求。
func NewGet(target string) Request {
	return Request{Method: http.MethodGet, Target: target}
}

// Resolve 将请求目标解析为源站上的绝对地址。
func (c *Client) Resolve(target string) (*url.URL, error) {
	if target == "" {
		target = "/"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid request target %q: %w", target, err)
	}
	return c.origin.ResolveReference(ref), nil
}

// Fetch 发出请求并完整缓冲响应。任何 HTTP 状态码都视为抓取成功，
// 只有传输层失败（离线、DNS、超时、连接拒绝）才返回 error。
func (c *Client) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	httpReq, err := c.build(ctx, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if len(body) > maxBufferedBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", maxBufferedBody)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return &cache.Response{
		URL:        httpReq.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

// Forward 透传请求并返回未读取的响应，调用方负责关闭 Body。
func (c *Client) Forward(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := c.build(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return c.http.Do(httpReq)
}

func (c *Client) build(ctx context.Context, req Request, forwarded bool) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := c.Resolve(req.Target)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	if forwarded {
		if req.Host != "" {
			httpReq.Header.Set("X-Forwarded-Host", req.Host)
		}
		if req.ClientIP != "" {
			if prior := httpReq.Header.Get("X-Forwarded-For"); prior != "" {
				httpReq.Header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
			} else {
				httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
			}
		}
		if req.Proto != "" {
			httpReq.Header.Set("X-Forwarded-Proto", req.Proto)
		}
	} else {
		// 缓冲抓取的结果可能写入缓存，交给 Transport 处理压缩以保证存的是原文。
		httpReq.Header.Del("Accept-Encoding")
	}
	return httpReq, nil
}
