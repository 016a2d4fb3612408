package upstream

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/assembly-hub/hubcache/internal/version"
)

// IsUpgradeRequest reports whether the request asks to switch protocols
// (WebSocket and friends).
func IsUpgradeRequest(header http.Header) bool {
	if strings.TrimSpace(header.Get("Upgrade")) == "" {
		return false
	}
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// UpgradeHandler 返回把协议升级请求隧道到源站的 http.Handler。
// 响应写入方必须实现 http.Hijacker。
func (c *Client) UpgradeHandler() http.Handler {
	return c.upgrade
}

func newUpgradeProxy(origin *url.URL, httpClient *http.Client) *httputil.ReverseProxy {
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
			if r.Out.Header.Get("User-Agent") == "" {
				r.Out.Header.Set("User-Agent", version.UserAgent())
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
