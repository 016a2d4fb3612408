package offline

import "strings"

// Excluder 判断请求地址是否应绕过控制器（例如 API 与 websocket 端点）。
type Excluder struct {
	patterns []string
}

// NewExcluder 使用子串匹配规则构造 Excluder，空规则会被忽略。
func NewExcluder(patterns []string) Excluder {
	kept := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return Excluder{patterns: kept}
}

// Match 在地址包含任一规则时返回 true。
func (e Excluder) Match(address string) bool {
	for _, p := range e.patterns {
		if strings.Contains(address, p) {
			return true
		}
	}
	return false
}

// Patterns 返回规则副本。
func (e Excluder) Patterns() []string {
	return append([]string(nil), e.patterns...)
}
