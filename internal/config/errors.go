package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// controllerField 拼接 Controller 表下的字段路径，必要时附带下标。
func controllerField(field string, idx int) string {
	if idx < 0 {
		return fmt.Sprintf("Controller.%s", field)
	}
	return fmt.Sprintf("Controller.%s[%d]", field, idx)
}
