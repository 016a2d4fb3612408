package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RouteFields 提供代际、客户端与路由决策字段，供代理请求日志复用。
func RouteFields(generation, clientID, method, target, decision string) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"client_id":  clientID,
		"method":     method,
		"target":     target,
		"decision":   decision,
	}
}

// LifecycleFields 描述控制器生命周期事件（install/activate/claim）。
func LifecycleFields(action, generation, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
		"state":      state,
	}
}
