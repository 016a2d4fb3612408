package offline

// State 是控制器生命周期中的阶段，只能单向前进。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
	// StateRedundant 是终态：安装失败或已被新控制器取代。
	StateRedundant State = "redundant"
)

var stateOrder = map[State]int{
	StateUninstalled: 0,
	StateInstalling:  1,
	StateInstalled:   2,
	StateActivating:  3,
	StateActive:      4,
	StateRedundant:   5,
}

// canTransition 只允许向后推进；任何阶段都可以直接进入 redundant。
func canTransition(from, to State) bool {
	if from == StateRedundant {
		return false
	}
	if to == StateRedundant {
		return true
	}
	return stateOrder[to] == stateOrder[from]+1
}
