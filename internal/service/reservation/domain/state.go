// internal/service/reservation/domain/state.go
package domain

// State 定义了预占记录的生命周期状态
type State string

const (
	StateActive    State = "active"    // 预占中，计入占用量
	StateConfirmed State = "confirmed" // 已被来源交易消费
	StateExpired   State = "expired"   // 超时未确认
	StateReleased  State = "released"  // 主动释放
	StateCancelled State = "cancelled" // 主动取消
)

// IsTerminal 除 active 以外的状态都是终态，不允许再流转
func (s State) IsTerminal() bool {
	return s != StateActive
}

func (s State) Valid() bool {
	switch s {
	case StateActive, StateConfirmed, StateExpired, StateReleased, StateCancelled:
		return true
	}
	return false
}
