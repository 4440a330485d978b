// internal/service/reconcile/domain/state.go
package domain

// State 定义了待对账订单的生命周期状态
type State string

const (
	StatePending          State = "pending"           // 等待支付确认（初始状态）
	StateProviderVerified State = "provider_verified" // 已在支付渠道侧核验
	StateCaptured         State = "captured"          // 已完成扣款（终态）
	StateManuallyApproved State = "manually_approved" // 人工审批通过（终态）
	StateCaptureFailed    State = "capture_failed"    // 扣款失败，可重试
)

// 状态机: key 为当前状态，value 为允许流转到的目标状态
var transitions = map[State][]State{
	StatePending:          {StateCaptured, StateCaptureFailed, StateManuallyApproved},
	StateProviderVerified: {StateCaptured, StateCaptureFailed, StateManuallyApproved},
	StateCaptureFailed:    {StateCaptured, StateCaptureFailed, StateManuallyApproved},
}

// PendingStates 是运营后台“待处理”列表包含的状态
var PendingStates = []State{StatePending, StateCaptureFailed}

// IsTerminal 终态订单不允许任何后续操作
func (s State) IsTerminal() bool {
	return s == StateCaptured || s == StateManuallyApproved
}

// Capturable 表示该状态下可以发起（或重新发起）扣款
func (s State) Capturable() bool {
	return s == StatePending || s == StateProviderVerified || s == StateCaptureFailed
}

// Valid 判断是否是已知状态
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProviderVerified, StateCaptured, StateManuallyApproved, StateCaptureFailed:
		return true
	}
	return false
}

// CanTransition 判断 from -> to 是否是状态机允许的流转
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
