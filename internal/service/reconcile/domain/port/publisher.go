package port

import (
	"context"

	"payrecon/internal/service/reconcile/domain"
)

// TransitionPublisher 是状态流转事件的出站端口。
// 发布失败不会回滚已经提交的状态。
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, event domain.OrderTransitioned) error
}

// ApprovalPolicy 决定某个运营人员是否可以人工审批该订单。
type ApprovalPolicy interface {
	Allow(ctx context.Context, order domain.Order, approver, notes string) (bool, error)
}

// Locker 是后台任务使用的分布式锁，保证同一时刻只有一个实例在执行。
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}
