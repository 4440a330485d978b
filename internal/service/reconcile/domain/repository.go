// internal/service/reconcile/domain/repository.go
package domain

import "context"

// Mutator 接收当前订单，返回希望写入的下一个版本。
// 返回错误时不会发生任何写入。
type Mutator func(current Order) (Order, error)

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Get 根据 ID 查找订单，不存在时返回 ErrOrderNotFound。
	Get(ctx context.Context, id string) (Order, error)

	// ListByStates 按 CreatedAt 升序返回处于指定状态的订单。
	ListByStates(ctx context.Context, states []State) ([]Order, error)

	// CompareAndSwap 是已有订单唯一的写入路径。
	// 当前版本与 expectedVersion 不一致时返回 ErrVersionConflict，调用方需要重新读取。
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (Order, error)

	// Create 只供订单接入使用，ID 已存在时不做任何修改并返回 false。
	Create(ctx context.Context, order Order) (bool, error)
}
