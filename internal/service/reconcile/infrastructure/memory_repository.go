package infrastructure

import (
	"context"
	"sort"
	"sync"

	"payrecon/internal/service/reconcile/domain"
)

// MemoryOrderRepository 是进程内的 OrderRepository 实现，用于本地开发和测试。
// 所有读写都返回深拷贝，调用方拿到的订单不会和仓储共享内存。
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	writes int
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]domain.Order)}
}

func (r *MemoryOrderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (r *MemoryOrderRepository) ListByStates(_ context.Context, states []domain.State) ([]domain.Order, error) {
	wanted := make(map[domain.State]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	r.mu.Lock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if wanted[order.State] {
			out = append(out, order.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CompareAndSwap 在持有锁期间调用 mutate，mutate 里不能做 I/O
func (r *MemoryOrderRepository) CompareAndSwap(_ context.Context, id string, expectedVersion int64, mutate domain.Mutator) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return domain.Order{}, domain.ErrVersionConflict
	}
	next, err := mutate(current.Clone())
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.ValidateTransition(current, next); err != nil {
		return domain.Order{}, err
	}
	next.Version = current.Version + 1
	r.orders[id] = next.Clone()
	r.writes++
	return next, nil
}

func (r *MemoryOrderRepository) Create(_ context.Context, order domain.Order) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return false, nil
	}
	if order.Version == 0 {
		order.Version = 1
	}
	r.orders[order.ID] = order.Clone()
	return true, nil
}

// Writes 返回成功的 CompareAndSwap 次数
func (r *MemoryOrderRepository) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}
