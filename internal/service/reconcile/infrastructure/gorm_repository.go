package infrastructure

import (
	"context"

	"payrecon/internal/service/reconcile/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormOrderRepository 是 OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

// NewGormOrderRepository 创建一个新的 GORM 仓储实例
func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Migrate 创建或更新表结构
func (r *GormOrderRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&OrderModel{}, &OrderItemModel{})
}

func (r *GormOrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	model, err := r.load(r.db.WithContext(ctx), id)
	if err != nil {
		return domain.Order{}, err
	}
	return ToDomainOrder(model), nil
}

func (r *GormOrderRepository) ListByStates(ctx context.Context, states []domain.State) ([]domain.Order, error) {
	if len(states) == 0 {
		return []domain.Order{}, nil
	}
	raw := make([]string, 0, len(states))
	for _, s := range states {
		raw = append(raw, string(s))
	}

	var models []OrderModel
	err := r.db.WithContext(ctx).
		Preload("Items", orderItemsByPosition).
		Where("state IN ?", raw).
		Order("created_at ASC").Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list orders by state")
	}

	orders := make([]domain.Order, 0, len(models))
	for i := range models {
		orders = append(orders, ToDomainOrder(&models[i]))
	}
	return orders, nil
}

// CompareAndSwap 在一个事务里完成 读取 -> 校验版本 -> mutate -> 校验流转 -> 条件更新。
// UPDATE 带上 version 条件，即使两个事务同时读到同一版本也只有一个能写入成功。
func (r *GormOrderRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate domain.Mutator) (domain.Order, error) {
	var out domain.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := r.load(tx, id)
		if err != nil {
			return err
		}
		current := ToDomainOrder(model)
		if current.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		next, err := mutate(current.Clone())
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(current, next); err != nil {
			return err
		}
		next.Version = current.Version + 1

		res := tx.Model(&OrderModel{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(mutableColumns(next))
		if res.Error != nil {
			return errors.Wrapf(res.Error, "update order %s", id)
		}
		if res.RowsAffected == 0 {
			return domain.ErrVersionConflict
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return out, nil
}

// Create 插入新订单，主键冲突时什么也不做
func (r *GormOrderRepository) Create(ctx context.Context, order domain.Order) (bool, error) {
	model := FromDomainOrder(order)
	items := model.Items
	model.Items = nil

	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(model)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "insert order %s", order.ID)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return errors.Wrapf(err, "insert items of order %s", order.ID)
			}
		}
		created = true
		return nil
	})
	return created, err
}

func (r *GormOrderRepository) load(db *gorm.DB, id string) (*OrderModel, error) {
	var model OrderModel
	err := db.Preload("Items", orderItemsByPosition).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "load order %s", id)
	}
	return &model, nil
}

func orderItemsByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}
