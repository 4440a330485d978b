package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderModel 对应数据库中的 reconcile_order 表。
// resolution 和最近一次扣款失败平铺成列，方便运营直接查库。
type OrderModel struct {
	ID              string          `gorm:"primaryKey;size:64"`
	CustomerName    string          `gorm:"size:128"`
	CustomerEmail   string          `gorm:"size:255"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(18,2)"`
	Currency        string          `gorm:"size:3"`
	State           string          `gorm:"size:32;index:idx_state_created,priority:1"`
	ProviderOrderID string          `gorm:"size:64;index"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false;index:idx_state_created,priority:2"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime:false"`
	Version         int64           `gorm:"not null;default:1"`
	CaptureAttempts int             `gorm:"not null;default:0"`

	ResolutionKind  string              `gorm:"size:16"`
	CaptureID       string              `gorm:"size:64"`
	ProviderStatus  string              `gorm:"size:32"`
	CaptureAmount   decimal.NullDecimal `gorm:"type:decimal(18,2)"`
	CaptureCurrency string              `gorm:"size:3"`
	Reconciled      bool
	CapturedAt      *time.Time
	ApprovedBy      string `gorm:"size:128"`
	ApprovalNotes   string `gorm:"type:text"`
	ApprovedAt      *time.Time

	FailureReason         string `gorm:"type:text"`
	FailureOutcomeUnknown bool
	FailedAt              *time.Time

	Items []OrderItemModel `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "reconcile_order"
}

// OrderItemModel 对应 reconcile_order_item 表，Position 保证读出时的顺序与写入一致
type OrderItemModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"size:64;index"`
	Position  int
	ProductID string `gorm:"size:64"`
	Quantity  int
}

// TableName 指定 GORM 应该使用的表名
func (OrderItemModel) TableName() string {
	return "reconcile_order_item"
}
