package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SalesOrder struct {
	ID            int                `gorm:"primary_key" json:"id"`
	BusinessId    string             `gorm:"index;not null" json:"business_id"`
	OrderNumber   string             `gorm:"size:255;not null" json:"order_number"`
	WarehouseId   int                `gorm:"index;not null" json:"warehouse_id"`
	CustomerRef   string             `gorm:"size:255" json:"customer_ref"`
	OrderDate     time.Time          `gorm:"not null" json:"order_date"`
	CurrentStatus SalesOrderStatus   `gorm:"type:enum('Draft','Confirmed','Closed','Cancelled');default:'Draft'" json:"current_status"`
	Details       []SalesOrderDetail `gorm:"foreignKey:SalesOrderId" json:"details"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// SalesOrderDetail is one order line. The allocation core drives its
// CurrentStatus and BackorderQty counter; everything else belongs to the
// order-management facade.
type SalesOrderDetail struct {
	ID             int                    `gorm:"primary_key" json:"id"`
	BusinessId     string                 `gorm:"index;not null" json:"business_id"`
	SalesOrderId   int                    `gorm:"index;not null" json:"sales_order_id"`
	ProductId      int                    `gorm:"index;not null" json:"product_id"`
	DetailQty      decimal.Decimal        `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	BackorderQty   decimal.Decimal        `gorm:"type:decimal(20,4);default:0" json:"backorder_qty"`
	AllocationType AllocationStrategy     `gorm:"type:enum('fifo','lifo','fefo','manual');default:'fifo'" json:"allocation_type"`
	CurrentStatus  SalesOrderDetailStatus `gorm:"type:enum('Pending','Backordered','Allocated','Picked');default:'Pending'" json:"current_status"`
	CreatedAt      time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSalesOrder struct {
	WarehouseId int                   `json:"warehouse_id" binding:"required"`
	CustomerRef string                `json:"customer_ref"`
	OrderDate   time.Time             `json:"order_date" binding:"required"`
	Details     []NewSalesOrderDetail `json:"details" binding:"required"`
}

type NewSalesOrderDetail struct {
	ProductId      int             `json:"product_id" binding:"required"`
	DetailQty      decimal.Decimal `json:"detail_qty" binding:"required"`
	AllocationType string          `json:"allocation_type"`
}

func (input *NewSalesOrder) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return errors.New("warehouse not found")
	}
	if len(input.Details) == 0 {
		return errors.New("sales order requires at least one line")
	}
	productIds := make([]int, 0, len(input.Details))
	for _, d := range input.Details {
		if !d.DetailQty.IsPositive() {
			return errors.New("line qty must be positive")
		}
		productIds = append(productIds, d.ProductId)
	}
	if err := utils.ValidateResourcesId[Product](ctx, businessId, productIds); err != nil {
		return errors.New("product not found")
	}
	return nil
}

func CreateSalesOrder(ctx context.Context, input *NewSalesOrder) (*SalesOrder, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	details := make([]SalesOrderDetail, 0, len(input.Details))
	for _, d := range input.Details {
		strategy := AllocationStrategyFifo
		if d.AllocationType != "" {
			parsed, err := ParseAllocationStrategy(d.AllocationType)
			if err != nil {
				return nil, err
			}
			strategy = parsed
		}
		details = append(details, SalesOrderDetail{
			BusinessId:     businessId,
			ProductId:      d.ProductId,
			DetailQty:      d.DetailQty,
			AllocationType: strategy,
			CurrentStatus:  SalesOrderDetailStatusPending,
		})
	}

	order := SalesOrder{
		BusinessId:    businessId,
		WarehouseId:   input.WarehouseId,
		CustomerRef:   input.CustomerRef,
		OrderDate:     input.OrderDate,
		CurrentStatus: SalesOrderStatusDraft,
		Details:       details,
	}

	db := config.GetDB()
	tx := db.Begin()

	seqNo, err := nextDocumentSequence(tx.WithContext(ctx), businessId, sequenceKeySalesOrder, input.OrderDate.Year())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	order.OrderNumber = fmt.Sprintf("SO-%d-%06d", input.OrderDate.Year(), seqNo)

	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetSalesOrder(ctx context.Context, id int) (*SalesOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[SalesOrder](ctx, businessId, id, "Details")
}

// lockSalesOrderDetail re-reads one order line FOR UPDATE inside tx.
func lockSalesOrderDetail(tx *gorm.DB, businessId string, detailId int) (*SalesOrderDetail, error) {
	var detail SalesOrderDetail
	err := tx.
		Where("business_id = ?", businessId).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&detail, detailId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &detail, nil
}

// detailOutstandingQty is the line quantity not yet covered by an active or
// picked allocation. Computed inside the caller's transaction so a sweep or
// re-allocation sees consistent state.
func detailOutstandingQty(tx *gorm.DB, detail *SalesOrderDetail) (decimal.Decimal, error) {
	var allocated decimal.Decimal
	err := tx.Model(&Allocation{}).
		Select("COALESCE(SUM(allocated_qty),0)").
		Where("business_id = ? AND sales_order_detail_id = ?", detail.BusinessId, detail.ID).
		Where("current_status IN ?", []AllocationStatus{AllocationStatusAllocated, AllocationStatusPicked}).
		Scan(&allocated).Error
	if err != nil {
		return decimal.Zero, err
	}
	outstanding := detail.DetailQty.Sub(allocated)
	if outstanding.IsNegative() {
		return decimal.Zero, nil
	}
	return outstanding, nil
}

// reconcileDetailStatus recomputes a line's status from the allocation state
// it can observe in tx. Invoked from the owning transaction of whatever
// mutation changed the picture (commit, cancel, expire, back-order change),
// so cascades stay explicit and order-independent.
func reconcileDetailStatus(tx *gorm.DB, detail *SalesOrderDetail) error {
	outstanding, err := detailOutstandingQty(tx, detail)
	if err != nil {
		return err
	}

	var status SalesOrderDetailStatus
	switch {
	case detail.BackorderQty.IsPositive():
		status = SalesOrderDetailStatusBackordered
	case !outstanding.IsPositive():
		status = SalesOrderDetailStatusAllocated
	default:
		status = SalesOrderDetailStatusPending
	}

	// A fully picked line stays Picked regardless of the above.
	var unpicked int64
	err = tx.Model(&Allocation{}).
		Where("business_id = ? AND sales_order_detail_id = ?", detail.BusinessId, detail.ID).
		Where("current_status = ?", AllocationStatusAllocated).
		Count(&unpicked).Error
	if err != nil {
		return err
	}
	if unpicked == 0 && !outstanding.IsPositive() && !detail.BackorderQty.IsPositive() {
		var picked int64
		if err := tx.Model(&Allocation{}).
			Where("business_id = ? AND sales_order_detail_id = ? AND current_status = ?",
				detail.BusinessId, detail.ID, AllocationStatusPicked).
			Count(&picked).Error; err != nil {
			return err
		}
		if picked > 0 {
			status = SalesOrderDetailStatusPicked
		}
	}

	if detail.CurrentStatus == status {
		return nil
	}
	detail.CurrentStatus = status
	return tx.Model(&SalesOrderDetail{}).Where("id = ?", detail.ID).
		Update("current_status", status).Error
}
