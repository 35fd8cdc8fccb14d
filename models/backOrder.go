package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BackOrder tracks an unfulfillable remainder of a sales-order line until
// supply arrives or somebody gives up on it.
type BackOrder struct {
	ID                       int               `gorm:"primary_key" json:"id"`
	BusinessId               string            `gorm:"index;not null" json:"business_id"`
	BackOrderNumber          string            `gorm:"size:50;index" json:"back_order_number"`
	SalesOrderId             int               `gorm:"index" json:"sales_order_id"`
	SalesOrderDetailId       int               `gorm:"index;not null" json:"sales_order_detail_id"`
	ProductId                int               `gorm:"index;not null" json:"product_id"`
	WarehouseId              int               `gorm:"index;not null" json:"warehouse_id"`
	Qty                      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"qty"`
	FulfilledQty             decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"fulfilled_qty"`
	RemainingQty             decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"remaining_qty"`
	Priority                 BackOrderPriority `gorm:"type:enum('Low','Medium','High','Urgent','Critical');default:'Medium';index" json:"priority"`
	CurrentStatus            BackOrderStatus   `gorm:"type:enum('Pending','Processing','PartiallyFulfilled','Fulfilled','Cancelled');default:'Pending';index" json:"current_status"`
	Reason                   string            `gorm:"size:255" json:"reason"`
	CancelReason             string            `gorm:"size:255" json:"cancel_reason"`
	ExpectedAvailabilityDate *time.Time        `json:"expected_availability_date"`
	AutoFulfill              *bool             `gorm:"default:true" json:"auto_fulfill"`
	FulfilledAt              *time.Time        `json:"fulfilled_at"`
	CreatedBy                int               `gorm:"index" json:"created_by"`
	CancelledBy              int               `json:"cancelled_by"`
	CreatedAt                time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBackOrder struct {
	SalesOrderDetailId       int               `json:"sales_order_detail_id" binding:"required"`
	Qty                      decimal.Decimal   `json:"qty" binding:"required"`
	Priority                 BackOrderPriority `json:"priority"`
	Reason                   string            `json:"reason"`
	ExpectedAvailabilityDate *time.Time        `json:"expected_availability_date"`
	AutoFulfill              *bool             `json:"auto_fulfill"`
}

func (input *NewBackOrder) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Qty.IsPositive() {
		return errors.New("back-order quantity must be positive")
	}
	if input.Priority == "" {
		input.Priority = BackOrderPriorityMedium
	} else if _, err := ParseBackOrderPriority(string(input.Priority)); err != nil {
		return err
	}
	return utils.ValidateResourceId[SalesOrderDetail](ctx, businessId, input.SalesOrderDetailId)
}

// CreateBackOrder records the shortfall against the order line, bumps the
// line's back-order counter, and optionally attempts fulfillment right away.
func CreateBackOrder(ctx context.Context, input *NewBackOrder) (*BackOrder, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.Begin()

	backOrder, err := createBackOrderTx(ctx, tx.WithContext(ctx), businessId, userId, input)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if utils.DereferencePtr(backOrder.AutoFulfill) {
		// Best effort only: the back-order stands whether or not stock is
		// there yet. The watcher retries later.
		if fulfilled, err := FulfillBackOrder(ctx, backOrder.ID, backOrder.RemainingQty, 0); err == nil {
			return fulfilled, nil
		} else if !errors.Is(err, ErrInsufficientInventory) && !errors.Is(err, ErrNoInventoryAvailable) {
			logger := config.GetLogger()
			config.LogError(logger, "backOrder", "CreateBackOrder", "autoFulfill", backOrder.ID, err)
		}
	}

	return backOrder, nil
}

func createBackOrderTx(ctx context.Context, tx *gorm.DB, businessId string, userId int, input *NewBackOrder) (*BackOrder, error) {
	detail, err := lockSalesOrderDetail(tx, businessId, input.SalesOrderDetailId)
	if err != nil {
		return nil, err
	}
	var order SalesOrder
	if err := tx.Where("business_id = ?", businessId).First(&order, detail.SalesOrderId).Error; err != nil {
		return nil, err
	}

	year := time.Now().UTC().Year()
	seq, err := nextDocumentSequence(tx, businessId, sequenceKeyBackOrder, year)
	if err != nil {
		return nil, err
	}

	backOrder := &BackOrder{
		BusinessId:               businessId,
		BackOrderNumber:          FormatBackOrderNumber(year, seq),
		SalesOrderId:             order.ID,
		SalesOrderDetailId:       detail.ID,
		ProductId:                detail.ProductId,
		WarehouseId:              order.WarehouseId,
		Qty:                      input.Qty,
		FulfilledQty:             decimal.Zero,
		RemainingQty:             input.Qty,
		Priority:                 input.Priority,
		CurrentStatus:            BackOrderStatusPending,
		Reason:                   input.Reason,
		ExpectedAvailabilityDate: input.ExpectedAvailabilityDate,
		AutoFulfill:              input.AutoFulfill,
		CreatedBy:                userId,
	}
	if backOrder.AutoFulfill == nil {
		backOrder.AutoFulfill = utils.NewTrue()
	}
	if err := tx.Create(backOrder).Error; err != nil {
		return nil, err
	}

	detail.BackorderQty = detail.BackorderQty.Add(input.Qty)
	detail.CurrentStatus = SalesOrderDetailStatusBackordered
	if err := tx.Save(detail).Error; err != nil {
		return nil, err
	}

	if err := PublishFulfillmentEvent(ctx, tx, businessId, EventBackOrderCreated, backOrder.ID, ReferenceTypeBackOrder, backOrder); err != nil {
		return nil, err
	}
	return backOrder, nil
}

// FulfillBackOrder converts back-ordered demand into a committed allocation
// once supply exists. locationId pins the source location; zero means any
// location in the back-order's warehouse.
func FulfillBackOrder(ctx context.Context, id int, qty decimal.Decimal, locationId int) (*BackOrder, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := utils.BusinessLock(ctx, businessId, "backOrderLock", "backOrder.go", "FulfillBackOrder"); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()

	backOrder, err := fulfillBackOrderTx(ctx, tx.WithContext(ctx), businessId, userId, id, qty, locationId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return backOrder, nil
}

func fulfillBackOrderTx(ctx context.Context, tx *gorm.DB, businessId string, userId int, id int, qty decimal.Decimal, locationId int) (*BackOrder, error) {
	backOrder, err := lockBackOrder(tx, businessId, id)
	if err != nil {
		return nil, err
	}
	switch backOrder.CurrentStatus {
	case BackOrderStatusPending, BackOrderStatusProcessing, BackOrderStatusPartiallyFulfilled:
	default:
		return nil, errors.New("back-order is not open for fulfillment")
	}
	if !qty.IsPositive() || qty.Cmp(backOrder.RemainingQty) > 0 {
		return nil, ErrInvalidFulfillQuantity
	}

	detail, err := lockSalesOrderDetail(tx, businessId, backOrder.SalesOrderDetailId)
	if err != nil {
		return nil, err
	}

	var constraints *SelectionConstraints
	if locationId > 0 {
		constraints = &SelectionConstraints{LocationId: &locationId}
	}
	plan, err := selectInventoryTx(tx, businessId, backOrder.ProductId, backOrder.WarehouseId, qty, detail.AllocationType, constraints)
	if err != nil {
		return nil, err
	}
	if !plan.FullyCovered {
		return nil, ErrInsufficientInventory
	}
	plan.SalesOrderId = backOrder.SalesOrderId
	plan.SalesOrderDetailId = backOrder.SalesOrderDetailId

	allocations, err := commitAllocationTx(ctx, tx, businessId, userId, plan)
	if err != nil {
		return nil, err
	}
	for _, allocation := range allocations {
		allocation.BackOrderId = &backOrder.ID
		if err := tx.Save(allocation).Error; err != nil {
			return nil, err
		}
	}

	backOrder.FulfilledQty = backOrder.FulfilledQty.Add(qty)
	backOrder.RemainingQty = backOrder.RemainingQty.Sub(qty)
	if backOrder.RemainingQty.IsPositive() {
		backOrder.CurrentStatus = BackOrderStatusPartiallyFulfilled
	} else {
		now := time.Now().UTC()
		backOrder.CurrentStatus = BackOrderStatusFulfilled
		backOrder.FulfilledAt = &now
	}
	if err := tx.Save(backOrder).Error; err != nil {
		return nil, err
	}

	detail.BackorderQty = utils.MaxDecimal(detail.BackorderQty.Sub(qty), decimal.Zero)
	if err := tx.Save(detail).Error; err != nil {
		return nil, err
	}
	if err := reconcileDetailStatus(tx, detail); err != nil {
		return nil, err
	}

	if err := PublishFulfillmentEvent(ctx, tx, businessId, EventBackOrderFulfilled, backOrder.ID, ReferenceTypeBackOrder, backOrder); err != nil {
		return nil, err
	}
	return backOrder, nil
}

// CancelBackOrder abandons the remaining debt: the order line's counter drops
// by the unfulfilled quantity and any reservations created by earlier partial
// fulfillments of this back-order are released.
func CancelBackOrder(ctx context.Context, id int, reason string) (*BackOrder, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.Begin()

	backOrder, err := lockBackOrder(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if backOrder.CurrentStatus == BackOrderStatusCancelled {
		tx.Rollback()
		return nil, ErrBackOrderAlreadyCancelled
	}
	if backOrder.CurrentStatus == BackOrderStatusFulfilled {
		tx.Rollback()
		return nil, errors.New("fulfilled back-order cannot be cancelled")
	}

	detail, err := lockSalesOrderDetail(tx.WithContext(ctx), businessId, backOrder.SalesOrderDetailId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	detail.BackorderQty = utils.MaxDecimal(detail.BackorderQty.Sub(backOrder.RemainingQty), decimal.Zero)
	if err := tx.WithContext(ctx).Save(detail).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// Reservations this back-order created stay meaningless once it is
	// cancelled; release the live ones.
	var tied []Allocation
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND back_order_id = ? AND current_status = ?", businessId, backOrder.ID, AllocationStatusAllocated).
		Find(&tied).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, allocation := range tied {
		if err := releaseAllocationTx(ctx, tx.WithContext(ctx), businessId, allocation.ID, AllocationStatusCancelled); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	backOrder.CurrentStatus = BackOrderStatusCancelled
	backOrder.CancelReason = reason
	backOrder.CancelledBy = userId
	if err := tx.WithContext(ctx).Save(backOrder).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := reconcileDetailStatus(tx.WithContext(ctx), detail); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := PublishFulfillmentEvent(ctx, tx.WithContext(ctx), businessId, EventBackOrderCancelled, backOrder.ID, ReferenceTypeBackOrder, backOrder); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return backOrder, nil
}

func lockBackOrder(tx *gorm.DB, businessId string, id int) (*BackOrder, error) {
	var backOrder BackOrder
	err := tx.
		Where("business_id = ?", businessId).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&backOrder, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &backOrder, nil
}

func GetBackOrder(ctx context.Context, id int) (*BackOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[BackOrder](ctx, businessId, id)
}

func GetBackOrderAll(ctx context.Context) ([]*BackOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[BackOrder](ctx, businessId)
}

// BusinessIdsWithOpenBackOrders lists the tenants the back-order watcher
// needs to visit this pass.
func BusinessIdsWithOpenBackOrders(ctx context.Context) ([]string, error) {
	db := config.GetDB()
	var businessIds []string
	err := db.WithContext(ctx).
		Model(&BackOrder{}).
		Where("auto_fulfill = ? AND current_status IN ?", true,
			[]BackOrderStatus{BackOrderStatusPending, BackOrderStatusProcessing, BackOrderStatusPartiallyFulfilled}).
		Distinct().
		Pluck("business_id", &businessIds).Error
	return businessIds, err
}

// FulfillPendingBackOrders drives the auto-fulfill scan: open auto-fulfill
// back-orders in priority order, oldest first within a priority, each tried
// for its full remaining quantity. Shortage is not an error here, just a
// skip; genuine failures are returned for the caller to log.
func FulfillPendingBackOrders(ctx context.Context, businessId string) (fulfilled int, err error) {
	db := config.GetDB()

	var open []BackOrder
	if err := db.WithContext(ctx).
		Where("business_id = ? AND auto_fulfill = ? AND current_status IN ?", businessId, true,
			[]BackOrderStatus{BackOrderStatusPending, BackOrderStatusProcessing, BackOrderStatusPartiallyFulfilled}).
		Order("created_at asc").
		Find(&open).Error; err != nil {
		return 0, err
	}
	sortBackOrdersForScan(open)

	for _, backOrder := range open {
		_, ferr := FulfillBackOrder(ctx, backOrder.ID, backOrder.RemainingQty, 0)
		if ferr == nil {
			fulfilled++
			continue
		}
		if errors.Is(ferr, ErrInsufficientInventory) || errors.Is(ferr, ErrNoInventoryAvailable) {
			continue
		}
		return fulfilled, ferr
	}
	return fulfilled, nil
}

// sortBackOrdersForScan orders candidates by priority rank, highest first.
// The sort is stable so created_at order survives within a priority.
func sortBackOrdersForScan(open []BackOrder) {
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Priority.rank() > open[j].Priority.rank()
	})
}
