package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Allocation is a committed reservation of one inventory unit against a
// sales-order line. Rows are created only by CommitAllocation; terminal rows
// (Picked, Cancelled, Expired) never mutate again.
type Allocation struct {
	ID                 int                `gorm:"primary_key" json:"id"`
	BusinessId         string             `gorm:"index;not null" json:"business_id"`
	SalesOrderId       int                `gorm:"index" json:"sales_order_id"`
	SalesOrderDetailId int                `gorm:"index" json:"sales_order_detail_id"`
	BackOrderId        *int               `gorm:"index" json:"back_order_id"`
	ProductId          int                `gorm:"index;not null" json:"product_id"`
	WarehouseId        int                `gorm:"index;not null" json:"warehouse_id"`
	LocationId         int                `gorm:"index;not null" json:"location_id"`
	InventoryUnitId    int                `gorm:"index;not null" json:"inventory_unit_id"`
	LotNumber          string             `gorm:"size:100" json:"lot_number"`
	SerialNumber       string             `gorm:"size:100" json:"serial_number"`
	AllocatedQty       decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"allocated_qty"`
	PickedQty          decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"picked_qty"`
	AllocationType     AllocationStrategy `gorm:"type:enum('fifo','lifo','fefo','manual');default:'fifo'" json:"allocation_type"`
	CurrentStatus      AllocationStatus   `gorm:"type:enum('Allocated','Picked','Cancelled','Expired');default:'Allocated';index" json:"current_status"`
	ExpiresAt          *time.Time         `gorm:"index" json:"expires_at"`
	AllocatedBy        int                `gorm:"index" json:"allocated_by"`
	AllocatedAt        time.Time          `gorm:"not null" json:"allocated_at"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps the picked-quantity invariant local to the row.
func (a *Allocation) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if a == nil {
		return nil
	}
	if a.PickedQty.IsNegative() {
		return errors.New("allocation picked quantity cannot be negative")
	}
	if a.PickedQty.Cmp(a.AllocatedQty) > 0 {
		return errors.New("allocation picked quantity cannot exceed allocated quantity")
	}
	return nil
}

// CommitAllocation atomically reserves the plan's inventory and records one
// Allocation per plan line. Inside a single transaction each planned unit is
// re-read FOR UPDATE and its availability re-validated; if any unit has
// dropped below the planned quantity since selection the whole commit fails
// with ErrReservationConflict and nothing is written.
func CommitAllocation(ctx context.Context, plan *AllocationPlan) ([]*Allocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if plan == nil || len(plan.Lines) == 0 {
		return nil, errors.New("allocation plan is empty")
	}
	if plan.BusinessId != "" && plan.BusinessId != businessId {
		return nil, errors.New("cannot commit a plan owned by another business")
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := utils.BusinessLock(ctx, businessId, "allocationLock", "allocation.go", "CommitAllocation"); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()

	allocations, err := commitAllocationTx(ctx, tx.WithContext(ctx), businessId, userId, plan)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return allocations, nil
}

// commitAllocationTx is the transactional body of CommitAllocation, shared
// with back-order fulfillment and the reallocation sweeper which run it
// inside their own transactions.
func commitAllocationTx(ctx context.Context, tx *gorm.DB, businessId string, userId int, plan *AllocationPlan) ([]*Allocation, error) {
	now := time.Now().UTC()
	allocations := make([]*Allocation, 0, len(plan.Lines))

	for _, line := range plan.Lines {
		unit, err := lockInventoryUnit(tx, businessId, line.Unit.ID)
		if err != nil {
			return nil, err
		}
		// Re-validate against the freshly locked row, not the planning
		// snapshot: another commit may have won the unit in between.
		if unit.QtyAvailable.Cmp(line.Qty) < 0 {
			return nil, ErrReservationConflict
		}

		unit.QtyReserved = unit.QtyReserved.Add(line.Qty)
		if err := tx.Save(unit).Error; err != nil {
			return nil, err
		}

		allocation := &Allocation{
			BusinessId:         businessId,
			SalesOrderId:       plan.SalesOrderId,
			SalesOrderDetailId: plan.SalesOrderDetailId,
			ProductId:          unit.ProductId,
			WarehouseId:        unit.WarehouseId,
			LocationId:         unit.LocationId,
			InventoryUnitId:    unit.ID,
			LotNumber:          unit.LotNumber,
			SerialNumber:       unit.SerialNumber,
			AllocatedQty:       line.Qty,
			AllocationType:     plan.Strategy,
			CurrentStatus:      AllocationStatusAllocated,
			ExpiresAt:          plan.ExpiresAt,
			AllocatedBy:        userId,
			AllocatedAt:        now,
		}
		if err := tx.Create(allocation).Error; err != nil {
			return nil, err
		}
		if err := PublishFulfillmentEvent(ctx, tx, businessId, EventAllocationAllocated, allocation.ID, ReferenceTypeAllocation, allocation); err != nil {
			return nil, err
		}
		allocations = append(allocations, allocation)
	}

	if plan.SalesOrderDetailId > 0 {
		detail, err := lockSalesOrderDetail(tx, businessId, plan.SalesOrderDetailId)
		if err != nil {
			return nil, err
		}
		if err := reconcileDetailStatus(tx, detail); err != nil {
			return nil, err
		}
	}

	return allocations, nil
}

// lockAllocation re-reads an allocation FOR UPDATE inside tx.
func lockAllocation(tx *gorm.DB, businessId string, id int) (*Allocation, error) {
	var allocation Allocation
	err := tx.
		Where("business_id = ?", businessId).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&allocation, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &allocation, nil
}

// PickAllocation consumes inventory against an allocation: on-hand and
// reserved both drop by the picked quantity. A full pick transitions the
// allocation to its terminal Picked state.
func PickAllocation(ctx context.Context, id int, qty decimal.Decimal) (*Allocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	allocation, err := pickAllocationTx(ctx, tx.WithContext(ctx), businessId, id, qty)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return allocation, nil
}

func pickAllocationTx(ctx context.Context, tx *gorm.DB, businessId string, id int, qty decimal.Decimal) (*Allocation, error) {
	allocation, err := lockAllocation(tx, businessId, id)
	if err != nil {
		return nil, err
	}
	if allocation.CurrentStatus != AllocationStatusAllocated {
		return nil, ErrAllocationNotPickable
	}
	remaining := allocation.AllocatedQty.Sub(allocation.PickedQty)
	if !qty.IsPositive() || qty.Cmp(remaining) > 0 {
		return nil, ErrInvalidPickQuantity
	}

	unit, err := lockInventoryUnit(tx, businessId, allocation.InventoryUnitId)
	if err != nil {
		return nil, err
	}
	// Physical consumption: the goods leave the shelf.
	unit.QtyOnHand = unit.QtyOnHand.Sub(qty)
	unit.QtyReserved = unit.QtyReserved.Sub(qty)
	if err := tx.Save(unit).Error; err != nil {
		return nil, err
	}

	allocation.PickedQty = allocation.PickedQty.Add(qty)
	if allocation.PickedQty.Cmp(allocation.AllocatedQty) >= 0 {
		allocation.CurrentStatus = AllocationStatusPicked
	}
	if err := tx.Save(allocation).Error; err != nil {
		return nil, err
	}

	if err := PublishFulfillmentEvent(ctx, tx, businessId, EventAllocationPicked, allocation.ID, ReferenceTypeAllocation, allocation); err != nil {
		return nil, err
	}

	if allocation.SalesOrderDetailId > 0 {
		detail, err := lockSalesOrderDetail(tx, businessId, allocation.SalesOrderDetailId)
		if err != nil {
			return nil, err
		}
		if err := reconcileDetailStatus(tx, detail); err != nil {
			return nil, err
		}
	}

	return allocation, nil
}

// CancelAllocation releases an untouched reservation in full. Allocations
// with any picked quantity can no longer be cancelled.
func CancelAllocation(ctx context.Context, id int) error {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := releaseAllocationTx(ctx, tx.WithContext(ctx), businessId, id, AllocationStatusCancelled); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// releaseAllocationTx reverses a reservation and moves the allocation to the
// given terminal status (Cancelled for callers, Expired for the sweeper).
// The status guard makes repeated release attempts no-ops at the caller
// level: a row already terminal fails the guard instead of double-releasing.
func releaseAllocationTx(ctx context.Context, tx *gorm.DB, businessId string, id int, target AllocationStatus) error {
	allocation, err := lockAllocation(tx, businessId, id)
	if err != nil {
		return err
	}
	if allocation.CurrentStatus != AllocationStatusAllocated {
		return ErrAllocationNotPickable
	}
	if allocation.PickedQty.IsPositive() {
		return ErrAllocationHasPickedQty
	}

	unit, err := lockInventoryUnit(tx, businessId, allocation.InventoryUnitId)
	if err != nil {
		return err
	}
	unit.QtyReserved = unit.QtyReserved.Sub(allocation.AllocatedQty)
	if err := tx.Save(unit).Error; err != nil {
		return err
	}

	allocation.CurrentStatus = target
	if err := tx.Save(allocation).Error; err != nil {
		return err
	}

	eventName := EventAllocationCancelled
	if target == AllocationStatusExpired {
		eventName = EventAllocationExpired
	}
	if err := PublishFulfillmentEvent(ctx, tx, businessId, eventName, allocation.ID, ReferenceTypeAllocation, allocation); err != nil {
		return err
	}

	if allocation.SalesOrderDetailId > 0 {
		detail, err := lockSalesOrderDetail(tx, businessId, allocation.SalesOrderDetailId)
		if err != nil {
			return err
		}
		if err := reconcileDetailStatus(tx, detail); err != nil {
			return err
		}
	}
	return nil
}

type UpdateAllocationInput struct {
	AllocatedQty *decimal.Decimal `json:"allocated_qty"`
	ExpiresAt    *time.Time       `json:"expires_at"`
}

// UpdateAllocation adjusts a live reservation. Growing the quantity claims
// more of the unit's availability (conflict-checked under the row lock);
// shrinking releases the difference. Fully picked allocations are immutable.
func UpdateAllocation(ctx context.Context, id int, input *UpdateAllocationInput) (*Allocation, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	allocation, err := lockAllocation(tx.WithContext(ctx), businessId, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if allocation.CurrentStatus == AllocationStatusPicked {
		tx.Rollback()
		return nil, ErrAllocationAlreadyPicked
	}
	if allocation.CurrentStatus.IsTerminal() {
		tx.Rollback()
		return nil, ErrAllocationNotPickable
	}

	if input.AllocatedQty != nil {
		newQty := *input.AllocatedQty
		if !newQty.IsPositive() || newQty.Cmp(allocation.PickedQty) < 0 {
			tx.Rollback()
			return nil, ErrInvalidPickQuantity
		}
		delta := newQty.Sub(allocation.AllocatedQty)
		if !delta.IsZero() {
			unit, err := lockInventoryUnit(tx.WithContext(ctx), businessId, allocation.InventoryUnitId)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			if delta.IsPositive() && unit.QtyAvailable.Cmp(delta) < 0 {
				tx.Rollback()
				return nil, ErrReservationConflict
			}
			unit.QtyReserved = unit.QtyReserved.Add(delta)
			if err := tx.WithContext(ctx).Save(unit).Error; err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		allocation.AllocatedQty = newQty
	}
	if input.ExpiresAt != nil {
		allocation.ExpiresAt = input.ExpiresAt
	}

	if err := tx.WithContext(ctx).Save(allocation).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return allocation, nil
}

func GetAllocation(ctx context.Context, id int) (*Allocation, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Allocation](ctx, businessId, id)
}

// AllocateSalesOrderDetail is the fulfillment entry point that ties the
// selector and ledger together for one order line: plan, commit with bounded
// retry on reservation conflicts, and raise a back-order for any shortfall.
func AllocateSalesOrderDetail(ctx context.Context, detailId int, expiresAt *time.Time) ([]*Allocation, *BackOrder, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, nil, errors.New("business id is required")
	}

	detail, err := utils.FetchModel[SalesOrderDetail](ctx, businessId, detailId)
	if err != nil {
		return nil, nil, err
	}
	order, err := utils.FetchModel[SalesOrder](ctx, businessId, detail.SalesOrderId)
	if err != nil {
		return nil, nil, err
	}

	outstanding := detail.DetailQty
	db := config.GetDB()
	if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		outstanding, txErr = detailOutstandingQty(tx, detail)
		return txErr
	}); err != nil {
		return nil, nil, err
	}
	if !outstanding.IsPositive() {
		return nil, nil, errors.New("sales order line has no outstanding quantity")
	}

	var allocations []*Allocation
	shortfall := outstanding

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		plan, err := SelectInventory(ctx, detail.ProductId, order.WarehouseId, outstanding, detail.AllocationType, nil)
		if errors.Is(err, ErrNoInventoryAvailable) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		plan.SalesOrderId = order.ID
		plan.SalesOrderDetailId = detail.ID
		plan.ExpiresAt = expiresAt

		allocations, err = CommitAllocation(ctx, plan)
		if err == nil {
			shortfall = plan.ShortfallQty()
			break
		}
		if IsRetryable(err) && attempt < maxAttempts {
			continue
		}
		return nil, nil, err
	}

	var backOrder *BackOrder
	if shortfall.IsPositive() {
		backOrder, err = CreateBackOrder(ctx, &NewBackOrder{
			SalesOrderDetailId: detail.ID,
			Qty:                shortfall,
			Priority:           BackOrderPriorityMedium,
			Reason:             "insufficient inventory at allocation time",
			AutoFulfill:        utils.NewTrue(),
		})
		if err != nil {
			return allocations, nil, err
		}
	}

	return allocations, backOrder, nil
}
