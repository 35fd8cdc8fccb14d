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
)

// PickList groups open allocations of one warehouse into a picking wave.
type PickList struct {
	ID             int            `gorm:"primary_key" json:"id"`
	BusinessId     string         `gorm:"index;not null" json:"business_id"`
	PickListNumber string         `gorm:"size:50;index" json:"pick_list_number"`
	WarehouseId    int            `gorm:"index;not null" json:"warehouse_id"`
	AssignedTo     int            `gorm:"index" json:"assigned_to"`
	CurrentStatus  PickListStatus `gorm:"type:enum('Open','InProgress','Completed','Cancelled');default:'Open';index" json:"current_status"`
	Note           string         `gorm:"size:255" json:"note"`
	CreatedBy      int            `json:"created_by"`
	CompletedAt    *time.Time     `json:"completed_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Items          []PickListItem `gorm:"foreignKey:PickListId" json:"items"`
}

// PickListItem is one pick instruction backed by exactly one allocation.
type PickListItem struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	PickListId   int             `gorm:"index;not null" json:"pick_list_id"`
	AllocationId int             `gorm:"index;not null" json:"allocation_id"`
	ProductId    int             `gorm:"index;not null" json:"product_id"`
	LocationId   int             `gorm:"index;not null" json:"location_id"`
	LotNumber    string          `gorm:"size:100" json:"lot_number"`
	SerialNumber string          `gorm:"size:100" json:"serial_number"`
	RequiredQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"required_qty"`
	PickedQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"picked_qty"`
	PickedAt     *time.Time      `json:"picked_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPickList struct {
	WarehouseId   int    `json:"warehouse_id" binding:"required"`
	AllocationIds []int  `json:"allocation_ids" binding:"required"`
	AssignedTo    int    `json:"assigned_to"`
	Note          string `json:"note"`
}

func (input *NewPickList) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if len(input.AllocationIds) == 0 {
		return errors.New("pick list needs at least one allocation")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return err
	}
	return utils.ValidateResourcesId[Allocation](ctx, businessId, utils.UniqueSlice(input.AllocationIds))
}

// CreatePickList builds a wave from live allocations in the given warehouse.
// Allocations already claimed by an open pick list, terminal, or belonging to
// another warehouse are rejected rather than silently skipped.
func CreatePickList(ctx context.Context, input *NewPickList) (*PickList, error) {

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

	rollback := func(err error) (*PickList, error) {
		tx.Rollback()
		return nil, err
	}

	year := time.Now().UTC().Year()
	seq, err := nextDocumentSequence(tx.WithContext(ctx), businessId, sequenceKeyPickList, year)
	if err != nil {
		return rollback(err)
	}

	pickList := &PickList{
		BusinessId:     businessId,
		PickListNumber: fmt.Sprintf("PL-%d-%06d", year, seq),
		WarehouseId:    input.WarehouseId,
		AssignedTo:     input.AssignedTo,
		CurrentStatus:  PickListStatusOpen,
		Note:           input.Note,
		CreatedBy:      userId,
	}
	if err := tx.WithContext(ctx).Create(pickList).Error; err != nil {
		return rollback(err)
	}

	for _, allocationId := range utils.UniqueSlice(input.AllocationIds) {
		allocation, err := lockAllocation(tx.WithContext(ctx), businessId, allocationId)
		if err != nil {
			return rollback(err)
		}
		if allocation.CurrentStatus != AllocationStatusAllocated {
			return rollback(ErrAllocationNotPickable)
		}
		if allocation.WarehouseId != input.WarehouseId {
			return rollback(fmt.Errorf("allocation %d belongs to another warehouse", allocationId))
		}
		var claimed int64
		if err := tx.WithContext(ctx).Model(&PickListItem{}).
			Joins("JOIN pick_lists ON pick_lists.id = pick_list_items.pick_list_id").
			Where("pick_list_items.business_id = ? AND pick_list_items.allocation_id = ?", businessId, allocationId).
			Where("pick_lists.current_status IN ?", []PickListStatus{PickListStatusOpen, PickListStatusInProgress}).
			Count(&claimed).Error; err != nil {
			return rollback(err)
		}
		if claimed > 0 {
			return rollback(fmt.Errorf("allocation %d is already on an open pick list", allocationId))
		}

		item := PickListItem{
			BusinessId:   businessId,
			PickListId:   pickList.ID,
			AllocationId: allocation.ID,
			ProductId:    allocation.ProductId,
			LocationId:   allocation.LocationId,
			LotNumber:    allocation.LotNumber,
			SerialNumber: allocation.SerialNumber,
			RequiredQty:  allocation.AllocatedQty.Sub(allocation.PickedQty),
		}
		if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
			return rollback(err)
		}
		pickList.Items = append(pickList.Items, item)
	}

	if err := PublishFulfillmentEvent(ctx, tx.WithContext(ctx), businessId, EventPickListCreated, pickList.ID, ReferenceTypePickList, pickList); err != nil {
		return rollback(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return pickList, nil
}

// ConfirmPick records a picker's confirmation for one pick-list line. The
// inventory movement goes through the allocation ledger in the same
// transaction; the pick list completes itself once every line is fully
// picked.
func ConfirmPick(ctx context.Context, pickListId int, itemId int, qty decimal.Decimal) (*PickList, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	rollback := func(err error) (*PickList, error) {
		tx.Rollback()
		return nil, err
	}

	var pickList PickList
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&pickList, pickListId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rollback(utils.ErrorRecordNotFound)
		}
		return rollback(err)
	}
	if pickList.CurrentStatus != PickListStatusOpen && pickList.CurrentStatus != PickListStatusInProgress {
		return rollback(errors.New("pick list is not open for picking"))
	}

	var item PickListItem
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND pick_list_id = ?", businessId, pickListId).
		First(&item, itemId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rollback(utils.ErrorRecordNotFound)
		}
		return rollback(err)
	}

	outstanding := item.RequiredQty.Sub(item.PickedQty)
	if !qty.IsPositive() || qty.Cmp(outstanding) > 0 {
		return rollback(ErrInvalidPickQuantity)
	}

	if _, err := pickAllocationTx(ctx, tx.WithContext(ctx), businessId, item.AllocationId, qty); err != nil {
		return rollback(err)
	}

	now := time.Now().UTC()
	item.PickedQty = item.PickedQty.Add(qty)
	item.PickedAt = &now
	if err := tx.WithContext(ctx).Save(&item).Error; err != nil {
		return rollback(err)
	}

	pickList.CurrentStatus = PickListStatusInProgress
	var remaining int64
	if err := tx.WithContext(ctx).Model(&PickListItem{}).
		Where("business_id = ? AND pick_list_id = ? AND picked_qty < required_qty", businessId, pickListId).
		Count(&remaining).Error; err != nil {
		return rollback(err)
	}
	if remaining == 0 {
		pickList.CurrentStatus = PickListStatusCompleted
		pickList.CompletedAt = &now
		if err := PublishFulfillmentEvent(ctx, tx.WithContext(ctx), businessId, EventPickListCompleted, pickList.ID, ReferenceTypePickList, &pickList); err != nil {
			return rollback(err)
		}
	}
	if err := tx.WithContext(ctx).Save(&pickList).Error; err != nil {
		return rollback(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return GetPickList(ctx, pickListId)
}

// CancelPickList abandons an unfinished wave. The underlying allocations stay
// reserved; cancelling the list only frees them for a future wave.
func CancelPickList(ctx context.Context, id int) (*PickList, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()

	var pickList PickList
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("business_id = ?", businessId).First(&pickList, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		switch pickList.CurrentStatus {
		case PickListStatusCompleted:
			return errors.New("completed pick list cannot be cancelled")
		case PickListStatusCancelled:
			return errors.New("pick list is already cancelled")
		}
		pickList.CurrentStatus = PickListStatusCancelled
		return tx.Save(&pickList).Error
	})
	if err != nil {
		return nil, err
	}
	return &pickList, nil
}

func GetPickList(ctx context.Context, id int) (*PickList, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[PickList](ctx, businessId, id, "Items")
}

func GetPickListAll(ctx context.Context) ([]*PickList, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[PickList](ctx, businessId, "Items")
}
