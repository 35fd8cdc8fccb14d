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

// InventoryUnit is one ledger row: a distinct trackable quantity of a product
// at a location, optionally lot/serial/expiry qualified.
//
// QtyReserved increases only through a successful allocation commit and
// decreases only through allocation release (cancel/expire) or consumption
// (pick). Both always happen under a FOR UPDATE lock on this row.
type InventoryUnit struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null;index:idx_unit_avail,priority:1" json:"business_id"`
	WarehouseId  int             `gorm:"index;not null;index:idx_unit_avail,priority:3" json:"warehouse_id"`
	LocationId   int             `gorm:"index;not null" json:"location_id"`
	ProductId    int             `gorm:"index;not null;index:idx_unit_avail,priority:2" json:"product_id"`
	LotNumber    string          `gorm:"size:100;index" json:"lot_number"`
	SerialNumber string          `gorm:"size:100;index" json:"serial_number"`
	ExpiresAt    *time.Time      `gorm:"index" json:"expires_at"`
	ReceivedAt   time.Time       `gorm:"index;not null" json:"received_at"`
	QtyOnHand    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_on_hand"`
	QtyReserved  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_reserved"`
	QtyAvailable decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty_available"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave enforces the ledger invariant: available = on_hand - reserved,
// and neither reserved nor available may go negative. Every write path
// recomputes QtyAvailable here so the stored column can never drift.
func (u *InventoryUnit) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if u == nil {
		return nil
	}
	if u.QtyOnHand.IsNegative() {
		return errors.New("inventory unit on-hand quantity cannot be negative")
	}
	if u.QtyReserved.IsNegative() {
		return errors.New("inventory unit reserved quantity cannot be negative")
	}
	u.QtyAvailable = u.QtyOnHand.Sub(u.QtyReserved)
	if u.QtyAvailable.IsNegative() {
		return errors.New("inventory unit reserved quantity exceeds on-hand quantity")
	}
	return nil
}

type NewInventoryReceipt struct {
	WarehouseId  int             `json:"warehouse_id" binding:"required"`
	LocationId   int             `json:"location_id" binding:"required"`
	ProductId    int             `json:"product_id" binding:"required"`
	LotNumber    string          `json:"lot_number"`
	SerialNumber string          `json:"serial_number"`
	ExpiresAt    *time.Time      `json:"expires_at"`
	ReceivedAt   *time.Time      `json:"received_at"`
	Qty          decimal.Decimal `json:"qty" binding:"required"`
}

func (input *NewInventoryReceipt) validate(ctx context.Context, businessId string) error {
	if !input.Qty.IsPositive() {
		return errors.New("receipt qty must be positive")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return errors.New("warehouse not found")
	}
	if err := utils.ValidateResourceId[Location](ctx, businessId, input.LocationId); err != nil {
		return errors.New("location not found")
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.ProductId); err != nil {
		return errors.New("product not found")
	}
	return nil
}

// ReceiveInventory records incoming stock. A receipt that matches an existing
// unit on the (location, lot, serial, expiry) composite increments that unit;
// otherwise a new ledger row is created. Supply arrival is what the back-order
// watcher later reacts to.
func ReceiveInventory(ctx context.Context, input *NewInventoryReceipt) (*InventoryUnit, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	receivedAt := time.Now().UTC()
	if input.ReceivedAt != nil {
		receivedAt = *input.ReceivedAt
	}

	db := config.GetDB()
	tx := db.Begin()

	var unit InventoryUnit
	query := tx.WithContext(ctx).
		Where("business_id = ? AND warehouse_id = ? AND location_id = ? AND product_id = ?",
			businessId, input.WarehouseId, input.LocationId, input.ProductId).
		Where("lot_number = ? AND serial_number = ?", input.LotNumber, input.SerialNumber).
		Clauses(clause.Locking{Strength: "UPDATE"})
	if input.ExpiresAt != nil {
		query = query.Where("expires_at = ?", *input.ExpiresAt)
	} else {
		query = query.Where("expires_at IS NULL")
	}

	err := query.First(&unit).Error
	switch {
	case err == nil:
		unit.QtyOnHand = unit.QtyOnHand.Add(input.Qty)
		if err := tx.WithContext(ctx).Save(&unit).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		unit = InventoryUnit{
			BusinessId:   businessId,
			WarehouseId:  input.WarehouseId,
			LocationId:   input.LocationId,
			ProductId:    input.ProductId,
			LotNumber:    input.LotNumber,
			SerialNumber: input.SerialNumber,
			ExpiresAt:    input.ExpiresAt,
			ReceivedAt:   receivedAt,
			QtyOnHand:    input.Qty,
		}
		if err := tx.WithContext(ctx).Create(&unit).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	default:
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

// GetInventoryUnit fetches one ledger row scoped to the ctx business.
func GetInventoryUnit(ctx context.Context, id int) (*InventoryUnit, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[InventoryUnit](ctx, businessId, id)
}

// ProductAvailability is an aggregated view over the ledger for one product
// in one warehouse.
type ProductAvailability struct {
	ProductId    int             `json:"product_id"`
	WarehouseId  int             `json:"warehouse_id"`
	QtyOnHand    decimal.Decimal `json:"qty_on_hand"`
	QtyReserved  decimal.Decimal `json:"qty_reserved"`
	QtyAvailable decimal.Decimal `json:"qty_available"`
}

func GetProductAvailability(ctx context.Context, productId int, warehouseId int) (*ProductAvailability, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	result := ProductAvailability{ProductId: productId, WarehouseId: warehouseId}
	err := db.WithContext(ctx).Model(&InventoryUnit{}).
		Select("COALESCE(SUM(qty_on_hand),0) as qty_on_hand, COALESCE(SUM(qty_reserved),0) as qty_reserved, COALESCE(SUM(qty_available),0) as qty_available").
		Where("business_id = ? AND product_id = ? AND warehouse_id = ?", businessId, productId, warehouseId).
		Scan(&result).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// lockInventoryUnit re-reads a unit FOR UPDATE inside tx. All reservation
// counter mutation goes through rows fetched this way.
func lockInventoryUnit(tx *gorm.DB, businessId string, unitId int) (*InventoryUnit, error) {
	var unit InventoryUnit
	err := tx.
		Where("business_id = ?", businessId).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&unit, unitId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &unit, nil
}
