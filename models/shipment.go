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

// Shipment groups packed cartons for one sales order. Status flows
// Open -> Packed -> Shipped; shipped is terminal.
type Shipment struct {
	ID             int            `gorm:"primary_key" json:"id"`
	BusinessId     string         `gorm:"index;not null" json:"business_id"`
	ShipmentNumber string         `gorm:"size:50;index" json:"shipment_number"`
	SalesOrderId   int            `gorm:"index" json:"sales_order_id"`
	WarehouseId    int            `gorm:"index;not null" json:"warehouse_id"`
	CarrierName    string         `gorm:"size:100" json:"carrier_name"`
	TrackingNumber string         `gorm:"size:100" json:"tracking_number"`
	CurrentStatus  ShipmentStatus `gorm:"type:enum('Open','Packed','Shipped');default:'Open';index" json:"current_status"`
	PackedAt       *time.Time     `json:"packed_at"`
	ShippedAt      *time.Time     `json:"shipped_at"`
	CreatedBy      int            `json:"created_by"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Cartons        []Carton       `gorm:"foreignKey:ShipmentId" json:"cartons"`
}

// Carton is one packed box with explicit item lines.
type Carton struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	ShipmentId   int             `gorm:"not null;uniqueIndex:idx_carton_number,priority:1" json:"shipment_id"`
	CartonNumber string          `gorm:"size:50;uniqueIndex:idx_carton_number,priority:2" json:"carton_number"`
	WeightKg     decimal.Decimal `gorm:"type:decimal(12,3);default:0" json:"weight_kg"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	Items        []CartonItem    `gorm:"foreignKey:CartonId" json:"items"`
}

// CartonItem ties packed quantity back to the allocation it came from.
type CartonItem struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	CartonId     int             `gorm:"index;not null" json:"carton_id"`
	AllocationId int             `gorm:"index;not null" json:"allocation_id"`
	ProductId    int             `gorm:"index;not null" json:"product_id"`
	LotNumber    string          `gorm:"size:100" json:"lot_number"`
	SerialNumber string          `gorm:"size:100" json:"serial_number"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewShipment struct {
	SalesOrderId   int    `json:"sales_order_id" binding:"required"`
	CarrierName    string `json:"carrier_name"`
	TrackingNumber string `json:"tracking_number"`
}

type NewCartonItem struct {
	AllocationId int             `json:"allocation_id" binding:"required"`
	Qty          decimal.Decimal `json:"qty" binding:"required"`
}

type NewCarton struct {
	WeightKg decimal.Decimal `json:"weight_kg"`
	Items    []NewCartonItem `json:"items" binding:"required"`
}

// CreateShipment opens an empty shipment for a sales order.
func CreateShipment(ctx context.Context, input *NewShipment) (*Shipment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	order, err := utils.FetchModel[SalesOrder](ctx, businessId, input.SalesOrderId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()

	year := time.Now().UTC().Year()
	seq, err := nextDocumentSequence(tx.WithContext(ctx), businessId, sequenceKeyShipment, year)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	shipment := &Shipment{
		BusinessId:     businessId,
		ShipmentNumber: fmt.Sprintf("SH-%d-%06d", year, seq),
		SalesOrderId:   order.ID,
		WarehouseId:    order.WarehouseId,
		CarrierName:    input.CarrierName,
		TrackingNumber: input.TrackingNumber,
		CurrentStatus:  ShipmentStatusOpen,
		CreatedBy:      userId,
	}
	if err := tx.WithContext(ctx).Create(shipment).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return shipment, nil
}

// PackCarton adds one packed carton to an open shipment. Every line must
// reference a picked quantity: the allocation backing a line has to have at
// least the packed quantity already picked.
func PackCarton(ctx context.Context, shipmentId int, input *NewCarton) (*Shipment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if len(input.Items) == 0 {
		return nil, errors.New("carton needs at least one item")
	}

	db := config.GetDB()
	tx := db.Begin()

	rollback := func(err error) (*Shipment, error) {
		tx.Rollback()
		return nil, err
	}

	// Lock the shipment so concurrent packs of the same shipment serialize.
	var shipment Shipment
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&shipment, shipmentId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rollback(utils.ErrorRecordNotFound)
		}
		return rollback(err)
	}
	if shipment.CurrentStatus == ShipmentStatusShipped {
		return rollback(errors.New("shipped shipment cannot be repacked"))
	}

	// Carton codes come from a per-shipment counter row, never from counting
	// existing cartons. The unique index on (shipment_id, carton_number) backs
	// this up at the schema level.
	seq, err := nextDocumentSequence(tx.WithContext(ctx), businessId, cartonSequenceKey(shipment.ID), 0)
	if err != nil {
		return rollback(err)
	}

	carton := Carton{
		BusinessId:   businessId,
		ShipmentId:   shipment.ID,
		CartonNumber: FormatCartonNumber(shipment.ShipmentNumber, seq),
		WeightKg:     input.WeightKg,
	}
	if err := tx.WithContext(ctx).Create(&carton).Error; err != nil {
		return rollback(err)
	}

	for _, line := range input.Items {
		if !line.Qty.IsPositive() {
			return rollback(errors.New("carton item quantity must be positive"))
		}
		var allocation Allocation
		if err := tx.WithContext(ctx).
			Where("business_id = ?", businessId).
			First(&allocation, line.AllocationId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return rollback(utils.ErrorRecordNotFound)
			}
			return rollback(err)
		}
		if allocation.PickedQty.Cmp(line.Qty) < 0 {
			return rollback(fmt.Errorf("allocation %d has only %s picked", line.AllocationId, allocation.PickedQty))
		}
		item := CartonItem{
			BusinessId:   businessId,
			CartonId:     carton.ID,
			AllocationId: allocation.ID,
			ProductId:    allocation.ProductId,
			LotNumber:    allocation.LotNumber,
			SerialNumber: allocation.SerialNumber,
			Qty:          line.Qty,
		}
		if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
			return rollback(err)
		}
	}

	now := time.Now().UTC()
	shipment.CurrentStatus = ShipmentStatusPacked
	shipment.PackedAt = &now
	if err := tx.WithContext(ctx).Save(&shipment).Error; err != nil {
		return rollback(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return GetShipment(ctx, shipmentId)
}

// ShipShipment closes a packed shipment. When the QC gate is on, a passed
// outbound quality check must exist first.
func ShipShipment(ctx context.Context, id int) (*Shipment, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	rollback := func(err error) (*Shipment, error) {
		tx.Rollback()
		return nil, err
	}

	var shipment Shipment
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&shipment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rollback(utils.ErrorRecordNotFound)
		}
		return rollback(err)
	}
	if shipment.CurrentStatus != ShipmentStatusPacked {
		return rollback(errors.New("only packed shipments can ship"))
	}

	if config.RequireQualityCheckBeforeShip() {
		passed, err := hasPassedQualityCheck(tx.WithContext(ctx), businessId, shipment.ID)
		if err != nil {
			return rollback(err)
		}
		if !passed {
			return rollback(ErrQualityCheckRequired)
		}
	}

	now := time.Now().UTC()
	shipment.CurrentStatus = ShipmentStatusShipped
	shipment.ShippedAt = &now
	if err := tx.WithContext(ctx).Save(&shipment).Error; err != nil {
		return rollback(err)
	}

	if err := PublishFulfillmentEvent(ctx, tx.WithContext(ctx), businessId, EventShipmentShipped, shipment.ID, ReferenceTypeShipment, &shipment); err != nil {
		return rollback(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &shipment, nil
}

func GetShipment(ctx context.Context, id int) (*Shipment, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Shipment](ctx, businessId, id, "Cartons", "Cartons.Items")
}

func GetShipmentAll(ctx context.Context) ([]*Shipment, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchAllModels[Shipment](ctx, businessId, "Cartons")
}
